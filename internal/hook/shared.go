package hook

import (
	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/msrbitmap"
	"github.com/eaxio/svmhv/internal/npt"
	"github.com/eaxio/svmhv/internal/physaddr"
)

// SharedData is spec §3's SharedData: everything every vCPU references by
// pointer and which is mutated only (i) single-threaded before any vCPU
// launches, or (ii) from within NPF handlers under the idempotence
// argument spec §4.8/§5 lays out -- no lock is taken here, matching that
// argument (biscuit's equivalent shared structures, e.g. the proc table in
// biscuit/src/mem, do take locks because their mutations aren't
// idempotent; this one's are).
type SharedData struct {
	MSRBitmap *msrbitmap.Bitmap
	Primary   *npt.NestedPageTable
	Secondary *npt.NestedPageTable
	Registry  *Registry
}

// PrimaryPML4 and SecondaryPML4 are the two NCR3 candidates a vCPU's NPF
// handler swaps between (spec §4.8).
func (s *SharedData) PrimaryPML4() physaddr.PA   { return s.Primary.PML4PA() }
func (s *SharedData) SecondaryPML4() physaddr.PA { return s.Secondary.PML4PA() }

// NPFOutcome tells the #VMEXIT(NPF) handler in internal/exit what happened
// and which NCR3 it must now program (spec §4.8 steps 2a/2b).
type NPFOutcome struct {
	// NewNCR3 is the PML4 PA the caller must write into
	// vmcb.Control.NCR3 and clear VMCB_CLEAN.NP for.
	NewNCR3 physaddr.PA
	// FlushTLB is always true on a transition (spec §4.8 "Record
	// TLB-flush").
	FlushTLB bool
	// Transitioned reports whether a hook-state transition occurred; if
	// false, this fault is not part of the hook state machine and the
	// caller must handle it as an ordinary present/not-present NPF.
	Transitioned bool
}

// HandleNPF implements spec §4.8's state machine for a single present-bit
// NPF: faultingPA is the guest physical address that faulted, and
// onPrimary reports which NPT the vCPU is currently running on (ncr3 ==
// PrimaryPML4()).
//
// Two sub-cases are distinguished by whether faultingPA's base page is a
// registered hook:
//
//   - Hooked page faulted while on primary: the guest tried to execute a
//     hooked page. Promote the secondary leaf to execute-enabled,
//     remapped to the shadow PA (idempotent: EnableAll already did this
//     once at init, so a repeat fault here is a no-op rewrite of the same
//     bits), and switch ncr3 to secondary.
//   - Unhooked page faulted while on secondary: the guest left a hooked
//     page. Restore the primary leaf to identity-RWX and switch ncr3 back
//     to primary.
//
// A present-bit NPF for a hooked PA while already on secondary, or for an
// unhooked PA while already on primary, is not part of this state machine
// (it is the ordinary steady-state case) and HandleNPF reports
// Transitioned=false.
func (s *SharedData) HandleNPF(faultingPA physaddr.PA, onPrimary bool) (NPFOutcome, error) {
	base := faultingPA.BasePage()
	h := s.Registry.FindByPA(base)

	switch {
	case onPrimary && h != nil:
		if err := s.Secondary.Split2MBTo4KB(base.LargePage(), npt.ReadWriteExecute); err != nil {
			return NPFOutcome{}, err
		}
		if err := s.Secondary.ChangeAllPageFlags(base, npt.ReadWriteExecute); err != nil {
			return NPFOutcome{}, err
		}
		if err := s.Secondary.Remap(base, h.ShadowPA.BasePage()); err != nil {
			return NPFOutcome{}, err
		}
		return NPFOutcome{NewNCR3: s.SecondaryPML4(), FlushTLB: true, Transitioned: true}, nil

	case !onPrimary && h == nil:
		if err := s.Primary.ChangeAllPageFlags(base, npt.ReadWriteExecute); err != nil {
			return NPFOutcome{}, err
		}
		if err := s.Primary.Remap(base, base); err != nil {
			return NPFOutcome{}, err
		}
		return NPFOutcome{NewNCR3: s.PrimaryPML4(), FlushTLB: true, Transitioned: true}, nil

	default:
		return NPFOutcome{Transitioned: false}, nil
	}
}

// HandleNotPresent implements spec §4.8 step 1: a guest physical page that
// has not yet been materialized in either NPT. It is installed identity-RW
// in the primary and identity-RWX in the secondary. These are the reverse
// of the RWX-primary/RW-secondary flags the identity maps carry elsewhere
// outside the hook set. A not-present fault can only ever hit a PA outside
// the hook set, since every hooked PA is installed by EnableAll before any
// vCPU launches.
func (s *SharedData) HandleNotPresent(faultingPA physaddr.PA) error {
	base := faultingPA.BasePage()
	if err := s.Primary.Map4KB(base, base, npt.ReadWrite); err != nil {
		return err
	}
	return s.Secondary.Map4KB(base, base, npt.ReadWriteExecute)
}

// HandleBreakpoint implements spec §4.9's #BP handler: look up the hook
// registry by RIP; if found and it is a function hook, return the handler
// address the caller should rewrite save_area.rip to ("Continue" per
// spec); otherwise report NotFound so the caller re-injects #BP into the
// guest ("IncrementRIP" per spec, since a foreign INT3 executed and
// already advanced past the opcode).
func (s *SharedData) HandleBreakpoint(rip hostapi.Va) (handlerVA hostapi.Va, found bool) {
	h := s.Registry.FindByVA(rip)
	if h == nil || h.Type != TypeFunction {
		return 0, false
	}
	return h.HandlerVA, true
}
