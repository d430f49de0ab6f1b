// Package exit implements the VMEXIT dispatcher (spec §4.7, component C8)
// and the CPUID/MSR/RDTSC handlers (spec §4.10). It is the one package
// that ties internal/vcpu, internal/hook, internal/inject, and
// internal/config together at runtime, mirroring how biscuit's trap
// dispatch (biscuit/src/mem and the interrupt-vector switch it drives)
// sits at the center of that kernel's own exception handling.
package exit

import (
	"github.com/eaxio/svmhv/internal/config"
	"github.com/eaxio/svmhv/internal/hook"
	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/inject"
	"github.com/eaxio/svmhv/internal/physaddr"
	"github.com/eaxio/svmhv/internal/svmlog"
	"github.com/eaxio/svmhv/internal/vcpu"
	"github.com/eaxio/svmhv/internal/vmcb"
)

// msrEfer and its SVME bit (AMD APM Vol.2 15.30.4 / Vol.3 3.1.7).
const (
	msrEfer  = 0xC000_0080
	eferSVME = uint64(1) << 12
)

// npfPresentBit is EXITINFO1 bit 0 for a #VMEXIT(NPF): set means the
// faulting GPA already has a present mapping in the active NPT (spec
// §4.8 "flags.PRESENT").
const npfPresentBit = uint64(1) << 0

// Dispatcher implements vcpu.Dispatcher: the per-vCPU VMEXIT routing table
// (spec §4.7 step 5) plus the CPUID/MSR/RDTSC/NPF/#BP handlers it routes
// to.
type Dispatcher struct {
	Host   hostapi.Host
	Shared *hook.SharedData
	Cfg    config.Config
	Log    *svmlog.Logger

	// Native is the CPUID/MSR/RDTSC backend. Nil defaults to the real
	// hardware instructions; tests inject a fake.
	Native NativeOps

	pendingAction handlerAction
}

var _ vcpu.Dispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) native() NativeOps {
	if d.Native == nil {
		d.Native = hardwareOps{}
	}
	return d.Native
}

// Dispatch implements vcpu.Dispatcher (spec §4.7 steps 1-6).
func (d *Dispatcher) Dispatch(v *vcpu.VcpuData, regs *vcpu.GuestRegs) vcpu.Action {
	v.RestoreHostState()
	return d.dispatchExit(v, regs)
}

// dispatchExit is Dispatch's body from the sentinel check onward, split out
// so tests can drive the exit-routing logic without going through
// RestoreHostState's vmload (a privileged instruction that would fault
// outside ring 0).
func (d *Dispatcher) dispatchExit(v *vcpu.VcpuData, regs *vcpu.GuestRegs) vcpu.Action {
	if !v.CheckSentinel() {
		d.Host.Bugcheck(0xDEAD0001)
		return vcpu.ActionExit // unreachable: Bugcheck never returns
	}

	ctrl := &v.GuestVMCB.Control
	save := &v.GuestVMCB.Save

	regs.Rax = save.Rax

	switch {
	case ctrl.ExitCode == vmcb.ExitCPUID:
		d.handleCPUID(v, regs)
	case ctrl.ExitCode == vmcb.ExitMSR:
		d.handleMSR(v, regs)
	case ctrl.ExitCode == vmcb.ExitRDTSC || ctrl.ExitCode == vmcb.ExitRDTSCP:
		d.handleRDTSC(v, regs, ctrl.ExitCode == vmcb.ExitRDTSCP)
	case ctrl.ExitCode == vmcb.ExitVMMCALL:
		d.handleVMMCALL(v, regs)
	case ctrl.ExitCode == vmcb.ExitVMRUN:
		// A guest issuing vmrun itself is never legitimate under this
		// hypervisor's own nesting model (spec §4.7 "VMRUN -> inject #GP,
		// Continue").
		injectGP(ctrl)
	case ctrl.ExitCode == vmcb.ExitExceptionBase+inject.VectorBP:
		d.handleBreakpoint(v)
	case ctrl.ExitCode == vmcb.ExitNPF:
		d.handleNPF(v)
	default:
		d.Host.Bugcheck(0xDEAD0002, ctrl.ExitCode)
	}

	switch d.pendingAction {
	case actionExitHypervisor:
		d.pendingAction = actionNone
		return vcpu.ActionExit
	case actionIncrementRIP:
		d.pendingAction = actionNone
		save.Rax = regs.Rax
		save.Rip = ctrl.Nrip
	default:
		// Continue: leave RIP untouched (spec §4.7 "Continue" -- used by
		// NPF, which wants the guest to retry the faulting access).
	}
	return vcpu.ActionResume
}

// pendingAction mirrors spec §4.7's per-handler ExitType return without
// threading a return value through every handler method (Go methods on
// Dispatcher read more naturally as void calls that mutate state already
// in front of them -- save_area, regs -- than as functions returning a
// three-way enum the caller re-switches on immediately after).
type handlerAction int

const (
	actionNone handlerAction = iota
	actionIncrementRIP
	actionExitHypervisor
)

func injectGP(ctrl *vmcb.ControlArea) {
	ctrl.EventInj = inject.GeneralProtectionFault(0)
	ctrl.MarkDirty(0)
}

func (d *Dispatcher) handleCPUID(v *vcpu.VcpuData, regs *vcpu.GuestRegs) {
	leaf := uint32(regs.Rax)
	subleaf := uint32(regs.Rcx)

	if leaf == config.CpuidDevirtualizeLeaf {
		d.pendingAction = actionExitHypervisor
		return
	}

	eax, ebx, ecx, edx := d.native().CPUID(leaf, subleaf)

	switch leaf {
	case 1:
		ecx |= 1 << 31
	case config.HvLeafBase:
		eax = config.HvLeafMax
		ebx, ecx, edx = packVendorString(d.Cfg.VendorString)
	case config.HvLeafBase + 1:
		ebx, ecx, edx = packVendorString(d.Cfg.InterfaceSignature)
	}

	regs.Rax = uint64(eax)
	regs.Rbx = uint64(ebx)
	regs.Rcx = uint64(ecx)
	regs.Rdx = uint64(edx)
	d.pendingAction = actionIncrementRIP
}

// packVendorString packs up to 12 bytes of s into three little-endian
// dwords, the EBX/ECX/EDX convention CPUID vendor strings use (spec §4.10
// "return a vendor string in EBX/ECX/EDX").
func packVendorString(s string) (ebx, ecx, edx uint32) {
	var buf [12]byte
	copy(buf[:], s)
	ebx = packDword(buf[0:4])
	ecx = packDword(buf[4:8])
	edx = packDword(buf[8:12])
	return
}

func packDword(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (d *Dispatcher) handleMSR(v *vcpu.VcpuData, regs *vcpu.GuestRegs) {
	ctrl := &v.GuestVMCB.Control
	save := &v.GuestVMCB.Save
	msr := uint32(regs.Rcx)
	writeAccess := ctrl.ExitInfo1 != 0

	if msr == msrEfer && writeAccess {
		newValue := (regs.Rdx << 32) | (regs.Rax & 0xffff_ffff)
		if save.Efer&eferSVME != 0 && newValue&eferSVME == 0 {
			// Reject clearing SVME: reflect #GP, leave EFER untouched
			// (spec §4.10, §8 scenario 5).
			injectGP(ctrl)
			return
		}
		save.Efer = newValue
		d.pendingAction = actionIncrementRIP
		return
	}

	if writeAccess {
		d.native().WRMSR(msr, uint32(regs.Rax), uint32(regs.Rdx))
	} else {
		eax, edx := d.native().RDMSR(msr)
		regs.Rax = uint64(eax)
		regs.Rdx = uint64(edx)
	}
	d.pendingAction = actionIncrementRIP
}

func (d *Dispatcher) handleRDTSC(v *vcpu.VcpuData, regs *vcpu.GuestRegs, withProcessorID bool) {
	eax, edx := d.native().RDTSC()
	tsc := uint64(edx)<<32 | uint64(eax)
	if d.Cfg.RdtscDivisor > 1 {
		tsc /= d.Cfg.RdtscDivisor
	}
	regs.Rax = tsc & 0xffff_ffff
	regs.Rdx = tsc >> 32
	if withProcessorID {
		regs.Rcx = 0
	}
	d.pendingAction = actionIncrementRIP
}

func (d *Dispatcher) handleVMMCALL(v *vcpu.VcpuData, regs *vcpu.GuestRegs) {
	// No VMMCALL protocol is specified (spec §4.5 calls it an optional,
	// unspecified intercept); advance past it as a no-op rather than
	// leaving it to the default #UD path some guests might not expect.
	d.pendingAction = actionIncrementRIP
}

func (d *Dispatcher) handleBreakpoint(v *vcpu.VcpuData) {
	save := &v.GuestVMCB.Save
	ctrl := &v.GuestVMCB.Control

	if handler, found := d.Shared.HandleBreakpoint(hostapi.Va(save.Rip)); found {
		save.Rip = uint64(handler)
		d.pendingAction = actionNone // Continue: redirect into the handler
		return
	}

	// Some other component placed a legitimate breakpoint here; re-inject
	// #BP and advance past it (spec §4.9 "otherwise re-inject #BP ...
	// return IncrementRIP").
	ctrl.EventInj = inject.Breakpoint()
	ctrl.MarkDirty(0)
	d.pendingAction = actionIncrementRIP
}

func (d *Dispatcher) handleNPF(v *vcpu.VcpuData) {
	ctrl := &v.GuestVMCB.Control
	faultPA := physaddr.FromPA(ctrl.ExitInfo2)
	present := ctrl.ExitInfo1&npfPresentBit != 0

	if !present {
		if err := d.Shared.HandleNotPresent(faultPA); err != nil {
			d.Host.Bugcheck(0xDEAD0003, uint64(ctrl.ExitCode))
		}
		d.pendingAction = actionNone // Continue: guest retries
		return
	}

	onPrimary := ctrl.NCR3 == d.Shared.PrimaryPML4().Raw()
	outcome, err := d.Shared.HandleNPF(faultPA, onPrimary)
	if err != nil {
		d.Host.Bugcheck(0xDEAD0004, uint64(ctrl.ExitCode))
		return
	}
	if outcome.Transitioned {
		ctrl.NCR3 = outcome.NewNCR3.Raw()
		ctrl.MarkDirty(vmcb.CleanNP)
	}
	d.pendingAction = actionNone // Continue: guest retries the access
}
