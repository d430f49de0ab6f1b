// Package vcpu implements per-logical-processor virtualization state and
// the VMCB builder (spec §4.5, component C5; §3 VcpuData/GuestRegs/VMCB).
// Layout and construction order follow biscuit's per-process state
// builder (biscuit/src/mem/pmap.go's proc setup sequence: allocate,
// zero, wire self-pointers, then populate control fields one at a time)
// generalized to SVM's guest/host VMCB pair.
package vcpu

import (
	"fmt"
	"unsafe"

	"github.com/eaxio/svmhv/internal/config"
	"github.com/eaxio/svmhv/internal/hook"
	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/memview"
	"github.com/eaxio/svmhv/internal/msrbitmap"
	"github.com/eaxio/svmhv/internal/npt"
	"github.com/eaxio/svmhv/internal/physaddr"
	"github.com/eaxio/svmhv/internal/vmcb"
)

// StackSentinel is the corruption-check value stored in
// HostStackLayout.Reserved1 and asserted at every VMEXIT (spec §3 VcpuData
// invariant, §5 "Invariants enforced by the hardware boundary").
const StackSentinel = ^uint64(0)

// HostStackSize is the per-vCPU host stack region size (spec §3
// "~24 KiB stack region").
const HostStackSize = 24 * 1024

// GuestRegs is the general-purpose register snapshot handed to every
// VMEXIT handler (spec §3 GuestRegs). It holds 15 registers, R15 through
// RAX; RSP is not among them, and the guest's RSP is the VMCB save area's
// Rsp. Fields are declared R15 first (lowest offset) down to RAX (highest
// offset). Launch keeps the snapshot in an ordinary Go variable, so no stub
// pushes it and handlers address fields by name only.
type GuestRegs struct {
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	Rdi, Rsi, Rbp, Rbx uint64
	Rdx, Rcx, Rax      uint64
}

// HostStackLayout is the structure living at the base of a vCPU's host
// stack (spec §3 VcpuData.host_stack_layout): the fields the VMRUN
// trampoline and dispatcher read by fixed offset, plus the stack region
// itself.
type HostStackLayout struct {
	Stack [HostStackSize]byte

	GuestVmcbPA physaddr.PA
	HostVmcbPA  physaddr.PA
	SelfData    hostapi.Va // pointer back to the owning VcpuData
	SharedData  hostapi.Va // pointer to the shared hook/NPT state

	// Padding keeps the fields after Stack a multiple of 16 bytes: the four
	// 8-byte fields above are 32 bytes, Reserved1 alone would make that 40,
	// and one uint64 of padding brings the total to 48.
	padding uint64

	// Reserved1 is the corruption sentinel (spec §3 invariant
	// "host_stack_layout.reserved_1 == u64::MAX at every VMEXIT entry").
	Reserved1 uint64
}

// VcpuData is the 4 KiB-aligned per-logical-processor state (spec §3
// VcpuData): the host stack layout, guest VMCB, host VMCB, and a 4 KiB
// host state-save area.
type VcpuData struct {
	Processor int

	HostStack HostStackLayout
	GuestVMCB vmcb.VMCB
	HostVMCB  vmcb.VMCB

	// HostStateSaveArea backs VM_HSAVE_PA: a 4 KiB region the CPU uses to
	// stash host-only state across VMRUN/VMEXIT that the VMCB itself does
	// not carry (spec §4.5 "write VM_HSAVE_PA := host_state_area_pa").
	HostStateSaveArea [physaddr.PageSize]byte

	va      hostapi.Va
	pa      physaddr.PA
	hsavePA physaddr.PA
}

// New allocates and wires a fresh VcpuData for the given logical
// processor. The struct's own physical address, and the physical
// addresses of its two embedded VMCBs, are resolved once here and cached
// (spec §3 "pointers back to itself and to SharedData").
func New(host hostapi.Host, processor int, shared *hook.SharedData) (*VcpuData, error) {
	va, pa, err := host.AllocatePages(allocPages())
	if err != nil {
		return nil, fmt.Errorf("vcpu: allocating VcpuData: %w", err)
	}
	v := memview.As[VcpuData](va)
	*v = VcpuData{Processor: processor, va: va, pa: physaddr.FromPA(uint64(pa))}

	guestVmcbPA, err := physaddr.FromVA(host, hostapi.Va(uintptr(va)+guestVMCBOffset()))
	if err != nil {
		return nil, fmt.Errorf("vcpu: resolving guest VMCB PA: %w", err)
	}
	hostVmcbPA, err := physaddr.FromVA(host, hostapi.Va(uintptr(va)+hostVMCBOffset()))
	if err != nil {
		return nil, fmt.Errorf("vcpu: resolving host VMCB PA: %w", err)
	}
	hsavePA, err := physaddr.FromVA(host, hostapi.Va(uintptr(va)+hostStateSaveAreaOffset()))
	if err != nil {
		return nil, fmt.Errorf("vcpu: resolving host-state save area PA: %w", err)
	}

	v.HostStack.GuestVmcbPA = guestVmcbPA
	v.HostStack.HostVmcbPA = hostVmcbPA
	v.HostStack.SelfData = va
	v.HostStack.Reserved1 = StackSentinel
	v.hsavePA = hsavePA
	_ = shared // SharedData's VA is wired later by VcpuData.AttachShared

	return v, nil
}

func allocPages() int {
	size := int(unsafe.Sizeof(VcpuData{}))
	return (size + physaddr.PageSize - 1) / physaddr.PageSize
}

func guestVMCBOffset() uintptr { return unsafe.Offsetof(VcpuData{}.GuestVMCB) }
func hostVMCBOffset() uintptr  { return unsafe.Offsetof(VcpuData{}.HostVMCB) }

// PA returns this VcpuData's own physical address.
func (v *VcpuData) PA() physaddr.PA { return v.pa }

// VA returns this VcpuData's own virtual address.
func (v *VcpuData) VA() hostapi.Va { return v.va }

// AttachShared records the SharedData pointer once the caller has
// constructed it (SharedData's own NPTs must exist before any vCPU can
// reference it, so this is a second wiring step after New, matching spec
// §5's "SharedData is mutated... (i) before any vCPU is launched --
// single-threaded construction").
func (v *VcpuData) AttachShared(sharedVA hostapi.Va) {
	v.HostStack.SharedData = sharedVA
}

// CheckSentinel reports whether the corruption-check sentinel is intact
// (spec §5, §8 "Sentinel" testable property).
func (v *VcpuData) CheckSentinel() bool {
	return v.HostStack.Reserved1 == StackSentinel
}

// LatchInitialState performs the one-time setup sequence of spec §4.5's
// tail: vmsave the guest VMCB's hidden state, point VM_HSAVE_PA at this
// vCPU's host-state save area, then vmsave the host VMCB's hidden state.
// Must run once, before the first vmrun in Launch.
func (v *VcpuData) LatchInitialState() {
	vmsave(v.HostStack.GuestVmcbPA.Raw())
	wrmsrRaw(msrVMHSavePA, v.hsavePA.Raw())
	vmsave(v.HostStack.HostVmcbPA.Raw())
}

// RestoreHostState issues vmload(host_vmcb_pa), the VMEXIT dispatcher's
// first step (spec §4.7 "vmload host_vmcb_pa -- restore host-only state
// that is not auto-restored").
func (v *VcpuData) RestoreHostState() {
	vmload(v.HostStack.HostVmcbPA.Raw())
}

func hostStateSaveAreaOffset() uintptr {
	return unsafe.Offsetof(VcpuData{}.HostStateSaveArea)
}

// BuildOptions bundles the pieces a VMCB build needs beyond the captured
// context (spec §4.5).
type BuildOptions struct {
	Shared    *hook.SharedData
	MSRBitmap *msrbitmap.Bitmap
	Primary   *npt.NestedPageTable
	Cfg       config.Config
}

// BuildVMCB composes the guest VMCB's control and save areas from a
// captured context, following spec §4.5's construction order: intercepts,
// ASID, NPT enable + NCR3, MSRPM base, then the save area fields decoded
// from the captured segment/CR/RIP/RSP state.
func (v *VcpuData) BuildVMCB(ctx hostapi.CapturedContext, opts BuildOptions) {
	c := &v.GuestVMCB.Control

	c.InterceptExceptions |= vmcb.InterceptExceptionBP
	c.InterceptMisc1 |= vmcb.InterceptMiscCPUID | vmcb.InterceptMiscMsrProt | vmcb.InterceptMiscRDTSC
	c.InterceptMisc2 |= vmcb.InterceptMiscVMRUN
	if opts.Cfg.InterceptVmcall {
		c.InterceptMisc2 |= vmcb.InterceptMiscVMMCALL
	}
	if opts.Cfg.InterceptRdtscp {
		c.InterceptMisc2 |= vmcb.InterceptMiscRDTSCP
	}

	c.GuestASID = 1

	if opts.Primary != nil {
		c.NpEnable |= vmcb.NestedPaging
		c.NCR3 = opts.Primary.PML4PA().Raw()
	} else {
		c.NCR3 = ctx.Cr3
	}

	if opts.MSRBitmap != nil {
		c.MsrpmBasePA = opts.MSRBitmap.PA().Raw()
	}

	s := &v.GuestVMCB.Save
	s.CS = segmentFrom(ctx.CS)
	s.SS = segmentFrom(ctx.SS)
	s.DS = segmentFrom(ctx.DS)
	s.ES = segmentFrom(ctx.ES)
	s.FS = segmentFrom(ctx.FS)
	s.GS = segmentFrom(ctx.GS)
	s.LDTR = segmentFrom(ctx.LDTR)
	s.TR = segmentFrom(ctx.TR)
	s.GDTR = vmcb.SegmentRegister{Base: ctx.Gdtr.Base, Limit: uint32(ctx.Gdtr.Limit)}
	s.IDTR = vmcb.SegmentRegister{Base: ctx.Idtr.Base, Limit: uint32(ctx.Idtr.Limit)}

	s.CR0 = ctx.Cr0
	s.CR2 = ctx.Cr2
	s.CR3 = ctx.Cr3
	s.CR4 = ctx.Cr4
	s.Efer = ctx.Efer
	s.GPat = ctx.Gpat
	s.DR6 = ctx.Dr6
	s.DR7 = ctx.Dr7
	s.Rflags = ctx.Rflags
	s.Rip = ctx.Rip
	s.Rsp = ctx.Rsp
	s.Rax = ctx.Rax

	c.MarkDirty(0) // a freshly built VMCB has nothing cached yet to preserve
}

func segmentFrom(seg hostapi.Segment) vmcb.SegmentRegister {
	return vmcb.SegmentRegister{
		Selector:   seg.Selector,
		Base:       seg.Base,
		Limit:      seg.Limit,
		Attributes: vmcb.SegmentAttributes(seg.Access, seg.Flags),
	}
}
