package vcpu

// Action is the dispatcher's verdict for one VMEXIT (spec §4.7 "if the
// dispatcher returned zero, re-issue vmrun; if non-zero ... return").
type Action int

const (
	// ActionResume re-issues vmrun: the guest continues.
	ActionResume Action = iota
	// ActionExit unwinds the loop and returns to the caller -- the guest
	// requested devirtualization (spec §4.11).
	ActionExit
)

// Dispatcher handles one VMEXIT and reports whether the guest should be
// resumed. internal/exit implements this; vcpu never imports internal/exit
// to avoid a cycle (exit naturally depends on vcpu's types, not the other
// way around).
type Dispatcher interface {
	Dispatch(v *VcpuData, regs *GuestRegs) Action
}

// Launch runs the host-mode launch/VMRUN loop for one logical processor
// (spec §4.7, §4.11): LatchInitialState runs once (vmsave of the guest
// and host VMCBs around the VM_HSAVE_PA write), then each iteration issues
// vmrun on the guest VMCB and hands the exit to dispatch until it reports
// ActionExit. The loop itself issues no vmload; restoring host-only state
// is the dispatcher's first step. GIF is cleared for the duration of each
// vmrun/dispatch pair (CLGI before vmrun, STGI after dispatch) matching
// spec §4.12's suspension model:
// "executes with interrupts disabled... must neither block nor wait".
//
// This never returns while the guest is virtualized; it returns only
// once dispatch reports ActionExit, at which point the caller is running
// on the original (unvirtualized) stack per the sentinel-CPUID
// devirtualization path.
func Launch(v *VcpuData, d Dispatcher) {
	var regs GuestRegs

	v.LatchInitialState()

	for {
		clgi()
		vmrun(v.HostStack.GuestVmcbPA.Raw())
		action := d.Dispatch(v, &regs)
		stgi()

		if action == ActionExit {
			return
		}
	}
}
