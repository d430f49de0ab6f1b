package vcpu

// Declarations for the assembly stubs in asm_amd64.s. Each wraps exactly
// one SVM instruction; see asm_amd64.s for why the rest of the exit
// trampoline is plain Go instead.

func clgi()
func stgi()
func vmsave(vmcbPA uint64)
func vmload(vmcbPA uint64)
func vmrun(guestVmcbPA uint64)
func wrmsrRaw(msr uint32, value uint64)

// msrVMHSavePA is IA32_VM_HSAVE_PA (AMD APM Vol.2 15.30.4): the physical
// address of the 4 KiB region the CPU uses to stash host state across
// VMRUN/VMEXIT that is not part of the host_vmcb vmsave/vmload image
// (spec §4.5 "write VM_HSAVE_PA := host_state_area_pa").
const msrVMHSavePA = 0xC001_0117
