package exit

// NativeOps is the seam between the dispatcher's default CPUID/MSR/RDTSC
// handling and the actual privileged instructions (spec §4.10 "execute
// native cpuid"/"execute native rdmsr"/"execute native wrmsr"/"read native
// TSC"). RDMSR/WRMSR/CPUID/RDTSC would otherwise make this package
// untestable outside ring 0 (RDMSR/WRMSR fault with #GP in user mode);
// tests substitute a fake implementation instead of calling real hardware
// instructions.
type NativeOps interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	RDMSR(msr uint32) (eax, edx uint32)
	WRMSR(msr, eax, edx uint32)
	RDTSC() (eax, edx uint32)
}

// hardwareOps is the real implementation, backed by asm_amd64.s.
type hardwareOps struct{}

func (hardwareOps) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidRaw(leaf, subleaf)
}
func (hardwareOps) RDMSR(msr uint32) (eax, edx uint32) { return rdmsrRaw(msr) }
func (hardwareOps) WRMSR(msr, eax, edx uint32)         { wrmsrRaw(msr, eax, edx) }
func (hardwareOps) RDTSC() (eax, edx uint32)           { return rdtscRaw() }

// Declarations for asm_amd64.s; see there for why these are hand-written
// rather than adapted from a teacher file.
func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
func rdmsrRaw(msr uint32) (eax, edx uint32)
func wrmsrRaw(msr, eax, edx uint32)
func rdtscRaw() (eax, edx uint32)
