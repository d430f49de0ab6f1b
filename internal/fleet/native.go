package fleet

func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
func rdmsrRaw(msr uint32) (eax, edx uint32)
func wrmsrRaw(msr, eax, edx uint32)
