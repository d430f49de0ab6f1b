// Package inject implements event injection (spec §4.7 "Event injection",
// component C9): #GP/#BP/#PF delivery into the guest via the VMCB
// EVENTINJ field. Grounded on the teacher's preference for small, named
// wrapper functions over a single parameterized call site (biscuit's
// trap-vector helpers in biscuit/src/mem and biscuit/src/vm follow the
// same one-function-per-named-case shape for CPU exception delivery).
package inject

import "github.com/eaxio/svmhv/internal/vmcb"

// Exception vectors used by this hypervisor's own injection paths.
const (
	VectorBP = 3
	VectorGP = 13
	VectorPF = 14
)

// GeneralProtectionFault encodes EVENTINJ for a #GP with the given error
// code (spec §4.10 "reject clearing SVME by injecting #GP"; almost always
// error code 0 for a synthetic #GP raised by the hypervisor itself).
func GeneralProtectionFault(errorCode uint32) uint64 {
	return vmcb.InjectEvent(VectorGP, vmcb.EventTypeException, &errorCode)
}

// Breakpoint encodes EVENTINJ for a #BP with no error code (spec §4.9
// "re-inject #BP into the guest").
func Breakpoint() uint64 {
	return vmcb.InjectEvent(VectorBP, vmcb.EventTypeException, nil)
}

// PageFault encodes EVENTINJ for a #PF with the given error code; callers
// are responsible for updating CR2 separately (spec §4.7).
func PageFault(errorCode uint32) uint64 {
	return vmcb.InjectEvent(VectorPF, vmcb.EventTypeException, &errorCode)
}

// Apply writes the given EVENTINJ encoding into the control area (spec §8
// "Event-injection encoding" round-trip property). It leaves VmcbClean
// untouched.
func Apply(c *vmcb.ControlArea, eventInj uint64) {
	c.EventInj = eventInj
}
