// Package config groups the hypervisor's build-time constants and the
// small set of runtime policy knobs spec §4.10/§9 calls out as "a policy
// knob, not a contract". biscuit has no analogous package of its own (its
// tunables are plain top-level constants, e.g. biscuit/src/limits), but its
// limits.Syslimit_t shows the pack's convention for grouping related
// tunables into one struct populated at startup; Config follows that shape.
package config

// CpuidDevirtualizeLeaf is the sentinel CPUID leaf (spec §6) a guest issues
// to request devirtualization of the current logical processor.
const CpuidDevirtualizeLeaf = 0x4321_1234

// CpuidDevirtualizeAbsentECX is the ECX value CPUID leaf 1 will never
// produce while the hypervisor is present; callers probe for its absence
// by comparing ECX after the sentinel CPUID against this value.
const CpuidDevirtualizeAbsentECX = 0xDEADBEEF

// HvLeafBase/HvLeafMax are the Hyper-V-style leaf range (spec §4.10).
const (
	HvLeafBase = 0x4000_0000
	HvLeafMax  = 0x4000_0001
)

/// Config carries the per-instance policy knobs.
type Config struct {
	// VendorString is returned in EBX/ECX/EDX for CPUID leaf 0x40000000.
	// Exactly 12 bytes (three packed little-endian dwords).
	VendorString string

	// InterfaceSignature is returned for CPUID leaf 0x40000001, declaring
	// a non-Hv#1-compatible interface (spec §4.10).
	InterfaceSignature string

	// RdtscDivisor optionally divides the native TSC before it is
	// reflected to the guest, blunting timing-based hypervisor-presence
	// probes. 0 or 1 means "no division" (spec §4.10: "a policy knob, not
	// a contract").
	RdtscDivisor uint64

	// InterceptVmcall, when true, sets the VMMCALL intercept so the
	// dispatcher's VMMCALL handler sees those exits; when false, VMMCALL is
	// not intercepted and the CPU raises #UD in the guest itself (spec
	// §4.5: VMMCALL is optional).
	InterceptVmcall bool

	// InterceptRdtscp mirrors InterceptVmcall for the optional RDTSCP
	// intercept (spec §4.5).
	InterceptRdtscp bool
}

/// Option mutates a Config being built.
type Option func(*Config)

/// WithVendorString overrides the default vendor string.
func WithVendorString(s string) Option { return func(c *Config) { c.VendorString = s } }

/// WithRdtscDivisor sets the TSC-reflection divisor policy knob.
func WithRdtscDivisor(d uint64) Option { return func(c *Config) { c.RdtscDivisor = d } }

/// WithVmcallIntercept enables the optional VMMCALL intercept.
func WithVmcallIntercept() Option { return func(c *Config) { c.InterceptVmcall = true } }

/// WithRdtscpIntercept enables the optional RDTSCP intercept.
func WithRdtscpIntercept() Option { return func(c *Config) { c.InterceptRdtscp = true } }

/// Default returns the baseline Config used when no options are given.
func Default(opts ...Option) Config {
	c := Config{
		VendorString:       "svmhvsvmhv00",
		InterfaceSignature: "0#vnHvI",
		RdtscDivisor:       1,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
