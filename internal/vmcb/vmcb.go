// Package vmcb defines the Virtual Machine Control Block layout (spec §3)
// and its EVENTINJ/clean-bit/segment-attribute helpers; the builder that
// composes a VMCB from captured guest state is vcpu.BuildVMCB (spec §4.5,
// component C5). The VMCB itself is a hardware-defined structure (AMD APM
// Vol.2 "Layout of VMCB"); there is no teacher file for its exact byte
// layout, so this package's *texture* (typed fields, bit constants grouped
// near the type they gate) still follows biscuit's mem package, while the
// field order and offsets follow the publicly documented SVM control/save
// area layout.
package vmcb

import "github.com/eaxio/svmhv/internal/physaddr"

// Exception intercept bits (offset 0x08, one bit per exception vector).
const (
	InterceptExceptionBP = uint32(1) << 3 // #BP, spec §4.5
)

// intercept_misc1 bits (offset 0x0C).
const (
	InterceptMiscRDTSC  = uint32(1) << 14
	InterceptMiscPUSHF  = uint32(1) << 16
	InterceptMiscPOPF   = uint32(1) << 17
	InterceptMiscCPUID  = uint32(1) << 18
	InterceptMiscHLT    = uint32(1) << 24
	InterceptMiscMsrProt = uint32(1) << 28
)

// intercept_misc2 bits (offset 0x10).
const (
	InterceptMiscVMRUN    = uint32(1) << 0
	InterceptMiscVMMCALL  = uint32(1) << 1
	InterceptMiscVMLOAD   = uint32(1) << 2
	InterceptMiscVMSAVE   = uint32(1) << 3
	InterceptMiscSTGI     = uint32(1) << 4
	InterceptMiscCLGI     = uint32(1) << 5
	InterceptMiscRDTSCP   = uint32(1) << 7
)

// vmcb_clean bits (offset 0xC0): a 1 bit means "unmodified since last
// VMRUN, hardware may reuse its cache". Clearing a bit forces the CPU to
// reload that state. The hook engine clears NP after every NCR3/NPT edit
// (spec §4.8).
const (
	CleanIntercepts = uint32(1) << 0
	CleanNP         = uint32(1) << 3
	CleanASID       = uint32(1) << 4
)

// np_enable bits (offset 0x90).
const NestedPaging = uint64(1) << 0

// EVENTINJ bit layout (offset 0xA8), spec §4.7/§4.9/§8 "Event-injection
// encoding".
const (
	EventInjVectorMask   = uint64(0xff)
	EventInjTypeShift    = 8
	EventInjTypeMask     = uint64(0x7) << EventInjTypeShift
	EventInjEV           = uint64(1) << 11
	EventInjErrorCodeShift = 32
	EventInjValid        = uint64(1) << 31
)

// Event types for EVENTINJ.type (bits 10:8).
const (
	EventTypeException = uint64(3)
)

// ExitCode values (offset 0x070), the subset the dispatcher names
// explicitly (spec §4.7 step 5).
const (
	ExitExceptionBase = uint64(0x40) // ExitExceptionBase + vector
	ExitRDTSC         = uint64(0x6e)
	ExitCPUID         = uint64(0x72)
	ExitRDTSCP        = uint64(0x7d)
	ExitMSR           = uint64(0x7c)
	ExitVMRUN         = uint64(0x80)
	ExitVMMCALL       = uint64(0x81)
	ExitNPF           = uint64(0x400)
)

/// ControlArea is the first 0x400 bytes of a VMCB (spec §3).
type ControlArea struct {
	InterceptCR        uint32 // offset 0x000: bits 0-15 read, 16-31 write
	InterceptDR        uint32 // offset 0x004
	InterceptExceptions uint32 // offset 0x008
	InterceptMisc1     uint32 // offset 0x00C
	InterceptMisc2     uint32 // offset 0x010
	_reserved1         [0x28]byte // offset 0x014-0x03B
	PauseFilterThreshold uint16 // offset 0x03C
	PauseFilterCount     uint16 // offset 0x03E
	IopmBasePA   uint64 // offset 0x040
	MsrpmBasePA  uint64 // offset 0x048
	TscOffset    uint64 // offset 0x050
	GuestASID    uint32 // offset 0x058
	TlbControl   uint32 // offset 0x05C
	Vintr        uint64 // offset 0x060
	InterruptShadow uint64 // offset 0x068
	ExitCode     uint64 // offset 0x070
	ExitInfo1    uint64 // offset 0x078
	ExitInfo2    uint64 // offset 0x080
	ExitIntInfo  uint64 // offset 0x088
	NpEnable     uint64 // offset 0x090
	_reserved2   [0x10]byte // offset 0x098-0x0A7
	EventInj     uint64 // offset 0x0A8
	NCR3         uint64 // offset 0x0B0
	LbrVirtualizationEnable uint64 // offset 0x0B8
	VmcbClean    uint32 // offset 0x0C0
	_reserved3   uint32 // offset 0x0C4
	Nrip         uint64 // offset 0x0C8
	NumBytesFetched uint8 // offset 0x0D0
	GuestInstructionBytes [15]uint8 // offset 0x0D1
	_reserved4   [0x320]byte // offset 0x0E0-0x3FF, pad to 0x400 total
}

/// SegmentRegister is one 16-byte segment entry of the save area.
type SegmentRegister struct {
	Selector   uint16
	Attributes uint16
	Limit      uint32
	Base       uint64
}

/// SaveArea is the save area immediately following ControlArea, 0x298
/// bytes (spec §3).
type SaveArea struct {
	ES, CS, SS, DS, FS, GS SegmentRegister
	GDTR, LDTR, IDTR, TR   SegmentRegister
	_reserved1             [0x2B]byte
	CPL                    uint8
	_reserved2             uint32
	Efer                   uint64
	_reserved3             [0x70]byte
	CR4, CR3, CR0          uint64
	DR7, DR6               uint64
	Rflags                 uint64
	Rip                    uint64
	_reserved4             [0x58]byte
	Rsp                    uint64
	_reserved5             [0x18]byte
	Rax                    uint64
	Star, Lstar, Cstar, Sfmask uint64
	KernelGsBase           uint64
	SysenterCS, SysenterESP, SysenterEIP uint64
	CR2                    uint64
	_reserved6             [0x20]byte
	GPat                   uint64
	DbgCtl                 uint64
	BrFrom, BrTo           uint64
	LastExcpFrom, LastExcpTo uint64
}

/// VMCB is the full 4 KiB structure: control area followed by save area
/// (spec §3).
type VMCB struct {
	Control ControlArea
	Save    SaveArea
	_       [0x1000 - 0x400 - 0x298]byte // pad to 4 KiB
}

/// InjectEvent encodes EVENTINJ for the given vector/type, matching the
/// {vector[7:0], type[10:8], EV[11], valid[31], error_code[63:32]} layout
/// spec §8 requires to round-trip.
func InjectEvent(vector uint8, eventType uint64, errorCode *uint32) uint64 {
	v := uint64(vector) | (eventType<<EventInjTypeShift)&EventInjTypeMask | EventInjValid
	if errorCode != nil {
		v |= EventInjEV | (uint64(*errorCode) << EventInjErrorCodeShift)
	}
	return v
}

/// MarkDirty clears bits in VmcbClean, forcing the CPU to reload the
/// corresponding state on the next VMRUN (spec §4.8 "clear VMCB_CLEAN.NP").
func (c *ControlArea) MarkDirty(bits uint32) {
	c.VmcbClean &^= bits
}

/// SegmentAttributes synthesizes the SVM-format segment attribute word from
/// a raw GDT access byte + flags nibble, per spec §4.5 ("segment attributes
/// decoded from the live GDT ... synthesize SVM-format attribute word").
/// SVM packs the 8-bit access byte in bits 0-7 and the 4-bit flags nibble
/// (G, DB/L, AVL, and the high limit bits are carried in Limit) in bits
/// 8-11.
func SegmentAttributes(access uint8, flags uint8) uint16 {
	return uint16(access) | uint16(flags&0xf)<<8
}

/// PhysicalAddresses bundles the two VMCB PAs a vCPU needs to reference
/// itself and its structures (spec §3 VcpuData invariants).
type PhysicalAddresses struct {
	GuestVmcbPA physaddr.PA
	HostVmcbPA  physaddr.PA
}
