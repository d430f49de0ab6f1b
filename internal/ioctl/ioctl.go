// Package ioctl builds the control-channel device codes cmd/svmctl issues
// (spec §6): three codes -- INSTALL, UNLOAD, UNUSED -- encoded with the
// standard device<<16|access<<14|function<<2|method scheme. No example
// repo in the pack defines an IOCTL encoder of its own, so the constant
// names and the Code formula follow the spec text directly; the bit-
// packing style (named shift/mask constants, one small pure function)
// matches internal/vmcb's SegmentAttributes and internal/msrbitmap's bit
// helpers.
package ioctl

const (
	methodBuffered = uint32(0)

	accessRead  = uint32(1)
	accessWrite = uint32(2)

	deviceUnknown = uint32(0x22)
)

// Function codes (spec §6 "Functions 0x800, 0x801, 0x802").
const (
	functionInstall = uint32(0x800)
	functionUnload  = uint32(0x801)
	functionUnused  = uint32(0x802)
)

// Code computes the standard IOCTL control code from its four fields.
func Code(device, access, function, method uint32) uint32 {
	return device<<16 | access<<14 | function<<2 | method
}

// INSTALL, UNLOAD, and UNUSED are the three control codes the driver's
// control channel accepts (spec §6): 0x22E000, 0x22E004, 0x22E008.
var (
	INSTALL = Code(deviceUnknown, accessRead|accessWrite, functionInstall, methodBuffered)
	UNLOAD  = Code(deviceUnknown, accessRead|accessWrite, functionUnload, methodBuffered)
	UNUSED  = Code(deviceUnknown, accessRead|accessWrite, functionUnused, methodBuffered)
)
