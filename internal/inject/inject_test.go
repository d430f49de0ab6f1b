package inject

import (
	"testing"

	"github.com/eaxio/svmhv/internal/vmcb"
)

func TestGeneralProtectionFaultEncoding(t *testing.T) {
	v := GeneralProtectionFault(0)
	if vector := uint8(v & vmcb.EventInjVectorMask); vector != VectorGP {
		t.Errorf("vector = %d, want %d", vector, VectorGP)
	}
	if v&vmcb.EventInjValid == 0 {
		t.Error("expected the valid bit to be set")
	}
	if v&vmcb.EventInjEV == 0 {
		t.Error("expected the error-code-valid bit to be set for #GP")
	}
	if errorCode := v >> vmcb.EventInjErrorCodeShift; errorCode != 0 {
		t.Errorf("error code = %d, want 0", errorCode)
	}
}

func TestGeneralProtectionFaultWithNonzeroErrorCode(t *testing.T) {
	v := GeneralProtectionFault(0x1234)
	if got := uint32(v >> vmcb.EventInjErrorCodeShift); got != 0x1234 {
		t.Errorf("error code = 0x%x, want 0x1234", got)
	}
}

func TestBreakpointHasNoErrorCode(t *testing.T) {
	v := Breakpoint()
	if vector := uint8(v & vmcb.EventInjVectorMask); vector != VectorBP {
		t.Errorf("vector = %d, want %d", vector, VectorBP)
	}
	if v&vmcb.EventInjEV != 0 {
		t.Error("#BP must not carry an error code")
	}
	if v&vmcb.EventInjValid == 0 {
		t.Error("expected the valid bit to be set")
	}
}

func TestPageFaultEncodesErrorCode(t *testing.T) {
	v := PageFault(0x2)
	if vector := uint8(v & vmcb.EventInjVectorMask); vector != VectorPF {
		t.Errorf("vector = %d, want %d", vector, VectorPF)
	}
	if got := uint32(v >> vmcb.EventInjErrorCodeShift); got != 0x2 {
		t.Errorf("error code = 0x%x, want 0x2", got)
	}
}

func TestApplyWritesEventInj(t *testing.T) {
	var c vmcb.ControlArea
	c.VmcbClean = 0xffff_ffff
	v := Breakpoint()
	Apply(&c, v)
	if c.EventInj != v {
		t.Errorf("EventInj = 0x%x, want 0x%x", c.EventInj, v)
	}
}
