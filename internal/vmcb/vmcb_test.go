package vmcb

import (
	"testing"
	"unsafe"
)

func TestInjectEventEncodingRoundTrip(t *testing.T) {
	v := InjectEvent(3, EventTypeException, nil)
	if vector := uint8(v & EventInjVectorMask); vector != 3 {
		t.Errorf("vector = %d, want 3", vector)
	}
	if typ := (v & EventInjTypeMask) >> EventInjTypeShift; typ != EventTypeException {
		t.Errorf("type = %d, want %d", typ, EventTypeException)
	}
	if v&EventInjValid == 0 {
		t.Error("valid bit must be set")
	}
	if v&EventInjEV != 0 {
		t.Error("EV bit must be clear when no error code is supplied")
	}
}

func TestInjectEventWithErrorCode(t *testing.T) {
	code := uint32(0xBEEF)
	v := InjectEvent(13, EventTypeException, &code)
	if v&EventInjEV == 0 {
		t.Error("EV bit must be set when an error code is supplied")
	}
	got := uint32(v >> EventInjErrorCodeShift)
	if got != code {
		t.Errorf("error code = 0x%x, want 0x%x", got, code)
	}
	if vector := uint8(v & EventInjVectorMask); vector != 13 {
		t.Errorf("vector = %d, want 13", vector)
	}
}

func TestMarkDirtyClearsBits(t *testing.T) {
	c := &ControlArea{VmcbClean: CleanIntercepts | CleanNP | CleanASID}
	c.MarkDirty(CleanNP)
	if c.VmcbClean&CleanNP != 0 {
		t.Error("CleanNP should have been cleared")
	}
	if c.VmcbClean&CleanIntercepts == 0 || c.VmcbClean&CleanASID == 0 {
		t.Error("unrelated clean bits must survive MarkDirty")
	}
}

func TestSegmentAttributes(t *testing.T) {
	got := SegmentAttributes(0x9b, 0x2)
	if got&0xff != 0x9b {
		t.Errorf("access byte = 0x%x, want 0x9b", got&0xff)
	}
	if (got>>8)&0xf != 0x2 {
		t.Errorf("flags nibble = 0x%x, want 0x2", (got>>8)&0xf)
	}
}

func TestControlAreaLayoutSize(t *testing.T) {
	var c ControlArea
	if sz := unsafe.Sizeof(c); sz != 0x400 {
		t.Errorf("ControlArea size = 0x%x, want 0x400", sz)
	}
}
