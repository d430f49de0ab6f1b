package msrbitmap

import (
	"testing"

	"github.com/eaxio/svmhv/internal/hostapi"
)

func TestNewIsZeroed(t *testing.T) {
	h := hostapi.NewFake(1 << 20)
	b, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i, by := range b.bytes {
		if by != 0 {
			t.Fatalf("byte %d is 0x%x, want 0 (no intercepts by default)", i, by)
		}
	}
}

func TestHookRDMSRWRMSRRoundTrip(t *testing.T) {
	h := hostapi.NewFake(1 << 20)
	b, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msrs := []uint32{0x0000_0174, 0xc000_0080, 0xc001_0000}
	for _, msr := range msrs {
		if err := b.HookRDMSR(msr); err != nil {
			t.Fatalf("HookRDMSR(0x%x): %v", msr, err)
		}
		if !b.ContainsRDMSR(msr) {
			t.Errorf("ContainsRDMSR(0x%x) = false after HookRDMSR", msr)
		}
		if b.ContainsWRMSR(msr) {
			t.Errorf("ContainsWRMSR(0x%x) = true, want false (only RD hooked)", msr)
		}
		if err := b.HookWRMSR(msr); err != nil {
			t.Fatalf("HookWRMSR(0x%x): %v", msr, err)
		}
		if !b.ContainsWRMSR(msr) {
			t.Errorf("ContainsWRMSR(0x%x) = false after HookWRMSR", msr)
		}
	}
}

func TestHookMSROutsideRangeErrors(t *testing.T) {
	h := hostapi.NewFake(1 << 20)
	b, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outside := uint32(0x8000_0000)
	if err := b.HookMSR(outside); err == nil {
		t.Error("HookMSR on an out-of-range MSR should error")
	}
	if b.ContainsRDMSR(outside) || b.ContainsWRMSR(outside) {
		t.Error("out-of-range MSR must never report as hooked")
	}
}

func TestRangesDoNotOverlap(t *testing.T) {
	h := hostapi.NewFake(1 << 20)
	b, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.HookMSR(0x0000_0000); err != nil {
		t.Fatalf("HookMSR low: %v", err)
	}
	if b.ContainsRDMSR(0xc000_0000) {
		t.Error("hooking the low range must not affect the high range")
	}
}
