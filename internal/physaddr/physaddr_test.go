package physaddr

import (
	"testing"

	"github.com/eaxio/svmhv/internal/hostapi"
)

func TestRoundupRounddown(t *testing.T) {
	cases := []struct {
		v, b, up, down uint64
	}{
		{0, 4096, 0, 0},
		{1, 4096, 4096, 0},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 8192, 4096},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestPAAlignment(t *testing.T) {
	aligned := PA(0x1000)
	unaligned := PA(0x1001)
	if !aligned.AlignedBase() {
		t.Error("0x1000 should be page-aligned")
	}
	if unaligned.AlignedBase() {
		t.Error("0x1001 should not be page-aligned")
	}
	if !PA(LargePageSize).AlignedLarge() {
		t.Error("LargePageSize should be large-page-aligned")
	}
}

func TestPAOffsets(t *testing.T) {
	p := PA(0x1234_5678)
	if p.BasePage() != PA(0x1234_5000) {
		t.Errorf("BasePage = %s, want 0x12345000", p.BasePage())
	}
	if p.PageOffset() != 0x678 {
		t.Errorf("PageOffset = 0x%x, want 0x678", p.PageOffset())
	}
	if p.LargePage() != PA(0x1220_0000) {
		t.Errorf("LargePage = %s, want 0x12200000", p.LargePage())
	}
}

func TestVAToPAAndBack(t *testing.T) {
	h := hostapi.NewFake(1 << 20)
	va, pa, err := h.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	got, err := FromVA(h, va)
	if err != nil {
		t.Fatalf("FromVA: %v", err)
	}
	if got != FromPA(uint64(pa)) {
		t.Errorf("FromVA = %s, want %s", got, FromPA(uint64(pa)))
	}
	back, err := got.ToVA(h)
	if err != nil {
		t.Fatalf("ToVA: %v", err)
	}
	if back != va {
		t.Errorf("round trip VA = %v, want %v", back, va)
	}
}

func TestEnumerateAndTotalBytes(t *testing.T) {
	h := hostapi.NewFake(3 * 4096)
	ranges, err := Enumerate(h)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("len(ranges) = %d, want 1", len(ranges))
	}
	if TotalBytes(ranges) != 3*4096 {
		t.Errorf("TotalBytes = %d, want %d", TotalBytes(ranges), 3*4096)
	}
}
