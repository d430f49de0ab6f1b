package npt

import (
	"testing"

	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/physaddr"
	"github.com/eaxio/svmhv/internal/svmlog"
)

func newTestTable(t *testing.T) (*NestedPageTable, hostapi.Host) {
	t.Helper()
	h := hostapi.NewFake(64 << 20)
	log := svmlog.New(svmlog.Info)
	n, err := New(h, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n, h
}

func TestMap4KBRoundTrip(t *testing.T) {
	n, _ := newTestTable(t)
	gpa := physaddr.PA(0x10_0000)
	if err := n.Map4KB(gpa, gpa, ReadWriteExecute); err != nil {
		t.Fatalf("Map4KB: %v", err)
	}
	if !n.Present(gpa) {
		t.Fatal("expected gpa to be present after Map4KB")
	}
	got, ok := n.Translate(gpa + 0x10)
	if !ok {
		t.Fatal("Translate failed on mapped range")
	}
	if got != gpa+0x10 {
		t.Errorf("Translate = %s, want %s", got, (gpa + 0x10))
	}
	exec, ok := n.IsExecutable(gpa)
	if !ok || !exec {
		t.Error("expected identity RWX mapping to be executable")
	}
}

func TestMap4KBNeverOverwritesPresentLeaf(t *testing.T) {
	n, _ := newTestTable(t)
	gpa := physaddr.PA(0x20_0000)
	if err := n.Map4KB(gpa, gpa, ReadWriteExecute); err != nil {
		t.Fatalf("Map4KB: %v", err)
	}
	// Second call targets a different host PA but must be ignored.
	other := physaddr.PA(0x30_0000)
	if err := n.Map4KB(gpa, other, ReadWrite); err != nil {
		t.Fatalf("Map4KB second call: %v", err)
	}
	got, ok := n.Translate(gpa)
	if !ok || got != gpa {
		t.Errorf("leaf was overwritten: got %s, want %s", got, gpa)
	}
}

func TestIdentity2MBAndSplitJoin(t *testing.T) {
	n, _ := newTestTable(t)
	n.Identity2MB(ReadWriteExecute)

	gpa := physaddr.PA(3 * physaddr.LargePageSize)
	if !n.Present(gpa) {
		t.Fatal("expected 2 MiB identity map to cover gpa")
	}

	if err := n.Split2MBTo4KB(gpa, ReadWriteExecute); err != nil {
		t.Fatalf("Split2MBTo4KB: %v", err)
	}
	sub := gpa + 0x3000
	got, ok := n.Translate(sub)
	if !ok || got != sub {
		t.Errorf("post-split Translate = %s, ok=%v, want %s", got, ok, sub)
	}

	if err := n.Join4KBTo2MB(gpa, ReadWriteExecute); err != nil {
		t.Fatalf("Join4KBTo2MB: %v", err)
	}
	got, ok = n.Translate(sub)
	if !ok || got != sub {
		t.Errorf("post-join Translate = %s, ok=%v, want %s", got, ok, sub)
	}
}

func TestChangePageFlagsAndRemap(t *testing.T) {
	n, _ := newTestTable(t)
	gpa := physaddr.PA(0x40_0000)
	if err := n.Map4KB(gpa, gpa, ReadWriteExecute); err != nil {
		t.Fatalf("Map4KB: %v", err)
	}
	if err := n.ChangePageFlags(gpa, ReadWrite); err != nil {
		t.Fatalf("ChangePageFlags: %v", err)
	}
	if exec, ok := n.IsExecutable(gpa); !ok || exec {
		t.Error("expected gpa to no longer be executable after narrowing to RW")
	}

	shadow := physaddr.PA(0x50_0000)
	if err := n.ChangeAllPageFlags(gpa, ReadWriteExecute); err != nil {
		t.Fatalf("ChangeAllPageFlags: %v", err)
	}
	if err := n.Remap(gpa, shadow); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	got, ok := n.Translate(gpa)
	if !ok || got != shadow {
		t.Errorf("Translate after remap = %s, want %s", got, shadow)
	}
	if exec, ok := n.IsExecutable(gpa); !ok || !exec {
		t.Error("expected gpa to be executable after widen+remap")
	}
}

func TestAlignmentViolationIsNoop(t *testing.T) {
	n, _ := newTestTable(t)
	misaligned := physaddr.PA(0x1001)
	if err := n.Map4KB(misaligned, misaligned, ReadWriteExecute); err != nil {
		t.Fatalf("Map4KB on misaligned gpa returned error, want silent no-op: %v", err)
	}
	if n.Present(misaligned) {
		t.Error("misaligned Map4KB should not have installed a mapping")
	}
}

func TestPML4PAStable(t *testing.T) {
	n, _ := newTestTable(t)
	pa1 := n.PML4PA()
	n.Identity2MB(ReadWrite)
	if n.PML4PA() != pa1 {
		t.Error("PML4 PA must not change across mapping operations")
	}
}
