package hook

import (
	"testing"

	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/memview"
	"github.com/eaxio/svmhv/internal/npt"
	"github.com/eaxio/svmhv/internal/physaddr"
	"github.com/eaxio/svmhv/internal/svmlog"
)

func newFunctionPage(t *testing.T, host hostapi.Host) hostapi.Va {
	t.Helper()
	va, _, err := host.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	page := memview.Bytes(va, physaddr.PageSize)
	for i := range page[:20] {
		page[i] = 0x90 // NOP prologue, relocatable
	}
	return va
}

func TestNewFunctionHookAtBuildsJmp14Trampoline(t *testing.T) {
	host := hostapi.NewFake(4 << 20)
	va := newFunctionPage(t, host)
	handlerVA := hostapi.Va(0xdead_beef_0000)

	h, err := NewFunctionHookAt(host, "test_fn", va, handlerVA)
	if err != nil {
		t.Fatalf("NewFunctionHookAt: %v", err)
	}
	defer h.Close(host)

	if h.Type != TypeFunction {
		t.Fatalf("Type = %v, want TypeFunction", h.Type)
	}
	if h.Trampoline.Kind != Jmp14 {
		t.Fatalf("Trampoline.Kind = %v, want Jmp14", h.Trampoline.Kind)
	}
	if h.HandlerVA != handlerVA {
		t.Errorf("HandlerVA = %v, want %v", h.HandlerVA, handlerVA)
	}
	if h.Enabled() {
		t.Error("a freshly built hook must not be enabled yet")
	}

	// The shadow page must hold an unmodified copy until EnableAll runs.
	shadowByte := h.ShadowPageBytes()[uintptr(h.ShadowVA)&uintptr(physaddr.PageOffsetMask)]
	if shadowByte != 0x90 {
		t.Errorf("shadow page byte = 0x%x before EnableAll, want unmodified 0x90", shadowByte)
	}
}

func TestNewPageHookHasNoTrampoline(t *testing.T) {
	host := hostapi.NewFake(4 << 20)
	va := newFunctionPage(t, host)
	h, err := NewPageHook(host, "data_page", va)
	if err != nil {
		t.Fatalf("NewPageHook: %v", err)
	}
	defer h.Close(host)
	if h.Type != TypePage {
		t.Fatalf("Type = %v, want TypePage", h.Type)
	}
	if h.Trampoline != nil {
		t.Error("a page hook must not have a trampoline")
	}
}

func TestRegistryRejectsDuplicateBasePage(t *testing.T) {
	host := hostapi.NewFake(4 << 20)
	va := newFunctionPage(t, host)
	h1, err := NewFunctionHookAt(host, "fn1", va, 0x1000)
	if err != nil {
		t.Fatalf("NewFunctionHookAt: %v", err)
	}
	h2, err := NewFunctionHookAt(host, "fn2", va+8, 0x2000)
	if err != nil {
		t.Fatalf("NewFunctionHookAt: %v", err)
	}

	r := NewRegistry()
	if err := r.Add(h1); err != nil {
		t.Fatalf("Add(h1): %v", err)
	}
	if err := r.Add(h2); err != ErrDuplicateHook {
		t.Fatalf("Add(h2) = %v, want ErrDuplicateHook (same base page as h1)", err)
	}
}

func TestEnableAllPatchesShadowAndNPTs(t *testing.T) {
	host := hostapi.NewFake(16 << 20)
	log := svmlog.New(svmlog.Info)

	primary, err := npt.New(host, log)
	if err != nil {
		t.Fatalf("npt.New(primary): %v", err)
	}
	secondary, err := npt.New(host, log)
	if err != nil {
		t.Fatalf("npt.New(secondary): %v", err)
	}
	primary.Identity2MB(npt.ReadWriteExecute)
	secondary.Identity2MB(npt.ReadWrite)

	va := newFunctionPage(t, host)
	pa, err := host.VaToPa(va)
	if err != nil {
		t.Fatalf("VaToPa: %v", err)
	}
	originalPA := physaddr.FromPA(uint64(pa)).BasePage()

	h, err := NewFunctionHookAt(host, "fn", va, 0xcafe_0000)
	if err != nil {
		t.Fatalf("NewFunctionHookAt: %v", err)
	}

	r := NewRegistry()
	if err := r.Add(h); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.EnableAll(primary, secondary); err != nil {
		t.Fatalf("EnableAll: %v", err)
	}
	if !h.Enabled() {
		t.Error("hook should be enabled after EnableAll")
	}

	// Patch must now be visible on the shadow page.
	off := uintptr(h.ShadowVA) & uintptr(physaddr.PageOffsetMask)
	shadow := h.ShadowPageBytes()
	if shadow[off] != 0xFF || shadow[off+1] != 0x25 {
		t.Errorf("shadow page patch missing at offset %d: % x", off, shadow[off:off+2])
	}

	if exec, ok := primary.IsExecutable(originalPA); !ok || exec {
		t.Error("primary NPT entry for a hooked page must be RW (not executable)")
	}
	target, ok := secondary.Translate(originalPA)
	if !ok {
		t.Fatal("secondary NPT entry for a hooked page must be present")
	}
	if target != h.ShadowPA.BasePage() {
		t.Errorf("secondary NPT translate = %s, want shadow PA %s", target, h.ShadowPA.BasePage())
	}
	if exec, ok := secondary.IsExecutable(originalPA); !ok || !exec {
		t.Error("secondary NPT entry for a hooked page must be RWX")
	}
}
