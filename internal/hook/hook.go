// Package hook implements the dual-NPT stealth function/page hooking
// engine (spec §3 Hook/HookRegistry/SharedData, §4.3, §4.4, §4.8). It
// is grounded on biscuit's page-table manipulation style
// (biscuit/src/mem/pmap.go, which this repo's internal/npt already
// generalizes) combined with golang.org/x/arch/x86/x86asm-driven
// trampoline construction (trampoline.go in this package).
package hook

import (
	"errors"
	"fmt"

	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/memview"
	"github.com/eaxio/svmhv/internal/npt"
	"github.com/eaxio/svmhv/internal/physaddr"
	"github.com/ianlancetaylor/demangle"
)

// HookType tags a Hook's variant (spec §3 Hook "a variant
// {Function(trampoline), Page}").
type HookType int

const (
	TypeFunction HookType = iota
	TypePage
)

func (t HookType) String() string {
	if t == TypePage {
		return "page"
	}
	return "function"
}

var (
	ErrDuplicateHook  = errors.New("hook: a hook already covers this page")
	ErrNotActive      = errors.New("hook: hook is not enabled")
	ErrAlreadyEnabled = errors.New("hook: hook is already enabled")
)

/// Hook is the spec §3 Hook record. For HookType::Page, Trampoline and
/// HandlerVA are zero.
type Hook struct {
	Name        string
	Type        HookType
	OriginalVA  hostapi.Va
	OriginalPA  physaddr.PA
	ShadowPage  hostapi.Va // base of the owned 4 KiB buffer
	ShadowVA    hostapi.Va // ShadowPage + (OriginalVA & 0xFFF)
	ShadowPA    physaddr.PA
	HandlerVA   hostapi.Va
	Trampoline  *Trampoline
	lock        hostapi.PageLock
	enabled     bool
}

// Enabled reports whether enable_all has installed this hook's patch and
// NPT entries yet (spec §4.4 "The hook is not yet active" until enable_all
// runs).
func (h *Hook) Enabled() bool { return h.enabled }

/// demangleName runs name through the Itanium/MSVC demangler when it looks
/// mangled, falling back to the raw string otherwise (spec's AMBIENT/DOMAIN
/// stack note on github.com/ianlancetaylor/demangle: C++-mangled kernel
/// export names register legibly; plain C names pass through unchanged).
func demangleName(raw string) string {
	if out, err := demangle.ToString(raw, demangle.NoParams); err == nil && out != raw {
		return out
	}
	return raw
}

/// copyPage copies the 4 KiB page containing va into a freshly allocated
/// shadow page and returns its VA/PA along with a lock that pins it
/// resident (spec §4.4 "copy the target's 4 KiB page").
func copyPage(host hostapi.Host, va hostapi.Va) (shadowPage, shadowVA hostapi.Va, shadowPA physaddr.PA, lock hostapi.PageLock, err error) {
	pageBase := hostapi.Va(uintptr(va) &^ uintptr(physaddr.PageOffsetMask))
	offset := uintptr(va) & uintptr(physaddr.PageOffsetMask)

	l, err := host.LockPage(pageBase)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("hook: locking original page: %w", err)
	}

	sva, spa, err := host.AllocatePages(1)
	if err != nil {
		l.Unlock()
		return 0, 0, 0, nil, fmt.Errorf("hook: allocating shadow page: %w", err)
	}

	src := memview.Bytes(pageBase, physaddr.PageSize)
	dst := memview.Bytes(sva, physaddr.PageSize)
	copy(dst, src)

	return sva, hostapi.Va(uintptr(sva) + offset), physaddr.PA(spa), l, nil
}

/// NewFunctionHook implements spec §4.4 new_function_hook: resolves
/// nameOrVA through host.SymbolLookup (the string is always treated as a
/// symbol name, never parsed as an address; NewFunctionHookAt takes a VA
/// directly), copies the target page,
/// computes shadow_va, and builds the trampoline on the *shadow* copy (not
/// the original, so the decode sees the live bytes without racing the
/// patch it is about to write). The returned Hook is not yet active; call
/// Registry.EnableAll to install it.
func NewFunctionHook(host hostapi.Host, nameOrVA string, handlerVA hostapi.Va) (*Hook, error) {
	va, err := host.SymbolLookup(nameOrVA)
	if err != nil {
		return nil, err
	}
	return newFunctionHookAt(host, demangleName(nameOrVA), va, handlerVA)
}

/// NewFunctionHookAt is NewFunctionHook without a symbol-table lookup, for
/// callers that already resolved the target VA.
func NewFunctionHookAt(host hostapi.Host, name string, va, handlerVA hostapi.Va) (*Hook, error) {
	return newFunctionHookAt(host, name, va, handlerVA)
}

func newFunctionHookAt(host hostapi.Host, name string, va, handlerVA hostapi.Va) (*Hook, error) {
	pa, err := host.VaToPa(va)
	if err != nil {
		return nil, err
	}
	shadowPage, shadowVA, shadowPA, lock, err := copyPage(host, va)
	if err != nil {
		return nil, err
	}

	offset := uintptr(shadowVA) & uintptr(physaddr.PageOffsetMask)
	shadowBytes := memview.Bytes(shadowPage, physaddr.PageSize)
	tr, err := BuildTrampoline(shadowBytes[offset:], uint64(va))
	if err != nil {
		lock.Unlock()
		host.FreePages(shadowPage)
		return nil, err
	}
	tr.SetPatchTarget(uint64(handlerVA))

	return &Hook{
		Name:       name,
		Type:       TypeFunction,
		OriginalVA: va,
		OriginalPA: physaddr.FromPA(uint64(pa)),
		ShadowPage: shadowPage,
		ShadowVA:   shadowVA,
		ShadowPA:   shadowPA,
		HandlerVA:  handlerVA,
		Trampoline: tr,
		lock:       lock,
	}, nil
}

/// NewPageHook implements spec §4.4 new_page_hook: same shadow-page copy
/// as a function hook, but no prologue patch is written -- the shadow page
/// is handed to the caller to fill with whatever data-hiding content it
/// wants before EnableAll runs.
func NewPageHook(host hostapi.Host, name string, va hostapi.Va) (*Hook, error) {
	pa, err := host.VaToPa(va)
	if err != nil {
		return nil, err
	}
	shadowPage, shadowVA, shadowPA, lock, err := copyPage(host, va)
	if err != nil {
		return nil, err
	}
	return &Hook{
		Name:       name,
		Type:       TypePage,
		OriginalVA: va,
		OriginalPA: physaddr.FromPA(uint64(pa)),
		ShadowPage: shadowPage,
		ShadowVA:   shadowVA,
		ShadowPA:   shadowPA,
		lock:       lock,
	}, nil
}

/// ShadowPageBytes gives write access to the hook's shadow page, e.g. for a
/// page hook's caller to fill in data-hiding content, or for tests to
/// inspect the installed patch.
func (h *Hook) ShadowPageBytes() []byte {
	return memview.Bytes(h.ShadowPage, physaddr.PageSize)
}

/// Close unlocks and releases the hook's shadow page (spec §3 Hook "Drop
/// unlocks/frees the descriptor").
func (h *Hook) Close(host hostapi.Host) {
	if h.lock != nil {
		h.lock.Unlock()
	}
	host.FreePages(h.ShadowPage)
}

/// Registry is the spec §3 HookRegistry: an ordered collection, unique by
/// base-page-aligned original PA.
type Registry struct {
	hooks []*Hook
	byPA  map[physaddr.PA]*Hook
}

func NewRegistry() *Registry {
	return &Registry{byPA: make(map[physaddr.PA]*Hook)}
}

/// Add admits hook into the registry, rejecting a second hook over the
/// same base page (spec §3 "No duplicates by (original_pa & ~0xFFF) are
/// admitted").
func (r *Registry) Add(h *Hook) error {
	base := h.OriginalPA.BasePage()
	if _, dup := r.byPA[base]; dup {
		return ErrDuplicateHook
	}
	r.hooks = append(r.hooks, h)
	r.byPA[base] = h
	return nil
}

/// FindByVA looks up a hook by exact original VA match.
func (r *Registry) FindByVA(va hostapi.Va) *Hook {
	for _, h := range r.hooks {
		if h.OriginalVA == va {
			return h
		}
	}
	return nil
}

/// FindByPA looks up a hook whose base page contains pa.
func (r *Registry) FindByPA(pa physaddr.PA) *Hook {
	return r.byPA[pa.BasePage()]
}

/// All returns every registered hook, in registration order.
func (r *Registry) All() []*Hook {
	return r.hooks
}

/// Len reports the number of registered hooks.
func (r *Registry) Len() int { return len(r.hooks) }

/// EnableAll implements spec §4.4 enable_all: for every hook, write the
/// patch into the shadow page, narrow the primary NPT entry to RW, and
/// widen+remap the secondary NPT entry to RWX pointed at the shadow PA.
/// This is the steady-state dual-NPT configuration described in
/// §4.7/§4.8. Both NPTs are assumed already identity-mapped (RWX on
/// primary, RW on secondary) at 4 KiB granularity over the hooked PAs --
/// Split2MBTo4KB is called defensively in case the caller only built a
/// coarser 2 MiB identity map there.
func (r *Registry) EnableAll(primary, secondary *npt.NestedPageTable) error {
	for _, h := range r.hooks {
		if h.enabled {
			continue
		}
		if h.Type == TypeFunction {
			off := uintptr(h.ShadowVA) & uintptr(physaddr.PageOffsetMask)
			shadow := memview.Bytes(h.ShadowPage, physaddr.PageSize)
			copy(shadow[off:off+len(h.Trampoline.Patch)], h.Trampoline.Patch)
		}

		base := h.OriginalPA.BasePage()
		shadowBase := h.ShadowPA.BasePage()
		window := h.OriginalPA.LargePage()

		if err := primary.Split2MBTo4KB(window, npt.ReadWriteExecute); err != nil {
			return fmt.Errorf("hook: enabling %s: primary split: %w", h.Name, err)
		}
		if err := primary.ChangePageFlags(base, npt.ReadWrite); err != nil {
			return fmt.Errorf("hook: enabling %s: primary NPT: %w", h.Name, err)
		}

		if err := secondary.Split2MBTo4KB(window, npt.ReadWrite); err != nil {
			return fmt.Errorf("hook: enabling %s: secondary split: %w", h.Name, err)
		}
		if err := secondary.ChangeAllPageFlags(base, npt.ReadWriteExecute); err != nil {
			return fmt.Errorf("hook: enabling %s: secondary NPT: %w", h.Name, err)
		}
		if err := secondary.Remap(base, shadowBase); err != nil {
			return fmt.Errorf("hook: enabling %s: secondary remap: %w", h.Name, err)
		}
		h.enabled = true
	}
	return nil
}
