package hook

import (
	"fmt"

	"github.com/eaxio/svmhv/internal/npt"
)

// SimpleManager is the supplemented, simpler alternative to the dual-NPT
// Registry.EnableAll path (SPEC_FULL.md §4): it enables hooks against a
// single caller-supplied NPT without owning it, useful for a devirtualized or single-view guest where
// read/execute splitting is unnecessary -- e.g. a debug build that just
// wants the shadow page active everywhere, or a test harness that only
// cares about the patch content and not the NPF state machine.
type SimpleManager struct {
	registry *Registry
}

func NewSimpleManager(r *Registry) *SimpleManager {
	return &SimpleManager{registry: r}
}

// EnableOn writes every hook's patch into its shadow page and remaps the
// single given NPT's entry for each hooked PA directly to the shadow PA
// with RWX, collapsing the primary/secondary split into one table. Guest
// reads and instruction fetches both observe the shadow page under this
// scheme -- the tradeoff SPEC_FULL.md calls out for picking it over the
// dual-NPT design.
func (m *SimpleManager) EnableOn(table *npt.NestedPageTable) error {
	for _, h := range m.registry.hooks {
		if h.Type == TypeFunction {
			off := uintptr(h.ShadowVA) & uintptr(0xfff)
			shadow := h.ShadowPageBytes()
			copy(shadow[off:off+len(h.Trampoline.Patch)], h.Trampoline.Patch)
		}
		base := h.OriginalPA.BasePage()
		shadowBase := h.ShadowPA.BasePage()

		if err := table.Split2MBTo4KB(h.OriginalPA.LargePage(), npt.ReadWriteExecute); err != nil {
			return fmt.Errorf("hook: simple manager enabling %s: %w", h.Name, err)
		}
		if err := table.ChangeAllPageFlags(base, npt.ReadWriteExecute); err != nil {
			return fmt.Errorf("hook: simple manager enabling %s: %w", h.Name, err)
		}
		if err := table.Remap(base, shadowBase); err != nil {
			return fmt.Errorf("hook: simple manager enabling %s: %w", h.Name, err)
		}
		h.enabled = true
	}
	return nil
}

// DisableOn restores the identity mapping for every hook's original PA on
// table, undoing EnableOn.
func (m *SimpleManager) DisableOn(table *npt.NestedPageTable) error {
	for _, h := range m.registry.hooks {
		base := h.OriginalPA.BasePage()
		if err := table.Remap(base, base); err != nil {
			return fmt.Errorf("hook: simple manager disabling %s: %w", h.Name, err)
		}
		h.enabled = false
	}
	return nil
}
