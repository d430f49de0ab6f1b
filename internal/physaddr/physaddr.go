// Package physaddr provides address arithmetic and physical-memory range
// enumeration (spec §4.1, component C1). The page-granularity constants and
// rounding helpers follow biscuit's mem package (biscuit/src/mem/mem.go) and
// util package (biscuit/src/util/util.go): Pa_t-style typed addresses, shift
// constants named PGSHIFT, and Roundup/Rounddown built on a generic integer
// constraint.
package physaddr

import (
	"fmt"

	"github.com/eaxio/svmhv/internal/hostapi"
)

/// PageShift is the base-2 exponent of the 4 KiB page size.
const PageShift = 12

/// PageSize is the size in bytes of a base (4 KiB) page.
const PageSize = 1 << PageShift

/// LargePageShift is the base-2 exponent of the 2 MiB large-page size.
const LargePageShift = 21

/// LargePageSize is the size in bytes of a 2 MiB large page.
const LargePageSize = 1 << LargePageShift

/// PageOffsetMask masks the byte offset within a 4 KiB page.
const PageOffsetMask = PageSize - 1

/// LargePageOffsetMask masks the byte offset within a 2 MiB page.
const LargePageOffsetMask = LargePageSize - 1

// ordInt is satisfied by every built-in integer type, mirroring util.Int.
type ordInt interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

/// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T ordInt](v, b T) T {
	return v - (v % b)
}

/// Roundup aligns v up to the nearest multiple of b.
func Roundup[T ordInt](v, b T) T {
	return Rounddown(v+b-1, b)
}

/// PA is a physical address. It is always meaningful only up to 52 bits on
/// SVM hardware; the upper bits are reserved.
type PA uint64

/// FromPA wraps a raw 64-bit value as a PA.
func FromPA(raw uint64) PA { return PA(raw) }

/// FromVA resolves a guest/host virtual address to its backing PA via the
/// host's translation service (spec §4.1 "PA from VA via OS helpers").
func FromVA(h hostapi.Host, va hostapi.Va) (PA, error) {
	pa, err := h.VaToPa(va)
	if err != nil {
		return 0, err
	}
	return PA(pa), nil
}

/// ToVA resolves a PA to a virtual address within the host's direct map.
func (p PA) ToVA(h hostapi.Host) (hostapi.Va, error) {
	return h.PaToVa(hostapi.Pa(p))
}

/// AlignedBase reports whether p is 4 KiB aligned, the invariant NPT leaves
/// installed at PT granularity require (spec §3 PhysicalAddress invariant).
func (p PA) AlignedBase() bool { return uint64(p)&PageOffsetMask == 0 }

/// AlignedLarge reports whether p is 2 MiB aligned, required for PD-level
/// large-page leaves.
func (p PA) AlignedLarge() bool { return uint64(p)&LargePageOffsetMask == 0 }

/// BasePage truncates p down to its containing 4 KiB page.
func (p PA) BasePage() PA { return PA(Rounddown(uint64(p), PageSize)) }

/// LargePage truncates p down to its containing 2 MiB page.
func (p PA) LargePage() PA { return PA(Rounddown(uint64(p), LargePageSize)) }

/// PageOffset returns the byte offset of p within its 4 KiB page.
func (p PA) PageOffset() uint64 { return uint64(p) & PageOffsetMask }

/// LargePageOffset returns the byte offset of p within its 2 MiB page.
func (p PA) LargePageOffset() uint64 { return uint64(p) & LargePageOffsetMask }

/// PFN extracts the 4 KiB page-frame number of p.
func (p PA) PFN() uint64 { return uint64(p) >> PageShift }

/// Raw returns the address as a plain uint64, for embedding into page-table
/// entries and VMCB fields.
func (p PA) Raw() uint64 { return uint64(p) }

func (p PA) String() string { return fmt.Sprintf("0x%x", uint64(p)) }

// enumerationCap bounds how many Range records Enumerate will read before
// giving up, matching spec §4.1's "32 entries suffices for observed
// hardware" note.
const enumerationCap = 32

/// Range describes one contiguous span of usable physical memory.
type Range struct {
	Base  PA
	Bytes uint64
}

/// Enumerate returns the host's physical-memory ranges, stopping at the
/// first {0,0} sentinel record or after enumerationCap entries, whichever
/// comes first. It fails with ErrNoPhysicalMemoryRanges if the host
/// reports none (spec §4.1 contract).
func Enumerate(h hostapi.Host) ([]Range, error) {
	raw, err := h.PhysicalMemoryRanges()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, hostapi.ErrNoPhysicalMemoryRanges
	}
	out := make([]Range, 0, len(raw))
	for i, r := range raw {
		if i >= enumerationCap {
			break
		}
		if r.Base == 0 && r.Bytes == 0 {
			break
		}
		out = append(out, Range{Base: PA(r.Base), Bytes: r.Bytes})
	}
	if len(out) == 0 {
		return nil, hostapi.ErrNoPhysicalMemoryRanges
	}
	return out, nil
}

// TotalBytes sums the enumerated ranges. Spec §9 notes the original source's
// PhysicalMemoryDescriptor is "declared but not actively used except as a
// total-memory estimator"; this keeps that role without any core component
// depending on it.
func TotalBytes(ranges []Range) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Bytes
	}
	return total
}
