// Package msrbitmap implements the two-page MSR permission bitmap (spec
// §3 MsrBitmap, §4.6, component C6). Bit-twiddling helpers follow
// biscuit's util.Readn/Writen (biscuit/src/util/util.go) in spirit: small
// primitives operating directly on a byte slice via unsafe-free bit
// arithmetic. An MSR outside the three ranges makes the Hook* calls return
// an error and the Contains* calls report false.
package msrbitmap

import (
	"fmt"

	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/memview"
	"github.com/eaxio/svmhv/internal/physaddr"
)

// SizeBytes is the total size of the two-page bitmap (spec §3).
const SizeBytes = 2 * physaddr.PageSize

// Range bases, in bits, for the three defined MSR ranges (spec §4.6).
const (
	rangeLowBase   = 0x0000
	rangeLowFirst  = 0x0000_0000
	rangeLowLast   = 0x0000_1fff

	rangeHighBase  = 0x4000
	rangeHighFirst = 0xc000_0000
	rangeHighLast  = 0xc000_1fff

	rangeHigh2Base  = 0x8000
	rangeHigh2First = 0xc001_0000
	rangeHigh2Last  = 0xc001_1fff
)

/// Bitmap is the two-page MSR intercept map made of four 2 KiB vectors
/// (0x4000 bits each, two bits per MSR) (spec §3).
/// Bit positions outside the three defined ranges are fixed reserved:
/// Contains/hook calls for an MSR outside the three ranges are rejected
/// rather than silently intercepting or ignoring, since spec §3 states
/// those positions "intercepts all accesses as 0" -- meaning untouchable,
/// always-zero reserved bits -- not a fourth usable vector.
type Bitmap struct {
	bytes []byte
	va    hostapi.Va
	pa    physaddr.PA
}

/// New allocates the two MSRPM pages, zeroed (no intercepts), matching
/// spec §4.6 "Built by first zeroing both pages".
func New(host hostapi.Host) (*Bitmap, error) {
	va, pa, err := host.AllocatePages(SizeBytes / physaddr.PageSize)
	if err != nil {
		return nil, err
	}
	b := &Bitmap{va: va, pa: physaddr.PA(pa)}
	b.bytes = memview.Bytes(va, SizeBytes)
	for i := range b.bytes {
		b.bytes[i] = 0
	}
	return b, nil
}

/// PA returns the physical address of the first of the two pages, the
/// value stored in VMCB.Control.MsrpmBasePA (spec §4.5).
func (b *Bitmap) PA() physaddr.PA { return b.pa }

func rangeBase(msr uint32) (bitBase int, ok bool) {
	switch {
	case msr >= rangeLowFirst && msr <= rangeLowLast:
		return rangeLowBase + int(msr)*2, true
	case msr >= rangeHighFirst && msr <= rangeHighLast:
		return rangeHighBase + int(msr-rangeHighFirst)*2, true
	case msr >= rangeHigh2First && msr <= rangeHigh2Last:
		return rangeHigh2Base + int(msr-rangeHigh2First)*2, true
	default:
		return 0, false
	}
}

func (b *Bitmap) setBit(bitOffset int) {
	byteIdx := bitOffset / 8
	bitIdx := uint(bitOffset % 8)
	b.bytes[byteIdx] |= 1 << bitIdx
}

func (b *Bitmap) testBit(bitOffset int) bool {
	byteIdx := bitOffset / 8
	bitIdx := uint(bitOffset % 8)
	return b.bytes[byteIdx]&(1<<bitIdx) != 0
}

/// HookRDMSR sets the read-intercept bit for msr (spec §4.6).
func (b *Bitmap) HookRDMSR(msr uint32) error {
	base, ok := rangeBase(msr)
	if !ok {
		return fmt.Errorf("msrbitmap: msr 0x%x is outside the three hookable ranges", msr)
	}
	b.setBit(base)
	return nil
}

/// HookWRMSR sets the write-intercept bit for msr.
func (b *Bitmap) HookWRMSR(msr uint32) error {
	base, ok := rangeBase(msr)
	if !ok {
		return fmt.Errorf("msrbitmap: msr 0x%x is outside the three hookable ranges", msr)
	}
	b.setBit(base + 1)
	return nil
}

/// HookMSR sets both the read- and write-intercept bits for msr.
func (b *Bitmap) HookMSR(msr uint32) error {
	if err := b.HookRDMSR(msr); err != nil {
		return err
	}
	return b.HookWRMSR(msr)
}

/// ContainsRDMSR reports whether msr's read-intercept bit is set.
func (b *Bitmap) ContainsRDMSR(msr uint32) bool {
	base, ok := rangeBase(msr)
	if !ok {
		return false
	}
	return b.testBit(base)
}

/// ContainsWRMSR reports whether msr's write-intercept bit is set.
func (b *Bitmap) ContainsWRMSR(msr uint32) bool {
	base, ok := rangeBase(msr)
	if !ok {
		return false
	}
	return b.testBit(base + 1)
}
