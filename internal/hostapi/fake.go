package hostapi

import (
	"fmt"
	"sync"
	"unsafe"
)

// Fake is an in-process Host used by tests and by cmd/svmsym's dry-run mode.
// It backs "physical memory" with a single Go byte slice and direct-maps it
// at a fixed virtual offset, the same shape biscuit's mem.Dmaplen gives the
// kernel's direct map (biscuit/src/mem/dmap.go): VA = DirectMapBase + PA.
type Fake struct {
	mu       sync.Mutex
	backing  []byte
	dmapBase Va
	next     Pa
	pageSize int
	locks    map[Va]int
	symbols  map[string]Va
	ranges   []Range
}

const FakePageSize = 4096

// NewFake builds a Fake host with totalBytes of simulated physical memory.
// The backing slice is over-allocated and its direct-map base rounded up
// to a page boundary: callers reinterpret hostapi.Va values as raw
// pointers via unsafe.Pointer (internal/memview), and that only produces
// page-aligned page frames if the direct map itself starts page-aligned --
// true of every real kernel direct map, so the fake must uphold it too.
func NewFake(totalBytes int) *Fake {
	buf := make([]byte, totalBytes+FakePageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + FakePageSize - 1) &^ uintptr(FakePageSize-1)
	return &Fake{
		backing:  buf,
		dmapBase: Va(aligned),
		pageSize: FakePageSize,
		locks:    make(map[Va]int),
		symbols:  make(map[string]Va),
		ranges:   []Range{{Base: 0, Bytes: uint64(totalBytes)}},
	}
}

// DefineSymbol registers a fake kernel export for SymbolLookup.
func (f *Fake) DefineSymbol(name string, va Va) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[name] = va
}

func (f *Fake) AllocatePages(n int) (Va, Pa, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	need := uint64(n * f.pageSize)
	if uint64(f.next)+need > uint64(len(f.backing)) {
		return 0, 0, ErrAllocationFailed
	}
	pa := f.next
	f.next += Pa(need)
	va := f.dmapBase + Va(pa)
	return va, pa, nil
}

func (f *Fake) FreePages(va Va) {
	// The fake is a bump allocator: pages live for the process lifetime,
	// matching how the real hypervisor never frees NPT/VMCB pages until
	// devirtualize tears the whole instance down.
}

func (f *Fake) VaToPa(va Va) (Pa, error) {
	if va < f.dmapBase || uint64(va-f.dmapBase) >= uint64(len(f.backing)) {
		return 0, ErrInvalidAddress
	}
	return Pa(va - f.dmapBase), nil
}

func (f *Fake) PaToVa(pa Pa) (Va, error) {
	if uint64(pa) >= uint64(len(f.backing)) {
		return 0, ErrInvalidAddress
	}
	return f.dmapBase + Va(pa), nil
}

func (f *Fake) LockPage(va Va) (PageLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[va]++
	return &fakeLock{host: f, va: va}, nil
}

type fakeLock struct {
	host *Fake
	va   Va
	done bool
}

func (l *fakeLock) Unlock() {
	if l.done {
		return
	}
	l.done = true
	l.host.mu.Lock()
	defer l.host.mu.Unlock()
	l.host.locks[l.va]--
}

func (f *Fake) SymbolLookup(name string) (Va, error) {
	// Round-trip through the UTF-16LE marshaling a real driver boundary
	// would use, so the fake exercises the same encode path a live
	// symbol_lookup(name) call takes (spec §6 "resolve kernel symbol by
	// Unicode name").
	wire, err := EncodeSymbolName(name)
	if err != nil {
		return 0, fmt.Errorf("hostapi: encoding symbol name: %w", err)
	}
	decoded, err := DecodeSymbolName(wire)
	if err != nil {
		return 0, fmt.Errorf("hostapi: decoding symbol name: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	va, ok := f.symbols[decoded]
	if !ok {
		return 0, ErrSymbolNotFound
	}
	return va, nil
}

func (f *Fake) SetThreadAffinity(processor int) (uint64, error) { return 0, nil }
func (f *Fake) RestoreThreadAffinity(previous uint64)            {}
func (f *Fake) ProcessorCount() int                              { return 1 }

func (f *Fake) CaptureContext() CapturedContext {
	// A plausible flat 64-bit long-mode context: CS is a 64-bit code
	// segment (L=1), the data segments are flat RW, matching the only
	// shape the SVM save area actually requires in long mode (base=0,
	// limit ignored by the CPU for non-expand-down data segments).
	codeSeg := Segment{Selector: 0x10, Access: 0x9b, Flags: 0x2}
	dataSeg := Segment{Selector: 0x18, Access: 0x93, Flags: 0xc}
	return CapturedContext{
		Rflags: 0x2,
		CS:     codeSeg,
		SS:     dataSeg,
		DS:     dataSeg,
		ES:     dataSeg,
		FS:     dataSeg,
		GS:     dataSeg,
		Gpat:   0x0007040600070406,
	}
}

func (f *Fake) PhysicalMemoryRanges() ([]Range, error) {
	if len(f.ranges) == 0 {
		return nil, ErrNoPhysicalMemoryRanges
	}
	return f.ranges, nil
}

func (f *Fake) Bugcheck(code uint32, context ...uint64) {
	panic(fmt.Sprintf("hostapi: fake bugcheck 0x%x context=%v", code, context))
}

func (f *Fake) CopyMemory(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}

func (f *Fake) InvalidateAllCaches() {}

var _ Host = (*Fake)(nil)
