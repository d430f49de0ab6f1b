// Package memview provides the small set of unsafe reinterpretation
// helpers shared by the packages that allocate raw pages from hostapi.Host
// and view them as typed structures or byte slices: the same role
// biscuit's mem.Dmaplen/Pg2bytes (biscuit/src/mem/dmap.go, mem.go) play
// over its direct map.
package memview

import (
	"unsafe"

	"github.com/eaxio/svmhv/internal/hostapi"
)

/// Bytes reinterprets the n bytes starting at va as a byte slice.
func Bytes(va hostapi.Va, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), n)
}

/// As reinterprets va as a pointer to T. Callers are responsible for
/// ensuring the underlying allocation is at least sizeof(T).
func As[T any](va hostapi.Va) *T {
	return (*T)(unsafe.Pointer(uintptr(va)))
}
