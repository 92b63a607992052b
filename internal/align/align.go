// Package align holds the page-size constants and the alignment and
// range-arithmetic helpers shared by the vmo packages.
//
// All object and store offsets are byte offsets; page indexes are byte
// offsets shifted right by PageShift. Helpers that can overflow a uint64
// say so explicitly rather than wrapping silently.
package align

// PageSize is the size of a page in bytes. The whole library assumes a
// single fixed page size.
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// PageMask masks the in-page byte offset.
const PageMask = PageSize - 1

// MaxSize is the maximum byte size of any paged object or store. It is
// page-aligned and deliberately far larger than anything a test commits,
// so hitting it is always an explicit bounds failure, never an accident.
const MaxSize uint64 = 1 << 47

// IsPageAligned reports whether n is a multiple of PageSize.
func IsPageAligned(n uint64) bool {
	return n&PageMask == 0
}

// RoundDownPage returns n rounded down to the previous page boundary.
func RoundDownPage(n uint64) uint64 {
	return n &^ uint64(PageMask)
}

// RoundUpPage returns n rounded up to the next page boundary. ok is false
// if the rounding overflows a uint64.
func RoundUpPage(n uint64) (rounded uint64, ok bool) {
	rounded = (n + PageMask) &^ uint64(PageMask)
	return rounded, rounded >= n
}

// PageIndex returns the index of the page containing byte offset off.
func PageIndex(off uint64) uint64 {
	return off >> PageShift
}

// PageCount returns the number of pages needed to hold size bytes.
// size must already be page-aligned.
func PageCount(size uint64) uint64 {
	return size >> PageShift
}

// AddOverflows reports whether a+b overflows a uint64.
func AddOverflows(a, b uint64) bool {
	return a+b < a
}

// End returns off+length, with ok false on overflow.
func End(off, length uint64) (end uint64, ok bool) {
	end = off + length
	return end, end >= off
}

// InRange reports whether [off, off+length) lies entirely within [0, size).
// A zero-length range at off == size is in range.
func InRange(off, length, size uint64) bool {
	end, ok := End(off, length)
	return ok && end <= size
}

// TrimRange clamps [off, off+length) to [0, size) and returns the trimmed
// length. ok is false when nothing of the range remains (off is at or past
// size, or the range overflows).
func TrimRange(off, length, size uint64) (trimmed uint64, ok bool) {
	if off >= size {
		return 0, false
	}
	end, valid := End(off, length)
	if !valid || end > size {
		end = size
	}
	return end - off, true
}
