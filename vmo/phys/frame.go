package phys

import (
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/vmkit/internal/align"
)

// Frame is one page of real memory. Frames are carved out of mmap'd
// arenas (or adopted from wired buffers) and handed to page stores, which
// may share a frame between several stores while its content is
// copy-on-write.
type Frame struct {
	data []byte // exactly align.PageSize bytes
	refs int32  // share count; 1 when exclusively owned

	// loaned marks a frame that is on loan from a contiguous run's
	// provider. Loaned frames can back ordinary committed pages but can
	// never be pinned; pinning replaces them with owned frames first.
	loaned bool

	// wired marks a frame adopted from pre-existing kernel memory. Wired
	// frames are never returned to an arena free list.
	wired bool
}

// Bytes returns the frame's page of memory.
func (f *Frame) Bytes() []byte { return f.data }

// Addr returns the stable address of the frame's memory. It stands in for
// the physical address in lookups and contiguity checks.
func (f *Frame) Addr() uintptr {
	return uintptr(unsafe.Pointer(&f.data[0]))
}

// Loaned reports whether the frame is on loan from a contiguous provider.
func (f *Frame) Loaned() bool { return f.loaned }

// Wired reports whether the frame was adopted from wired memory.
func (f *Frame) Wired() bool { return f.wired }

// Share increments the frame's share count and returns the frame.
func (f *Frame) Share() *Frame {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Shared reports whether more than one store currently references the
// frame. A shared frame must be copied before it is written.
func (f *Frame) Shared() bool {
	return atomic.LoadInt32(&f.refs) > 1
}

// unshare drops one reference and reports whether that was the last one.
func (f *Frame) unshare() bool {
	return atomic.AddInt32(&f.refs, -1) == 0
}

func (f *Frame) zero() {
	clear(f.data)
}

func newFrame(data []byte) *Frame {
	if len(data) != align.PageSize {
		panic("phys: frame backing must be exactly one page")
	}
	return &Frame{data: data, refs: 1}
}
