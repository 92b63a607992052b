// Package phys allocates the page frames that back every page store.
//
// Frames are real memory: the allocator mmaps anonymous arenas
// (unix.Mmap) and carves them into page-sized frames, so frame addresses
// behave like physical addresses — stable for the life of the allocator
// and genuinely contiguous inside a contiguous run.
//
// The allocator can be capped to a fixed number of pages. A capped
// allocator makes the two interesting failure modes reachable from tests:
// Alloc returns ErrNoMemory when the pool is exhausted, and callers that
// may block can register a waiter that fires when enough frames are freed.
package phys

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/vmkit/internal/align"
)

// ErrNoMemory indicates the allocator's page pool is exhausted.
var ErrNoMemory = errors.New("phys: out of page frames")

// arenaPages is how many pages each anonymous arena carves out. Arenas
// are only ever unmapped wholesale at Close.
const arenaPages = 256

// Options configures an Allocator.
type Options struct {
	// CapacityPages caps the total number of frames the allocator will
	// hand out at once. Zero means uncapped (arenas grow on demand).
	CapacityPages int
}

// waiter is a registered deferred allocation: fire fn once pages frames
// can be claimed.
type waiter struct {
	pages int
	fn    func()
}

// Allocator hands out page frames from mmap'd anonymous arenas.
//
// All methods are safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	arenas [][]byte
	free   []*Frame // owned frames ready for reuse
	loaned []*Frame // frames on loan from contiguous providers

	capacity  int // 0 = uncapped
	allocated int // owned frames currently handed out

	waiters []*waiter
	closed  bool

	// loanCh carries a pulse whenever a loaned frame returns to the
	// pool, so contiguous providers can wait for their frames to come
	// back without polling.
	loanCh chan struct{}
}

// NewAllocator returns an allocator with the given options.
func NewAllocator(opts Options) *Allocator {
	return &Allocator{
		capacity: opts.CapacityPages,
		loanCh:   make(chan struct{}, 1),
	}
}

// LoanReturns pulses whenever a borrowed loaned frame is freed back into
// the pool. The channel is never closed.
func (a *Allocator) LoanReturns() <-chan struct{} {
	return a.loanCh
}

// Close unmaps every arena. All frames handed out by the allocator become
// invalid; the caller must guarantee nothing references them anymore.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.free = nil
	a.loaned = nil
	var firstErr error
	for _, arena := range a.arenas {
		if err := unmapArena(arena); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("phys: unmap arena: %w", err)
		}
	}
	a.arenas = nil
	return firstErr
}

// Alloc returns one zeroed frame. When the pool is exhausted it prefers
// failing with ErrNoMemory; callers that may block should use Alloc, and
// on ErrNoMemory register a waiter via NotifyAvailable and retry.
//
// If borrowLoaned is set, a loaned frame may be returned once owned
// frames run out. Loaned frames carry content restrictions (they cannot
// be pinned), so only commit paths that tolerate that should borrow.
func (a *Allocator) Alloc(borrowLoaned bool) (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(borrowLoaned)
}

// AllocN returns n zeroed frames, or nothing at all on failure.
func (a *Allocator) AllocN(n int, borrowLoaned bool) ([]*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	frames := make([]*Frame, 0, n)
	for j := 0; j < n; j++ {
		f, err := a.allocLocked(borrowLoaned)
		if err != nil {
			for _, got := range frames {
				a.freeLocked(got)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (a *Allocator) allocLocked(borrowLoaned bool) (*Frame, error) {
	if a.closed {
		return nil, ErrNoMemory
	}
	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		a.allocated++
		f.zero()
		return f, nil
	}
	if a.capacity == 0 || a.allocated < a.capacity {
		if err := a.growLocked(); err != nil {
			return nil, err
		}
		f := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.allocated++
		f.zero()
		return f, nil
	}
	if borrowLoaned {
		if n := len(a.loaned); n > 0 {
			f := a.loaned[n-1]
			a.loaned = a.loaned[:n-1]
			f.zero()
			return f, nil
		}
	}
	return nil, ErrNoMemory
}

// growLocked maps a fresh arena and pushes its frames on the free list.
func (a *Allocator) growLocked() error {
	pages := arenaPages
	if a.capacity != 0 {
		if remaining := a.capacity - a.allocated - len(a.free); remaining < pages {
			pages = remaining
		}
	}
	if pages <= 0 {
		return ErrNoMemory
	}
	arena, err := mapAnon(pages * align.PageSize)
	if err != nil {
		return fmt.Errorf("phys: map arena: %w", err)
	}
	a.arenas = append(a.arenas, arena)
	for i := 0; i < pages; i++ {
		a.free = append(a.free, newFrame(arena[i*align.PageSize:(i+1)*align.PageSize]))
	}
	return nil
}

// Free returns a frame to the pool. Shared frames only actually free once
// the last reference drops; wired frames are never pooled.
func (a *Allocator) Free(f *Frame) {
	if !f.unshare() {
		return
	}
	a.mu.Lock()
	a.freeLocked(f)
	fired := a.claimWaitersLocked()
	a.mu.Unlock()
	for _, fn := range fired {
		fn()
	}
}

func (a *Allocator) freeLocked(f *Frame) {
	if f.wired || a.closed {
		return
	}
	f.refs = 1
	if f.loaned {
		a.loaned = append(a.loaned, f)
		select {
		case a.loanCh <- struct{}{}:
		default:
		}
		return
	}
	a.allocated--
	a.free = append(a.free, f)
}

// NotifyAvailable registers fn to run once pages owned frames could be
// allocated. If that is already true, fn runs immediately. Cancellation
// is the returned func; it is safe to call after fn has fired.
func (a *Allocator) NotifyAvailable(pages int, fn func()) (cancel func()) {
	a.mu.Lock()
	if a.availableLocked() >= pages {
		a.mu.Unlock()
		fn()
		return func() {}
	}
	w := &waiter{pages: pages, fn: fn}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, cur := range a.waiters {
			if cur == w {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				return
			}
		}
	}
}

func (a *Allocator) availableLocked() int {
	if a.capacity == 0 {
		return arenaPages
	}
	return a.capacity - a.allocated
}

// claimWaitersLocked pops every waiter whose demand is now satisfiable.
func (a *Allocator) claimWaitersLocked() []func() {
	var fired []func()
	for len(a.waiters) > 0 && a.availableLocked() >= a.waiters[0].pages {
		fired = append(fired, a.waiters[0].fn)
		a.waiters = a.waiters[1:]
	}
	return fired
}

// FreePages reports how many owned frames could be allocated right now
// without growing past the cap.
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity == 0 {
		return arenaPages
	}
	return a.capacity - a.allocated
}

// AllocContiguous returns count frames backing one physically-contiguous
// run, aligned to 1<<alignLog2 bytes (at least page-aligned). The run
// gets its own arena so the frames stay contiguous for the allocator's
// lifetime.
func (a *Allocator) AllocContiguous(count int, alignLog2 uint) ([]*Frame, error) {
	if count <= 0 {
		return nil, fmt.Errorf("phys: contiguous count %d: %w", count, ErrNoMemory)
	}
	if alignLog2 < align.PageShift {
		alignLog2 = align.PageShift
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrNoMemory
	}
	if a.capacity != 0 && a.allocated+count > a.capacity {
		return nil, ErrNoMemory
	}
	// Over-map so an aligned base always exists inside the arena, then
	// carve the run from the first aligned address.
	alignment := 1 << alignLog2
	size := count*align.PageSize + alignment
	arena, err := mapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("phys: map contiguous arena: %w", err)
	}
	a.arenas = append(a.arenas, arena)
	base := addrOf(arena)
	skip := 0
	if rem := int(base) & (alignment - 1); rem != 0 {
		skip = alignment - rem
	}
	frames := make([]*Frame, count)
	for i := 0; i < count; i++ {
		start := skip + i*align.PageSize
		frames[i] = newFrame(arena[start : start+align.PageSize])
	}
	a.allocated += count
	return frames, nil
}

// AdoptWired wraps pre-existing page-aligned-length memory as frames
// without copying. The frames are marked wired: Free never pools them and
// the memory stays owned by the caller.
func AdoptWired(data []byte) ([]*Frame, error) {
	if len(data) == 0 || len(data)%align.PageSize != 0 {
		return nil, fmt.Errorf("phys: wired region of %d bytes is not page aligned", len(data))
	}
	frames := make([]*Frame, len(data)/align.PageSize)
	for i := range frames {
		f := newFrame(data[i*align.PageSize : (i+1)*align.PageSize])
		f.wired = true
		frames[i] = f
	}
	return frames, nil
}

// Loan places provider-owned frames into the borrowable pool. The
// provider keeps ownership; Reclaim takes them back.
func (a *Allocator) Loan(frames []*Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range frames {
		f.loaned = true
		a.loaned = append(a.loaned, f)
	}
}

// Reclaim removes frames the provider previously loaned from the
// borrowable pool. Frames currently borrowed by a store are not in the
// pool; the provider gets those back when the borrower replaces them.
func (a *Allocator) Reclaim(frames []*Frame) (got []*Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := make(map[*Frame]bool, len(frames))
	for _, f := range frames {
		want[f] = true
	}
	kept := a.loaned[:0]
	for _, f := range a.loaned {
		if want[f] {
			f.loaned = false
			got = append(got, f)
		} else {
			kept = append(kept, f)
		}
	}
	a.loaned = kept
	return got
}
