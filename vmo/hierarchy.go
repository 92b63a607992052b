package vmo

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// hierarchy is the lock shared by every object in one connected
// component of the ownership graph. Slices, references, and clones all
// join their parent's hierarchy, so one lock covers every node a single
// operation can touch.
type hierarchy struct {
	mu      sync.Mutex
	waiters atomic.Int32
}

func newHierarchy() *hierarchy {
	return &hierarchy{}
}

func (h *hierarchy) lock() {
	if h.mu.TryLock() {
		return
	}
	h.waiters.Add(1)
	h.mu.Lock()
	h.waiters.Add(-1)
}

func (h *hierarchy) unlock() {
	h.mu.Unlock()
}

// contended reports whether another thread is blocked on the lock right
// now. The copy engine polls this to decide when to yield.
func (h *hierarchy) contended() bool {
	return h.waiters.Load() > 0
}

// yield drops and immediately re-acquires the lock so a blocked thread
// can run. The caller must re-validate everything afterwards.
func (h *hierarchy) yield() {
	h.mu.Unlock()
	runtime.Gosched()
	h.lock()
}
