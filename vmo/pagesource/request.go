// Package pagesource implements the asynchronous page-supply protocol:
// the PageRequest handle that a thread blocks on, the Source that routes
// requests to a Provider, and the two concrete providers (a user pager
// and the physical provider backing contiguous objects).
package pagesource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimedOut is returned by Request.Wait when no supply arrives
	// within WaitTimeout.
	ErrTimedOut = errors.New("pagesource: wait timed out")

	// ErrClosed is returned for requests sent to a closed source.
	ErrClosed = errors.New("pagesource: source closed")
)

// WaitTimeout bounds a single Request.Wait. A wait that trips the
// timeout calls DumpHook (diagnostics) and fails with ErrTimedOut. Tests
// shorten this to keep stuck-pager scenarios fast.
var WaitTimeout = 10 * time.Second

// DumpHook, when non-nil, runs just before a wait times out. The vmo
// layer points it at the registry dump.
var DumpHook func(reason string)

// Type discriminates what a request is asking for.
type Type int

const (
	// ReadRequest asks the provider to supply absent page content.
	ReadRequest Type = iota
	// DirtyRequest asks the provider to acknowledge a clean->dirty
	// transition before the pages may be written.
	DirtyRequest
	// AllocRequest waits for the frame allocator to have capacity. It
	// is completed by an allocator waiter, not by a provider.
	AllocRequest
)

func (t Type) String() string {
	switch t {
	case ReadRequest:
		return "read"
	case DirtyRequest:
		return "dirty"
	case AllocRequest:
		return "alloc"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Request is a reusable handle for one outstanding page-supply request.
//
// A Request starts idle. A store arms it (Start) when an operation needs
// pages it cannot get synchronously; the caller then drops its lock and
// blocks in Wait. Completion comes from the provider path (Complete, via
// the source's supply bookkeeping) or from an allocator waiter. After a
// completed wait or a Cancel, the request is idle and reusable, so one
// Request serves a whole retry loop the way a single MultiPageRequest
// does in a kernel fault path.
//
// The zero value is ready to use.
type Request struct {
	mu     sync.Mutex
	typ    Type
	offset uint64 // remaining range start (store coordinates)
	length uint64 // remaining range length
	active bool
	done   chan struct{}
	err    error
	detach func() // removes the request from whoever is tracking it
}

// Start arms the request for [offset, offset+length). detach is invoked
// by Cancel to unhook the request from its tracker; it may be nil.
// Starting an already-active request cancels the previous arming first.
func (r *Request) Start(typ Type, offset, length uint64, detach func()) {
	r.Cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typ = typ
	r.offset = offset
	r.length = length
	r.active = true
	r.done = make(chan struct{})
	r.err = nil
	r.detach = detach
}

// Active reports whether the request is armed and unconsumed.
func (r *Request) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Range returns the still-unsatisfied range of an active request.
func (r *Request) Range() (offset, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset, r.length
}

// RequestType returns the armed type. Only meaningful while active.
func (r *Request) RequestType() Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typ
}

// Complete resolves the request. err is what Wait will return. Completing
// an idle request is a no-op so providers may race with Cancel.
func (r *Request) Complete(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completeLocked(err)
}

func (r *Request) completeLocked(err error) {
	if !r.active {
		return
	}
	r.err = err
	r.length = 0
	close(r.done)
}

// trim satisfies the leading portion of the request's range. Once the
// whole range has been supplied the request completes. Supply that does
// not start at the remaining front is ignored; the provider will be asked
// again for whatever is still missing after the caller retries.
func (r *Request) trim(offset, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.length == 0 {
		return
	}
	end := offset + length
	if offset > r.offset || end <= r.offset {
		return
	}
	satisfied := end - r.offset
	if satisfied >= r.length {
		r.completeLocked(nil)
		return
	}
	r.offset += satisfied
	r.length -= satisfied
}

// Wait blocks the calling thread until the request completes, the context
// is cancelled, or WaitTimeout elapses. The caller must not hold any
// hierarchy lock. On return the request is idle and may be re-armed.
func (r *Request) Wait(ctx context.Context) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}
	done := r.done
	typ := r.typ
	r.mu.Unlock()

	timer := time.NewTimer(WaitTimeout)
	defer timer.Stop()

	select {
	case <-done:
		r.mu.Lock()
		err := r.err
		r.resetLocked()
		r.mu.Unlock()
		return err
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		if DumpHook != nil {
			DumpHook(fmt.Sprintf("page request wait (%s) timed out", typ))
		}
		r.Cancel()
		return ErrTimedOut
	}
}

// Cancel retires an active request without satisfying it. Idle requests
// are left alone.
func (r *Request) Cancel() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	detach := r.detach
	r.resetLocked()
	r.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (r *Request) resetLocked() {
	r.active = false
	r.done = nil
	r.err = nil
	r.detach = nil
	r.offset = 0
	r.length = 0
}
