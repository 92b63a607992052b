package pagesource

import (
	"sync"
	"time"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/phys"
)

// PhysicalProvider backs a contiguous object. It owns the object's
// contiguous frame run; decommitted frames are loaned to the allocator
// for others to borrow, and commits of the contiguous range take the
// specific frames back, waiting for borrowers when necessary.
type PhysicalProvider struct {
	mu     sync.Mutex
	alloc  *phys.Allocator
	frames []*phys.Frame // the contiguous run, indexed by page
	out    map[uint64]bool
	supply func(pageIdx uint64, f *phys.Frame) // installed by the store owner
	closed bool
}

// NewPhysicalProvider returns a provider owning the given contiguous run.
func NewPhysicalProvider(alloc *phys.Allocator, frames []*phys.Frame) *PhysicalProvider {
	return &PhysicalProvider{
		alloc:  alloc,
		frames: frames,
		out:    make(map[uint64]bool),
	}
}

// Bind installs the supply callback that re-inserts reclaimed frames into
// the owning store. Bound after store construction, before any request
// can be sent (the store starts fully committed).
func (p *PhysicalProvider) Bind(supply func(pageIdx uint64, f *phys.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supply = supply
}

// BaseAddr returns the physical base address of the contiguous run.
func (p *PhysicalProvider) BaseAddr() uintptr {
	return p.frames[0].Addr()
}

// Properties implements Provider. Content is not preserved: a reclaimed
// page comes back zeroed, like any other decommit.
func (p *PhysicalProvider) Properties() Properties {
	return Properties{}
}

// Release marks the frame at pageIdx decommitted from the contiguous
// object and loans it out for borrowing.
func (p *PhysicalProvider) Release(pageIdx uint64) {
	p.mu.Lock()
	f := p.frames[pageIdx]
	p.out[pageIdx] = true
	p.mu.Unlock()
	p.alloc.Loan([]*phys.Frame{f})
}

// TryTake reclaims the frame at pageIdx synchronously if no borrower
// holds it. This is the no-round-trip fault path: the provider knows the
// physical address, so absent pages resolve without pager involvement
// whenever the frame is free.
func (p *PhysicalProvider) TryTake(pageIdx uint64) (*phys.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.out[pageIdx] {
		return nil, false
	}
	f := p.frames[pageIdx]
	if got := p.alloc.Reclaim([]*phys.Frame{f}); len(got) == 0 {
		return nil, false // currently borrowed
	}
	delete(p.out, pageIdx)
	// A reclaimed page has no defined content left; it comes back zero.
	clear(f.Bytes())
	return f, true
}

// Send implements Provider: a request arrives only when TryTake failed
// because a borrower holds some frame in the range. A service goroutine
// waits for loan returns and supplies frames as they come back.
func (p *PhysicalProvider) Send(req *Request) {
	go p.service(req)
}

func (p *PhysicalProvider) service(req *Request) {
	returns := p.alloc.LoanReturns()
	for {
		offset, length := req.Range()
		if !req.Active() || length == 0 {
			return
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			req.Complete(ErrClosed)
			return
		}
		idx := align.PageIndex(offset)
		if f, ok := p.TryTake(idx); ok {
			p.mu.Lock()
			supply := p.supply
			p.mu.Unlock()
			supply(idx, f)
			continue
		}
		// The front frame is still borrowed; wait for a loan return and
		// retry. The short tick covers a return whose pulse was consumed
		// by a concurrent service loop.
		select {
		case <-returns:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Clear implements Provider. The service goroutine notices cancellation
// through Request.Active.
func (p *PhysicalProvider) Clear(*Request) {}

// Close implements Provider.
func (p *PhysicalProvider) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
