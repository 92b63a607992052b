package pagesource

import (
	"context"
	"sync"
)

// PagerRequest is one unit of work for a pager service loop: the kind of
// request and the store range it covers.
type PagerRequest struct {
	Type   Type
	Offset uint64
	Length uint64
}

// PagerOptions configures a Pager.
type PagerOptions struct {
	// PreservesContent enables dirty tracking on objects backed by
	// this pager (the pager retains content and wants writeback).
	PreservesContent bool
}

// Pager is the user-pager provider: it queues requests for an external
// service loop. The loop drains NextRequest and resolves each item by
// calling SupplyPages / DirtyPages / FailRange on the object that owns
// the store (which flow back here through the Source).
type Pager struct {
	mu     sync.Mutex
	props  Properties
	queue  []PagerRequest
	wake   chan struct{}
	closed bool
}

// NewPager returns a pager provider.
func NewPager(opts PagerOptions) *Pager {
	return &Pager{
		props: Properties{
			UserPager:        true,
			PreservesContent: opts.PreservesContent,
		},
		wake: make(chan struct{}, 1),
	}
}

// Properties implements Provider.
func (p *Pager) Properties() Properties { return p.props }

// Send implements Provider. Called with the hierarchy lock held, so it
// only queues.
func (p *Pager) Send(req *Request) {
	offset, length := req.Range()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		req.Complete(ErrClosed)
		return
	}
	p.queue = append(p.queue, PagerRequest{Type: req.RequestType(), Offset: offset, Length: length})
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Clear implements Provider. The queue entry, if still present, is left
// in place: supplying pages nobody waits for anymore is harmless.
func (p *Pager) Clear(*Request) {}

// Close implements Provider.
func (p *Pager) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// NextRequest blocks until a request is queued and returns it. It returns
// ErrClosed once the pager is closed and drained.
func (p *Pager) NextRequest(ctx context.Context) (PagerRequest, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			req := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return req, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return PagerRequest{}, ErrClosed
		}
		select {
		case <-p.wake:
		case <-ctx.Done():
			return PagerRequest{}, ctx.Err()
		}
	}
}
