package pagesource

import (
	"sync"
)

// Properties describes what a provider can do. The store consults these
// to decide whether dirty tracking applies and whether operations against
// the store can block.
type Properties struct {
	// UserPager is set when absent-page resolution goes through an
	// external pager rather than the frame allocator.
	UserPager bool
	// PreservesContent is set when the provider retains page content
	// (so decommitted pages are not simply zero) and wants dirty
	// tracking for writeback.
	PreservesContent bool
}

// Provider is the party that actually resolves page requests.
type Provider interface {
	Properties() Properties
	// Send hands an armed request to the provider. It is called with
	// the hierarchy lock held and must not block or reenter the store
	// synchronously; resolution happens on the provider's own thread.
	Send(req *Request)
	// Clear tells the provider a previously sent request was cancelled.
	Clear(req *Request)
	// Close tells the provider no further requests will arrive.
	Close()
}

// Source routes page requests from a store to its provider and converts
// supply/dirty notifications back into request completions.
type Source struct {
	mu          sync.Mutex
	provider    Provider
	outstanding []*Request
	closed      bool
}

// NewSource wraps provider.
func NewSource(provider Provider) *Source {
	return &Source{provider: provider}
}

// Properties exposes the provider's properties.
func (s *Source) Properties() Properties {
	return s.provider.Properties()
}

// RequestPages arms req for [offset, offset+length) with the given type
// and forwards it to the provider. The store calls this when it cannot
// make progress synchronously; the caller is expected to drop its lock
// and Wait on req.
func (s *Source) RequestPages(req *Request, typ Type, offset, length uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		req.Start(typ, offset, length, nil)
		req.Complete(ErrClosed)
		return
	}
	req.Start(typ, offset, length, func() { s.drop(req) })
	s.outstanding = append(s.outstanding, req)
	s.mu.Unlock()
	s.provider.Send(req)
}

func (s *Source) drop(req *Request) {
	s.mu.Lock()
	for i, cur := range s.outstanding {
		if cur == req {
			s.outstanding = append(s.outstanding[:i], s.outstanding[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.provider.Clear(req)
}

// OnPagesSupplied records that [offset, offset+length) now has content,
// completing or shrinking overlapping read requests.
func (s *Source) OnPagesSupplied(offset, length uint64) {
	s.resolve(ReadRequest, offset, length, nil)
}

// OnPagesDirtied records that the provider acknowledged the dirty
// transition for [offset, offset+length).
func (s *Source) OnPagesDirtied(offset, length uint64) {
	s.resolve(DirtyRequest, offset, length, nil)
}

// OnPagesFailed fails every request overlapping [offset, offset+length)
// with err.
func (s *Source) OnPagesFailed(offset, length uint64, err error) {
	s.resolve(ReadRequest, offset, length, err)
	s.resolve(DirtyRequest, offset, length, err)
}

func (s *Source) resolve(typ Type, offset, length uint64, err error) {
	s.mu.Lock()
	kept := s.outstanding[:0]
	var completed []*Request
	for _, req := range s.outstanding {
		if !req.Active() {
			continue // cancelled or already complete, drop
		}
		if req.RequestType() != typ {
			kept = append(kept, req)
			continue
		}
		if err != nil {
			ro, rl := req.Range()
			if ro < offset+length && offset < ro+rl {
				completed = append(completed, req)
				continue
			}
		} else {
			req.trim(offset, length)
			if _, remaining := req.Range(); remaining == 0 {
				continue // fully satisfied, trim completed it
			}
		}
		kept = append(kept, req)
	}
	s.outstanding = kept
	s.mu.Unlock()
	for _, req := range completed {
		req.Complete(err)
	}
}

// Close shuts the source down. Outstanding requests fail with ErrClosed.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.outstanding
	s.outstanding = nil
	s.mu.Unlock()
	for _, req := range pending {
		req.Complete(ErrClosed)
	}
	s.provider.Close()
}
