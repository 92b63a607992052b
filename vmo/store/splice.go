package store

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

// SpliceList is an ordered run of pages in flight between stores (pager
// supply and page-transfer operations). Each slot is either a frame or a
// zero marker (nil frame), covering one page of the list's range in
// order.
type SpliceList struct {
	offset uint64
	frames []*phys.Frame // nil entry = page of zeroes
	next   int           // consume position
}

// NewSpliceList returns an empty list positioned at offset.
func NewSpliceList(offset uint64) *SpliceList {
	return &SpliceList{offset: offset}
}

// Append adds a frame (or nil for an implicit zero page) to the tail.
func (l *SpliceList) Append(f *phys.Frame) {
	l.frames = append(l.frames, f)
}

// AppendBytes copies one page worth of data into a fresh frame from
// alloc and appends it. Convenience for pagers supplying file content.
func (l *SpliceList) AppendBytes(alloc *phys.Allocator, data []byte) error {
	if len(data) > align.PageSize {
		return fmt.Errorf("%w: splice entry of %d bytes", ErrOutOfRange, len(data))
	}
	f, err := alloc.Alloc(false)
	if err != nil {
		return fmt.Errorf("%w: splice allocation failed", ErrNoMemory)
	}
	copy(f.Bytes(), data)
	l.Append(f)
	return nil
}

// Len returns the number of unconsumed entries.
func (l *SpliceList) Len() int { return len(l.frames) - l.next }

// take pops the next entry.
func (l *SpliceList) take() (*phys.Frame, bool) {
	if l.next >= len(l.frames) {
		return nil, false
	}
	f := l.frames[l.next]
	l.next++
	return f, true
}

// Drain frees every unconsumed frame back to alloc.
func (l *SpliceList) Drain(alloc *phys.Allocator) {
	for {
		f, ok := l.take()
		if !ok {
			return
		}
		if f != nil {
			alloc.Free(f)
		}
	}
}

// TakePages moves as many resident pages as possible from the front of
// [offset, offset+length) into list, leaving those pages decommitted.
// takenLen reports the processed prefix. Absent pages on a pager-backed
// store arm req and return ErrShouldWait; on anonymous stores they
// become zero markers.
func (s *Store) TakePages(offset, length uint64, list *SpliceList, req *pagesource.Request) (takenLen uint64, err error) {
	if err := s.checkRange(offset, length); err != nil {
		return 0, err
	}
	if s.PinnedInRange(offset, length) {
		return 0, fmt.Errorf("%w: take of pinned range", ErrBadState)
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		pg, ok := s.pages[idx]
		if !ok {
			if s.rootHasPager(idx) {
				s.armReadRequest(req, idx, last-idx)
				return (idx - first) * align.PageSize, ErrShouldWait
			}
			if f, owner := s.lookupContent(idx); f != nil && owner != s {
				// Fallthrough content transfers as a copy; the
				// ancestor keeps its page.
				nf, aerr := s.allocFrame(req, idx*align.PageSize, align.PageSize, false)
				if aerr != nil {
					return (idx - first) * align.PageSize, aerr
				}
				copy(nf.Bytes(), f.Bytes())
				list.Append(nf)
				continue
			}
			list.Append(nil)
			continue
		}
		// Fallthrough children keep their pre-transfer view.
		s.pushDown(idx, pg)
		if pg.frame.Shared() {
			// The departing page must be exclusively owned; sharers
			// keep the old frame.
			nf, aerr := s.allocFrame(req, idx*align.PageSize, align.PageSize, false)
			if aerr != nil {
				return (idx - first) * align.PageSize, aerr
			}
			copy(nf.Bytes(), pg.frame.Bytes())
			s.alloc.Free(pg.frame)
			list.Append(nf)
		} else {
			list.Append(pg.frame)
		}
		delete(s.pages, idx)
	}
	if s.client != nil {
		s.client.RangeChanged(offset, length, RangeUnmap)
	}
	return length, nil
}

// SupplyPages inserts pages from list into absent slots of the range.
// Slots already resident consume and discard their list entry. Zero
// markers materialize as zeroed frames on content-preserving stores and
// stay absent elsewhere. suppliedLen reports the processed prefix.
func (s *Store) SupplyPages(offset, length uint64, list *SpliceList, req *pagesource.Request) (suppliedLen uint64, err error) {
	if err := s.checkRange(offset, length); err != nil {
		return 0, err
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		f, ok := list.take()
		if !ok {
			return (idx - first) * align.PageSize, fmt.Errorf("%w: splice list exhausted", ErrOutOfRange)
		}
		if _, resident := s.pages[idx]; resident {
			if f != nil {
				s.alloc.Free(f)
			}
			continue
		}
		if f == nil {
			if !s.dirtied {
				continue // absent already reads as zero
			}
			nf, aerr := s.allocFrame(req, idx*align.PageSize, align.PageSize, false)
			if aerr != nil {
				list.next-- // leave the marker for the retry
				return (idx - first) * align.PageSize, aerr
			}
			f = nf
		}
		s.pages[idx] = &page{frame: f}
	}
	if s.source != nil {
		s.source.OnPagesSupplied(offset, length)
	}
	return length, nil
}
