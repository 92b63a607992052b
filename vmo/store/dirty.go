package store

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

// PrepareForWrite transitions resident pages in the range to Dirty so
// they may be written. dirtyLen counts the leading bytes already
// writable. A Clean page needs the pager's acknowledgement first:
// the request is armed as a dirty request and the caller must wait.
//
// Pages in the range must be resident (committed, and pinned if the
// caller needs them immovable across the wait).
func (s *Store) PrepareForWrite(offset, length uint64, req *pagesource.Request) (dirtyLen uint64, err error) {
	if err := s.checkRange(offset, length); err != nil {
		return 0, err
	}
	if !s.dirtied {
		return length, nil
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		pg, ok := s.pages[idx]
		if !ok {
			return (idx - first) * align.PageSize, fmt.Errorf("%w: dirty of non-resident page %d", ErrBadState, idx)
		}
		if pg.dirty == pageDirty {
			continue
		}
		// Ask the pager to acknowledge the whole remaining clean run.
		runEnd := idx
		for runEnd < last {
			if pg, ok := s.pages[runEnd]; ok && pg.dirty == pageDirty {
				break
			}
			runEnd++
		}
		s.source.RequestPages(req, pagesource.DirtyRequest, idx*align.PageSize, (runEnd-idx)*align.PageSize)
		return (idx - first) * align.PageSize, ErrShouldWait
	}
	return length, nil
}

// DirtyPages transitions every page in the range to Dirty, allocating
// frames for absent pages out of allocList. This is the pager's side of
// the dirty protocol: acknowledging a dirty request ends up here, and
// completion releases any writer waiting on that request.
//
// allocList survives across retries: frames drawn but not yet consumed
// stay in the list so each retry makes forward progress instead of
// thrashing the allocator.
func (s *Store) DirtyPages(offset, length uint64, allocList *[]*phys.Frame, req *pagesource.Request) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	if !s.dirtied {
		return fmt.Errorf("%w: store does not track dirty state", ErrNotSupported)
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)

	// Top up the allocation list for the absent pages before mutating
	// anything, so the transition below cannot fail halfway.
	needed := 0
	for idx := first; idx < last; idx++ {
		if _, ok := s.pages[idx]; !ok {
			needed++
		}
	}
	for len(*allocList) < needed {
		f, err := s.allocFrame(req, offset, length, false)
		if err != nil {
			return err
		}
		*allocList = append(*allocList, f)
	}

	for idx := first; idx < last; idx++ {
		pg, ok := s.pages[idx]
		if !ok {
			f := (*allocList)[len(*allocList)-1]
			*allocList = (*allocList)[:len(*allocList)-1]
			pg = &page{frame: f}
			s.pages[idx] = pg
		}
		pg.dirty = pageDirty
	}
	s.source.OnPagesDirtied(offset, length)
	return nil
}

// WritebackBegin marks dirty pages in the range as being cleaned. Pages
// stay writable-blocked (AwaitingClean) until WritebackEnd.
func (s *Store) WritebackBegin(offset, length uint64) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		if pg, ok := s.pages[idx]; ok && pg.dirty == pageDirty {
			pg.dirty = pageAwaitingClean
		}
	}
	return nil
}

// WritebackEnd completes a writeback: AwaitingClean pages become Clean.
// Pages dirtied again since WritebackBegin stay Dirty.
func (s *Store) WritebackEnd(offset, length uint64) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		if pg, ok := s.pages[idx]; ok && pg.dirty == pageAwaitingClean {
			pg.dirty = pageClean
		}
	}
	return nil
}

// EnumerateDirtyRanges reports maximal runs of dirty pages inside the
// range. fn returning false stops the walk.
func (s *Store) EnumerateDirtyRanges(offset, length uint64, fn func(offset, length uint64) bool) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	if !s.dirtied {
		return fmt.Errorf("%w: store does not track dirty state", ErrNotSupported)
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	var runStart uint64
	inRun := false
	for idx := first; idx <= last; idx++ {
		dirty := false
		if idx < last {
			if pg, ok := s.pages[idx]; ok {
				dirty = pg.dirty != pageClean
			}
		}
		switch {
		case dirty && !inRun:
			runStart = idx
			inRun = true
		case !dirty && inRun:
			inRun = false
			if !fn(runStart*align.PageSize, (idx-runStart)*align.PageSize) {
				return nil
			}
		}
	}
	return nil
}
