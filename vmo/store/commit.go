package store

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

// allocFrame gets one zeroed frame, arming req for a delayed allocation
// when the pool is exhausted and this store may block.
func (s *Store) allocFrame(req *pagesource.Request, needOffset, needLen uint64, borrow bool) (*phys.Frame, error) {
	f, err := s.alloc.Alloc(borrow && s.canBorrow)
	if err == nil {
		return f, nil
	}
	if !s.canBlock {
		return nil, fmt.Errorf("%w: frame allocation failed", ErrNoMemory)
	}
	// Arm a delayed allocation: the allocator completes the request as
	// soon as the demand is satisfiable again.
	pages := int(align.PageCount(needLen))
	if pages == 0 {
		pages = 1
	}
	var cancel func()
	req.Start(pagesource.AllocRequest, needOffset, needLen, func() {
		if cancel != nil {
			cancel()
		}
	})
	cancel = s.alloc.NotifyAvailable(pages, func() { req.Complete(nil) })
	return nil, ErrShouldWait
}

// requireOwnedPage makes the page at idx resident in this store with an
// exclusively owned, writable-if-needed frame:
//
//   - resident and unshared: done.
//   - resident but shared: push the old frame down to fallthrough
//     children, then copy (copy-on-write materialization).
//   - absent with visible ancestor content: copy it into an owned frame.
//   - absent, zero: allocate a zeroed frame (contiguous stores reclaim
//     their specific physical frame instead).
//   - absent, pager-backed: arm a read request, ErrShouldWait.
//
// forWrite distinguishes commit-for-read (borrowable frames fine) from
// write materialization.
func (s *Store) requireOwnedPage(idx uint64, forWrite bool, req *pagesource.Request, maxReqPages uint64) (*page, error) {
	if pg, ok := s.pages[idx]; ok {
		if forWrite && pg.frame.Shared() {
			if err := s.copyOnWrite(idx, pg); err != nil {
				return nil, err
			}
		}
		return pg, nil
	}

	// Absent. Contiguous stores reclaim their specific frame.
	if s.phys != nil {
		if f, ok := s.phys.TryTake(idx); ok {
			pg := &page{frame: f}
			s.pages[idx] = pg
			return pg, nil
		}
		s.armReadRequest(req, idx, 1)
		return nil, ErrShouldWait
	}

	// Content visible through the fallthrough chain: fork it.
	if src, owner := s.lookupContent(idx); src != nil && owner != s {
		f, err := s.allocFrame(req, idx*align.PageSize, align.PageSize, false)
		if err != nil {
			return nil, err
		}
		copy(f.Bytes(), src.Bytes())
		pg := &page{frame: f}
		s.pages[idx] = pg
		return pg, nil
	}

	// Absent with a pager root: the content must be supplied first.
	if s.rootHasPager(idx) {
		s.armReadRequest(req, idx, maxReqPages)
		return nil, ErrShouldWait
	}

	// Absent and implicitly zero.
	f, err := s.allocFrame(req, idx*align.PageSize, align.PageSize, !forWrite)
	if err != nil {
		return nil, err
	}
	pg := &page{frame: f}
	s.pages[idx] = pg
	return pg, nil
}

// armReadRequest routes a read request for up to maxPages starting at
// page idx to whichever store on the fallthrough chain owns the pager.
func (s *Store) armReadRequest(req *pagesource.Request, idx, maxPages uint64) {
	if maxPages == 0 {
		maxPages = 1
	}
	cur := s
	for cur.source == nil && cur.parent != nil && idx < cur.parentLimit {
		idx += cur.parentBase
		cur = cur.parent
	}
	length := maxPages * align.PageSize
	if end := cur.size; idx*align.PageSize+length > end {
		length = end - idx*align.PageSize
	}
	cur.source.RequestPages(req, pagesource.ReadRequest, idx*align.PageSize, length)
}

// copyOnWrite replaces a shared frame with a private copy, after pushing
// the shared frame into any fallthrough child that has no page of its
// own at this index (so the child keeps seeing pre-write content).
func (s *Store) copyOnWrite(idx uint64, pg *page) error {
	if pg.pins > 0 {
		// Pinned pages were made exclusive at pin time.
		return fmt.Errorf("%w: shared frame under pin", ErrBadState)
	}
	s.pushDown(idx, pg)
	f, err := s.alloc.Alloc(false)
	if err != nil {
		return fmt.Errorf("%w: copy-on-write allocation failed", ErrNoMemory)
	}
	copy(f.Bytes(), pg.frame.Bytes())
	s.alloc.Free(pg.frame)
	pg.frame = f
	if s.client != nil {
		s.client.RangeChanged(idx*align.PageSize, align.PageSize, RangeUnmap)
	}
	return nil
}

// pushDown gives every fallthrough child that lacks its own page at this
// index a shared reference to the current frame, preserving the child's
// pre-write view.
func (s *Store) pushDown(idx uint64, pg *page) {
	for _, child := range s.children {
		if idx < child.parentBase || idx >= child.parentBase+child.parentLimit {
			continue
		}
		childIdx := idx - child.parentBase
		if _, ok := child.pages[childIdx]; ok {
			continue
		}
		child.pages[childIdx] = &page{frame: pg.frame.Share()}
	}
}

// CommitRange commits as much of [offset, offset+length) as it can
// without blocking. committedLen is how many leading bytes are now
// resident; ErrShouldWait means req was armed for the rest.
func (s *Store) CommitRange(offset, length uint64, req *pagesource.Request) (committedLen uint64, err error) {
	if err := s.checkRange(offset, length); err != nil {
		return 0, err
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		if _, err := s.requireOwnedPage(idx, false, req, last-idx); err != nil {
			return (idx - first) * align.PageSize, err
		}
	}
	return length, nil
}

// PinRange pins every page in the committed range. The caller must have
// committed the range first (and replaced loaned frames); a gap or a
// loaned frame is an error with nothing pinned.
func (s *Store) PinRange(offset, length uint64) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		pg, ok := s.pages[idx]
		if !ok {
			return fmt.Errorf("%w: pin of non-resident page %d", ErrBadState, idx)
		}
		if pg.frame.Loaned() {
			return fmt.Errorf("%w: pin of loaned page %d", ErrBadState, idx)
		}
	}
	for idx := first; idx < last; idx++ {
		pg := s.pages[idx]
		if pg.frame.Shared() {
			// Pinned memory must be exclusively owned; a later copy
			// would move the physical address under the pinner.
			if err := s.copyOnWrite(idx, pg); err != nil {
				return err
			}
		}
		pg.pins++
		s.pinned++
	}
	return nil
}

// Unpin releases pins over the exact range previously pinned. Every page
// in the range must hold a pin; otherwise nothing is unpinned and
// ErrBadState is returned.
func (s *Store) Unpin(offset, length uint64) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		pg, ok := s.pages[idx]
		if !ok || pg.pins == 0 {
			return fmt.Errorf("%w: unpin of unpinned page %d", ErrBadState, idx)
		}
	}
	for idx := first; idx < last; idx++ {
		s.pages[idx].pins--
		s.pinned--
	}
	return nil
}

// ReplaceWithOwned swaps loaned frames in the range for owned ones so
// the range can be pinned. replacedLen counts the leading bytes known
// loan-free afterwards; ErrShouldWait means req was armed.
func (s *Store) ReplaceWithOwned(offset, length uint64, req *pagesource.Request) (replacedLen uint64, err error) {
	if err := s.checkRange(offset, length); err != nil {
		return 0, err
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		pg, ok := s.pages[idx]
		if !ok || !pg.frame.Loaned() {
			continue
		}
		f, aerr := s.allocFrame(req, idx*align.PageSize, align.PageSize, false)
		if aerr != nil {
			return (idx - first) * align.PageSize, aerr
		}
		copy(f.Bytes(), pg.frame.Bytes())
		s.alloc.Free(pg.frame) // back to the loan pool for its provider
		pg.frame = f
		if s.client != nil {
			s.client.RangeChanged(idx*align.PageSize, align.PageSize, RangeUnmap)
		}
	}
	return length, nil
}

// DecommitRange drops resident pages in the range. Pinned pages refuse
// the decommit. Contiguous stores loan the decommitted frames back to
// their provider.
func (s *Store) DecommitRange(offset, length uint64) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	if s.PinnedInRange(offset, length) {
		return fmt.Errorf("%w: decommit of pinned range", ErrBadState)
	}
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		pg, ok := s.pages[idx]
		if !ok {
			continue
		}
		// Children relying on fallthrough must keep their pre-drop
		// view of this page.
		s.pushDown(idx, pg)
		s.dropFrame(idx, pg)
		delete(s.pages, idx)
	}
	if s.client != nil {
		s.client.RangeChanged(offset, length, RangeUnmap)
	}
	return nil
}
