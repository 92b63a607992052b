package store

import (
	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

// ZeroPages zeroes whole pages in [offset, offset+length). Where a page
// can simply be decommitted (anonymous, unpinned, no content behind it)
// it is; otherwise the page is materialized and memset. zeroedLen
// reports the leading bytes now reading as zero; ErrShouldWait means
// req was armed (pager acknowledgement or delayed allocation).
func (s *Store) ZeroPages(offset, length uint64, req *pagesource.Request) (zeroedLen uint64, err error) {
	if err := s.checkRange(offset, length); err != nil {
		return 0, err
	}
	first := align.PageIndex(offset)
	last := align.PageIndex(offset + length)
	for idx := first; idx < last; idx++ {
		pg, resident := s.pages[idx]

		// Cheap path: drop the page and let absence read as zero. Not
		// available when the page is pinned, the store is contiguous
		// (its frames must stay), the root preserves content (absence
		// means "unknown", not zero), or an ancestor's content would
		// show through the hole.
		if resident && pg.pins == 0 && s.phys == nil &&
			!s.dirtied && !s.rootPreservesContent() &&
			s.contentBehind(idx) == nil {
			s.pushDown(idx, pg)
			s.dropFrame(idx, pg)
			delete(s.pages, idx)
			if s.client != nil {
				s.client.RangeChanged(idx*align.PageSize, align.PageSize, RangeUnmap)
			}
			continue
		}

		if !resident {
			if s.pageWouldReadZero(idx) {
				continue
			}
			// Ancestor or pager content is visible; materialize an
			// owned page to mask it.
			npg, rerr := s.requireOwnedPage(idx, true, req, last-idx)
			if rerr != nil {
				return (idx - first) * align.PageSize, rerr
			}
			pg = npg
		}
		if pg.frame.Shared() {
			if cerr := s.copyOnWrite(idx, pg); cerr != nil {
				return (idx - first) * align.PageSize, cerr
			}
		}
		if s.dirtied && pg.dirty != pageDirty {
			if _, derr := s.PrepareForWrite(idx*align.PageSize, align.PageSize, req); derr != nil {
				return (idx - first) * align.PageSize, derr
			}
		}
		clear(pg.frame.Bytes())
	}
	return length, nil
}

// contentBehind reports the frame that would become visible at idx if
// this store's own page vanished.
func (s *Store) contentBehind(idx uint64) *phys.Frame {
	if s.parent == nil || idx >= s.parentLimit {
		return nil
	}
	f, _ := s.parent.lookupContent(idx + s.parentBase)
	return f
}
