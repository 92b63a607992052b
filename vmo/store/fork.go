package store

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
)

// Fork produces a copy-on-write child store over [offset, offset+length)
// of this store's coordinate space. The child's coordinates start at 0.
//
// Resident pages are shared frame-for-frame; either side's first write
// materializes a private copy. With SnapshotAtLeastOnWrite the child
// additionally falls through to the parent (and its pager) for pages
// that were absent at fork time; SnapshotFull requires the root to hold
// no content-preserving source, so absent pages are simply zero.
//
// unidirectional marks forks taken through a slice; such children never
// receive fallthrough, since bidirectional semantics through a slice are
// undefined.
func (s *Store) Fork(kind SnapshotKind, offset, length uint64, unidirectional bool) (*Store, error) {
	if err := s.checkRange(offset, length); err != nil {
		return nil, err
	}
	if s.phys != nil {
		return nil, fmt.Errorf("%w: fork of contiguous store", ErrNotSupported)
	}
	preserving := s.rootPreservesContent()
	if kind == SnapshotFull && preserving {
		return nil, fmt.Errorf("%w: full snapshot of pager-backed store", ErrNotSupported)
	}

	child := &Store{
		alloc:    s.alloc,
		pages:    make(map[uint64]*page),
		size:     length,
		refs:     1,
		canBlock: s.canBlock,
		unidir:   unidirectional,
	}

	base := align.PageIndex(offset)
	limit := align.PageCount(length)

	// Share every resident page copy-on-write.
	for i := uint64(0); i < limit; i++ {
		if pg, ok := s.pages[base+i]; ok {
			child.pages[i] = &page{frame: pg.frame.Share()}
		}
	}
	// Shared pages may no longer be written through existing mappings.
	if s.client != nil {
		s.client.RangeChanged(offset, length, RangeRemoveWrite)
	}

	// Fallthrough wiring for pages that must still come from the
	// parent's pager.
	if kind == SnapshotAtLeastOnWrite && preserving && !unidirectional {
		child.parent = s.Retain()
		child.parentBase = base
		child.parentLimit = limit
		s.children = append(s.children, child)
	}
	return child, nil
}

func (s *Store) rootPreservesContent() bool {
	cur := s
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur.source != nil && cur.source.Properties().PreservesContent
}

// Cursor provides batched page access for the read/write engine. It is
// only valid while the hierarchy lock is held; any wait invalidates it
// and the engine constructs a new one after re-validating.
type Cursor struct {
	s    *Store
	idx  uint64 // next page index
	last uint64 // one past the final page index
}

// Cursor returns a cursor over [offset, offset+length), which must be a
// valid page-aligned range.
func (s *Store) Cursor(offset, length uint64) (*Cursor, error) {
	if err := s.checkRange(offset, length); err != nil {
		return nil, err
	}
	return &Cursor{
		s:    s,
		idx:  align.PageIndex(offset),
		last: align.PageIndex(offset + length),
	}, nil
}

// RequirePage returns the frame for the cursor's current page, advancing
// the cursor. For reads, ancestor content is returned in place; for
// writes, the page is materialized as exclusively owned (and, on
// dirty-tracked stores, transitioned to Dirty) first.
//
// When the page cannot be produced without blocking, req is armed for up
// to maxWaitPages pages and ErrShouldWait is returned; the cursor must
// be discarded.
func (c *Cursor) RequirePage(write bool, maxWaitPages uint64, req *pagesource.Request) (addr uintptr, b []byte, err error) {
	if c.idx >= c.last {
		return 0, nil, fmt.Errorf("%w: cursor exhausted", ErrOutOfRange)
	}
	if maxWaitPages > c.last-c.idx {
		maxWaitPages = c.last - c.idx
	}
	s := c.s
	idx := c.idx

	if !write {
		// Reads are satisfied by any visible content.
		if f, _ := s.lookupContent(idx); f != nil {
			c.idx++
			return f.Addr(), f.Bytes(), nil
		}
	}
	pg, err := s.requireOwnedPage(idx, write, req, maxWaitPages)
	if err != nil {
		return 0, nil, err
	}
	if write && s.dirtied && pg.dirty != pageDirty {
		// The pager must allow the write first.
		if _, derr := s.PrepareForWrite(idx*align.PageSize, align.PageSize, req); derr != nil {
			return 0, nil, derr
		}
	}
	c.idx++
	return pg.frame.Addr(), pg.frame.Bytes(), nil
}
