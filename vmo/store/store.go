// Package store implements the shared page-owning store behind every
// paged object.
//
// A Store owns the resident frames for one contiguous range of store
// coordinates. Several objects may share one store (slices, references),
// and stores form their own copy-on-write ancestry through Fork.
//
// Locking: a store has no lock of its own. Every method that touches
// store state must be called with the owning hierarchy's lock held; the
// "Locked" discipline of the object layer extends down to here. Methods
// that cannot finish without blocking never block — they return
// ErrShouldWait after arming the caller's page request, and the caller
// drops the hierarchy lock to wait.
package store

import (
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

var (
	// ErrShouldWait reports that the operation armed the caller's page
	// request and can make no further progress until it resolves. It
	// never escapes the object layer's retry loops.
	ErrShouldWait = errors.New("store: should wait")

	// ErrNoMemory reports frame allocation failure.
	ErrNoMemory = errors.New("store: out of memory")

	// ErrBadState reports an operation that is invalid for the current
	// page state (pinned pages in a decommit, unpin of unpinned pages).
	ErrBadState = errors.New("store: bad page state")

	// ErrOutOfRange reports a range outside the store.
	ErrOutOfRange = errors.New("store: out of range")

	// ErrNotFound reports a lookup that found no resident page.
	ErrNotFound = errors.New("store: page not resident")

	// ErrNotSupported reports a fork kind the store cannot provide.
	ErrNotSupported = errors.New("store: not supported")
)

// RangeChangeOp tells mappings what happened to a range.
type RangeChangeOp int

const (
	// RangeUnmap invalidates mappings of the range entirely.
	RangeUnmap RangeChangeOp = iota
	// RangeRemoveWrite downgrades mappings of the range to read-only
	// (a page became copy-on-write shared).
	RangeRemoveWrite
)

// Client is the store's backlink: the object elected as owner receives
// range-change notifications and fans them out to mappings and reference
// siblings. Called with the hierarchy lock held.
type Client interface {
	RangeChanged(offset, length uint64, op RangeChangeOp)
}

// dirtyState tracks the pager writeback state of one page.
type dirtyState uint8

const (
	pageClean dirtyState = iota
	pageDirty
	pageAwaitingClean
)

// page is the per-resident-page state.
type page struct {
	frame *phys.Frame
	pins  uint32
	dirty dirtyState
}

// SnapshotKind selects Fork semantics.
type SnapshotKind int

const (
	// SnapshotFull is a complete copy-on-write snapshot. Only
	// supported when the root has no content-preserving source.
	SnapshotFull SnapshotKind = iota
	// SnapshotAtLeastOnWrite shares resident pages copy-on-write and
	// lets absent pages fall through to the parent (and ultimately its
	// pager) until first write.
	SnapshotAtLeastOnWrite
)

// Store owns resident frames for a range of store coordinates.
type Store struct {
	alloc  *phys.Allocator
	source *pagesource.Source           // nil for plain anonymous stores
	phys   *pagesource.PhysicalProvider // non-nil only for contiguous stores

	pages map[uint64]*page // page index -> state
	size  uint64

	// Copy-on-write ancestry. parent is non-nil only for
	// SnapshotAtLeastOnWrite forks; parentBase translates this store's
	// page indexes into the parent's, and parentLimit bounds how far
	// fallthrough reaches.
	parent      *Store
	parentBase  uint64
	parentLimit uint64
	children    []*Store // fallthrough children, for write push-down

	client Client
	refs   int

	pinned    uint64 // total outstanding pin counts
	canBlock  bool   // delayed allocation / pager waits permitted
	canBorrow bool   // may satisfy commits with loaned frames
	dirtied   bool   // dirty tracking enabled (content-preserving root)
	unidir    bool   // fork was taken through a slice
}

// Options configures a new root store.
type Options struct {
	Source    *pagesource.Source
	Physical  *pagesource.PhysicalProvider
	CanBlock  bool
	CanBorrow bool
}

// New creates an empty root store of the given byte size. size must be
// page-aligned.
func New(alloc *phys.Allocator, size uint64, opts Options) (*Store, error) {
	if !align.IsPageAligned(size) {
		return nil, fmt.Errorf("%w: store size %d not page aligned", ErrOutOfRange, size)
	}
	s := &Store{
		alloc:     alloc,
		source:    opts.Source,
		phys:      opts.Physical,
		pages:     make(map[uint64]*page),
		size:      size,
		refs:      1,
		canBlock:  opts.CanBlock,
		canBorrow: opts.CanBorrow,
	}
	if opts.Source != nil {
		s.canBlock = true
		s.dirtied = opts.Source.Properties().PreservesContent
	}
	return s, nil
}

// Size returns the store's current byte size.
func (s *Store) Size() uint64 { return s.size }

// CanBlock reports whether operations against this store may need to
// wait on page requests.
func (s *Store) CanBlock() bool { return s.canBlock }

// DirtyTracked reports whether the store tracks per-page dirty state.
func (s *Store) DirtyTracked() bool { return s.dirtied }

// Contiguous reports whether the store is backed by a physical provider.
func (s *Store) Contiguous() bool { return s.phys != nil }

// HasPagerSource reports whether absent pages resolve through a pager.
func (s *Store) HasPagerSource() bool {
	return s.source != nil && s.source.Properties().UserPager
}

// PinnedPages returns the number of outstanding page pins.
func (s *Store) PinnedPages() uint64 { return s.pinned }

// SetClient installs the backlink owner. Exactly one object owns the
// backlink at a time; nil clears it.
func (s *Store) SetClient(c Client) { s.client = c }

// ClientRef returns the current backlink owner, if any.
func (s *Store) ClientRef() Client { return s.client }

// Retain adds a shared owner (a slice, reference, or the object layer
// handing the store to a new node).
func (s *Store) Retain() *Store {
	s.refs++
	return s
}

// Release drops one owner. The last release frees every frame, closes
// the source, and releases the parent fallthrough reference.
func (s *Store) Release() {
	s.refs--
	if s.refs > 0 {
		return
	}
	for idx, pg := range s.pages {
		s.dropFrame(idx, pg)
	}
	s.pages = nil
	if s.source != nil {
		s.source.Close()
	}
	if s.parent != nil {
		s.parent.unlinkChild(s)
		s.parent.Release()
		s.parent = nil
	}
	s.client = nil
}

func (s *Store) unlinkChild(child *Store) {
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// dropFrame returns the frame behind pg to wherever it belongs: the
// physical provider for contiguous stores, the allocator otherwise.
func (s *Store) dropFrame(idx uint64, pg *page) {
	if s.phys != nil && !pg.frame.Loaned() {
		s.phys.Release(idx)
		return
	}
	s.alloc.Free(pg.frame)
}

// FailPages fails every outstanding page request overlapping the range
// with err. The pager calls this when it cannot supply content.
func (s *Store) FailPages(offset, length uint64, err error) {
	if s.source != nil {
		s.source.OnPagesFailed(offset, length, err)
	}
}

// FreeFrame returns a frame drawn for this store but never inserted
// (a dirty-transition free list, a drained splice list) to the
// allocator.
func (s *Store) FreeFrame(f *phys.Frame) {
	s.alloc.Free(f)
}

// checkRange validates that [offset, offset+length) is page-aligned and
// inside the store.
func (s *Store) checkRange(offset, length uint64) error {
	if !align.IsPageAligned(offset) || !align.IsPageAligned(length) {
		return fmt.Errorf("%w: unaligned store range [%d, +%d)", ErrOutOfRange, offset, length)
	}
	if !align.InRange(offset, length, s.size) {
		return fmt.Errorf("%w: store range [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, s.size)
	}
	return nil
}

// lookupContent finds the frame visible at page index idx, walking the
// fallthrough chain. owner is the store actually holding the frame
// (owner == s means the page is resident here).
func (s *Store) lookupContent(idx uint64) (f *phys.Frame, owner *Store) {
	cur := s
	for cur != nil {
		if pg, ok := cur.pages[idx]; ok {
			return pg.frame, cur
		}
		if cur.parent == nil || idx >= cur.parentLimit {
			return nil, nil
		}
		idx += cur.parentBase
		cur = cur.parent
	}
	return nil, nil
}

// pageWouldReadZero reports whether reading page idx would observe only
// zeroes without committing anything: no resident content anywhere on
// the fallthrough chain and no pager to ask.
func (s *Store) pageWouldReadZero(idx uint64) bool {
	if f, _ := s.lookupContent(idx); f != nil {
		return false
	}
	return !s.rootHasPager(idx)
}

// WouldReadZero reports whether a read at byte offset would observe only
// zeroes without committing anything. Lets partial-page zeroing skip the
// read-modify-write entirely.
func (s *Store) WouldReadZero(offset uint64) bool {
	return s.pageWouldReadZero(align.PageIndex(offset))
}

// PhysicalBase returns the base address of the contiguous run for
// contiguous stores.
func (s *Store) PhysicalBase() (uintptr, bool) {
	if s.phys == nil {
		return 0, false
	}
	return s.phys.BaseAddr(), true
}

// rootHasPager reports whether an absent page at idx would be resolved
// by a pager somewhere up the fallthrough chain.
func (s *Store) rootHasPager(idx uint64) bool {
	cur := s
	for {
		if _, ok := cur.pages[idx]; ok {
			return false
		}
		if cur.parent == nil || idx >= cur.parentLimit {
			return cur.HasPagerSource()
		}
		idx += cur.parentBase
		cur = cur.parent
	}
}

// Lookup walks the pages resident in this store (not ancestors) in
// [offset, offset+length), calling fn with each page's byte offset and
// address. fn returning false stops the walk.
func (s *Store) Lookup(offset, length uint64, fn func(offset uint64, addr uintptr) bool) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		if pg, ok := s.pages[idx]; ok {
			if !fn(idx*align.PageSize, pg.frame.Addr()) {
				return nil
			}
		}
	}
	return nil
}

// LookupReadable walks every page readable in the range, including
// content found through the fallthrough chain.
func (s *Store) LookupReadable(offset, length uint64, fn func(offset uint64, addr uintptr) bool) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		if f, _ := s.lookupContent(idx); f != nil {
			if !fn(idx*align.PageSize, f.Addr()) {
				return nil
			}
		}
	}
	return nil
}

// PinnedInRange reports whether any page in the range holds a pin.
func (s *Store) PinnedInRange(offset, length uint64) bool {
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		if pg, ok := s.pages[idx]; ok && pg.pins > 0 {
			return true
		}
	}
	return false
}

// AttributedMemory returns the bytes of memory attributed to this store
// in the range: resident pages, with frames shared between stores
// attributed in full to each sharer.
func (s *Store) AttributedMemory(offset, length uint64) uint64 {
	length, ok := align.TrimRange(offset, length, s.size)
	if !ok {
		return 0
	}
	var bytes uint64
	for idx := align.PageIndex(offset); idx < align.PageIndex(offset+length); idx++ {
		if _, ok := s.pages[idx]; ok {
			bytes += align.PageSize
		}
	}
	return bytes
}

// Resize grows or shrinks the store. Shrinking decommits every page at
// or past the new size; pinned pages in the removed range refuse the
// resize with ErrBadState.
func (s *Store) Resize(newSize uint64) error {
	if !align.IsPageAligned(newSize) {
		return fmt.Errorf("%w: resize to %d not page aligned", ErrOutOfRange, newSize)
	}
	if newSize >= s.size {
		s.size = newSize
		return nil
	}
	if s.PinnedInRange(newSize, s.size-newSize) {
		return fmt.Errorf("%w: pinned pages in truncated range", ErrBadState)
	}
	removedOff, removedLen := newSize, s.size-newSize
	for idx := align.PageIndex(newSize); idx < align.PageIndex(s.size); idx++ {
		if pg, ok := s.pages[idx]; ok {
			s.dropFrame(idx, pg)
			delete(s.pages, idx)
		}
	}
	s.size = newSize
	if s.client != nil {
		s.client.RangeChanged(removedOff, removedLen, RangeUnmap)
	}
	return nil
}

// AddFrames inserts pre-allocated frames as resident content starting at
// offset. Used by construction paths (contiguous runs, wired pages,
// always-pinned preallocation). The store takes ownership.
func (s *Store) AddFrames(offset uint64, frames []*phys.Frame) error {
	if err := s.checkRange(offset, uint64(len(frames))*align.PageSize); err != nil {
		return err
	}
	base := align.PageIndex(offset)
	for i, f := range frames {
		idx := base + uint64(i)
		if _, ok := s.pages[idx]; ok {
			return fmt.Errorf("%w: page %d already resident", ErrBadState, idx)
		}
		s.pages[idx] = &page{frame: f}
	}
	return nil
}

// SupplyPhysical re-inserts a frame reclaimed by the physical provider
// and completes any read request covering it. This is the provider's
// Bind callback target; the object layer wraps it with the hierarchy
// lock.
func (s *Store) SupplyPhysical(idx uint64, f *phys.Frame) {
	if _, ok := s.pages[idx]; ok {
		// Raced with another commit; hand the frame straight back.
		s.phys.Release(idx)
		return
	}
	s.pages[idx] = &page{frame: f}
	if s.source != nil {
		s.source.OnPagesSupplied(idx*align.PageSize, align.PageSize)
	}
}
