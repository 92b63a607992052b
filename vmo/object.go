package vmo

import (
	"context"
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/store"
)

// Object is one paged virtual-memory object: a node in the ownership
// graph over a shared page store.
//
// All mutable state is guarded by the hierarchy lock shared across the
// node's connected component. Public methods acquire it; methods with
// the Locked suffix expect it held.
type Object struct {
	id   uint64
	hier *hierarchy

	// Kind bits, fixed at construction.
	resizable    bool
	contiguous   bool
	discardable  bool
	alwaysPinned bool
	canBlock     bool
	isSlice      bool
	isReference  bool

	// Guarded by hier.
	store  *store.Store
	base   uint64 // offset of this node's range in store coordinates
	size   uint64 // byte length of this node's range
	policy CachePolicy
	name   string

	parent      *Object   // non-owning; nil for roots
	children    []*Object // non-owning
	refSiblings []*Object // reference views over this node's store; only on the backlink owner
	owner       *Object   // for references: the current backlink owner

	mappings []Mapping

	lockCount uint32 // discardable lock nesting
	discarded bool   // discardable content dropped since the last lock

	modified bool
	refs     int
}

// ID returns the object's registry ID. IDs are unique for the life of
// the process and never reused.
func (o *Object) ID() uint64 { return o.id }

// Name returns the diagnostic label.
func (o *Object) Name() string {
	o.hier.lock()
	defer o.hier.unlock()
	return o.name
}

// SetName replaces the diagnostic label.
func (o *Object) SetName(name string) {
	o.hier.lock()
	defer o.hier.unlock()
	o.name = name
}

// Size returns the object's current byte size. Everything but a slice
// reports the shared store's size, so a resize through any sharer of the
// store (the object itself or a resizable reference) is visible to all
// of them. A slice's window is fixed at creation.
func (o *Object) Size() uint64 {
	o.hier.lock()
	defer o.hier.unlock()
	if o.store == nil {
		return 0
	}
	return o.sizeLocked()
}

func (o *Object) sizeLocked() uint64 {
	if o.isSlice {
		return o.size
	}
	return o.store.Size()
}

// Resizable reports whether Resize is supported.
func (o *Object) Resizable() bool { return o.resizable }

// Contiguous reports whether the object is physically contiguous.
func (o *Object) Contiguous() bool { return o.contiguous }

// Discardable reports whether the object participates in discard
// reclamation.
func (o *Object) Discardable() bool { return o.discardable }

// IsSlice reports whether the object views a sub-range of an ancestor's
// store.
func (o *Object) IsSlice() bool { return o.isSlice }

// IsReference reports whether the object is a whole-store reference
// view.
func (o *Object) IsReference() bool { return o.isReference }

// CachePolicy returns the current mapping cache policy.
func (o *Object) CachePolicy() CachePolicy {
	o.hier.lock()
	defer o.hier.unlock()
	return o.policy
}

// Modified reports whether any write has completed against the object.
func (o *Object) Modified() bool {
	o.hier.lock()
	defer o.hier.unlock()
	return o.modified
}

func (o *Object) markModifiedLocked() {
	o.modified = true
}

// aliveLocked guards against operations on a destroyed node that some
// caller kept a stale pointer to.
func (o *Object) aliveLocked() error {
	if o.store == nil {
		return fmt.Errorf("%w: object destroyed", ErrBadState)
	}
	return nil
}

// pageRange rounds [offset, offset+length) out to page boundaries.
func pageRange(offset, length uint64) (start, end uint64, err error) {
	if align.AddOverflows(offset, length) {
		return 0, 0, fmt.Errorf("%w: range [%d, +%d) overflows", ErrOutOfRange, offset, length)
	}
	end, ok := align.RoundUpPage(offset + length)
	if !ok {
		return 0, 0, fmt.Errorf("%w: range end overflows page rounding", ErrOutOfRange)
	}
	return align.RoundDownPage(offset), end, nil
}

// checkAlignedRangeLocked validates a page-aligned range against the
// current size without trimming.
func (o *Object) checkAlignedRangeLocked(offset, length uint64) error {
	if !align.IsPageAligned(offset) || !align.IsPageAligned(length) {
		return fmt.Errorf("%w: unaligned range [%d, +%d)", ErrInvalidArgs, offset, length)
	}
	if !align.InRange(offset, length, o.sizeLocked()) {
		return fmt.Errorf("%w: range [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, o.sizeLocked())
	}
	return nil
}

// requireUsableLocked rejects operations that need page content when the
// object is an unlocked discardable (its pages may vanish at any time).
func (o *Object) requireUsableLocked() error {
	if o.discardable && o.lockCount == 0 {
		return fmt.Errorf("%w: discardable object is unlocked", ErrBadState)
	}
	return nil
}

// wait drops the hierarchy lock, blocks on req, and re-acquires. The
// caller must re-validate all previously checked state afterwards.
func (o *Object) wait(ctx context.Context, req *pagesource.Request) error {
	o.hier.unlock()
	err := req.Wait(ctx)
	o.hier.lock()
	return err
}

// LookupContiguous returns the physical address of offset within a
// contiguous object. The address is stable for the object's lifetime.
func (o *Object) LookupContiguous(offset, length uint64) (uintptr, error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return 0, err
	}
	if !o.contiguous {
		return 0, fmt.Errorf("%w: physical lookup of non-contiguous object", ErrNotSupported)
	}
	if !align.InRange(offset, length, o.sizeLocked()) {
		return 0, fmt.Errorf("%w: lookup [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, o.sizeLocked())
	}
	phys, ok := o.store.PhysicalBase()
	if !ok {
		return 0, fmt.Errorf("%w: store lost its physical backing", ErrBadState)
	}
	return phys + uintptr(o.base+offset), nil
}

// Lookup walks the committed pages of [offset, offset+length), calling
// fn with each page's object-relative byte offset and frame address.
func (o *Object) Lookup(offset, length uint64, fn func(offset uint64, addr uintptr) bool) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	return wrapStore(o.store.Lookup(o.base+offset, length, func(storeOff uint64, addr uintptr) bool {
		return fn(storeOff-o.base, addr)
	}))
}

// PinnedPages returns the number of pinned pages in the object's store.
func (o *Object) PinnedPages() uint64 {
	o.hier.lock()
	defer o.hier.unlock()
	if o.store == nil {
		return 0
	}
	return o.store.PinnedPages()
}

// AttributedMemory returns the bytes of committed memory attributed to
// this object over the range. References attribute nothing; their
// store's memory belongs to the backlink owner.
func (o *Object) AttributedMemory(offset, length uint64) uint64 {
	o.hier.lock()
	defer o.hier.unlock()
	if o.store == nil {
		return 0
	}
	if o.isReference {
		// Attribution follows the backlink owner; a reference only
		// counts once it has inherited ownership.
		if c, ok := o.store.ClientRef().(*Object); !ok || c != o {
			return 0
		}
	}
	return o.store.AttributedMemory(o.base+offset, length)
}
