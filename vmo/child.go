package vmo

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
)

// NewChildSlice creates a child viewing [offset, offset+length) of this
// object's range through the same store. Slices are never resizable, so
// resizable parents refuse them; a contiguous parent's slice stays
// contiguous so cache-policy restrictions keep applying.
func (o *Object) NewChildSlice(offset, length uint64) (*Object, error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return nil, err
	}
	if o.resizable {
		return nil, fmt.Errorf("%w: slice of a resizable object", ErrNotSupported)
	}
	if !align.IsPageAligned(offset) || !align.IsPageAligned(length) {
		return nil, fmt.Errorf("%w: unaligned slice [%d, +%d)", ErrInvalidArgs, offset, length)
	}
	if !align.InRange(offset, length, o.sizeLocked()) {
		return nil, fmt.Errorf("%w: slice [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, o.sizeLocked())
	}

	child := &Object{
		id:         newID(),
		hier:       o.hier,
		isSlice:    true,
		contiguous: o.contiguous,
		canBlock:   o.canBlock,
		store:      o.store.Retain(),
		base:       o.base + offset,
		size:       length,
		policy:     o.policy,
		name:       o.name,
		parent:     o,
		refs:       1,
	}
	o.children = append(o.children, child)
	register(child)
	return child, nil
}

// NewChildReference creates a child viewing this object's entire store.
// References let several logical objects share one store without being
// parent and child in the copy-on-write sense. offset and length exist
// to mirror the child-creation surface and must both be zero.
//
// A resizable reference needs a resizable target; it resizes the shared
// store, and every sharer observes the new size.
func (o *Object) NewChildReference(resizable bool, offset, length uint64) (*Object, error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return nil, err
	}
	if o.isSlice || o.contiguous {
		return nil, fmt.Errorf("%w: reference to a slice or contiguous object", ErrNotSupported)
	}
	if offset != 0 || length != 0 {
		return nil, fmt.Errorf("%w: a reference always spans the whole store", ErrInvalidArgs)
	}
	if resizable && !o.resizable {
		return nil, fmt.Errorf("%w: resizable reference to a non-resizable object", ErrNotSupported)
	}

	// The backlink owner tracks reference siblings for the store; if the
	// parent is itself a reference that is the parent's owner, not the
	// parent. A reference promoted to owner at its target's destruction
	// has no owner of its own and tracks siblings itself.
	ownerObj := o
	if o.isReference && o.owner != nil {
		ownerObj = o.owner
	}

	child := &Object{
		id:          newID(),
		hier:        o.hier,
		isReference: true,
		resizable:   resizable,
		canBlock:    o.canBlock,
		store:       o.store.Retain(),
		policy:      o.policy,
		name:        o.name,
		parent:      o,
		owner:       ownerObj,
		refs:        1,
	}
	ownerObj.refSiblings = append(ownerObj.refSiblings, child)
	o.children = append(o.children, child)
	register(child)
	return child, nil
}
