package vmo

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
)

// NewClone creates a copy-on-write child over [offset, offset+length) of
// this object. The child starts with the parent's content for that range
// and diverges page by page as either side writes.
//
// Contiguous parents refuse cloning (copy-on-write is undefined for
// physically-contiguous memory) and the parent must be cache-policy
// Cached, since COW aliasing through a non-cached mapping is unsound. A
// clone taken through a slice is unidirectional: it never observes
// parent writes made after the clone.
func (o *Object) NewClone(kind SnapshotKind, offset, length uint64, resizable bool) (*Object, error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return nil, err
	}
	if o.contiguous {
		return nil, fmt.Errorf("%w: clone of a contiguous object", ErrInvalidArgs)
	}
	if o.policy != PolicyCached {
		return nil, fmt.Errorf("%w: clone requires cached policy, have %s", ErrBadState, o.policy)
	}
	if !align.IsPageAligned(offset) || !align.IsPageAligned(length) {
		return nil, fmt.Errorf("%w: unaligned clone range [%d, +%d)", ErrInvalidArgs, offset, length)
	}
	if !align.InRange(offset, length, o.sizeLocked()) {
		return nil, fmt.Errorf("%w: clone [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, o.sizeLocked())
	}

	childStore, err := o.store.Fork(kind, o.base+offset, length, o.isSlice)
	if err != nil {
		return nil, wrapStore(err)
	}
	child := &Object{
		id:        newID(),
		hier:      o.hier,
		resizable: resizable,
		canBlock:  o.canBlock,
		store:     childStore,
		size:      length,
		name:      o.name,
		parent:    o,
		refs:      1,
	}
	childStore.SetClient(child)
	o.children = append(o.children, child)
	register(child)
	return child, nil
}
