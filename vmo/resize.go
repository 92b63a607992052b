package vmo

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
)

// Resize changes the object's size. Only resizable objects support it;
// newSize is rounded up to a page boundary. Shrinking decommits every
// page past the new size and refuses if any of them is pinned. Resizing
// a resizable reference resizes the shared store, so every sharer sees
// the change.
func (o *Object) Resize(newSize uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if !o.resizable {
		return fmt.Errorf("%w: object is not resizable", ErrUnavailable)
	}
	rounded, ok := align.RoundUpPage(newSize)
	if !ok || rounded > align.MaxSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrOutOfRange, newSize, align.MaxSize)
	}
	if err := o.store.Resize(rounded); err != nil {
		return wrapStore(err)
	}
	if !o.isReference {
		o.size = rounded
	}
	return nil
}
