package vmo

import (
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/store"
)

var (
	// ErrInvalidArgs reports misaligned offsets or sizes, incompatible
	// option combinations, or a zero-length pin.
	ErrInvalidArgs = errors.New("vmo: invalid args")

	// ErrOutOfRange reports a range exceeding the object's current size
	// or the maximum object size.
	ErrOutOfRange = errors.New("vmo: out of range")

	// ErrNotSupported reports an operation invalid for the object's
	// kind, like cloning a contiguous object.
	ErrNotSupported = errors.New("vmo: not supported")

	// ErrBadState reports an operation whose preconditions the object's
	// current state violates.
	ErrBadState = errors.New("vmo: bad state")

	// ErrNoMemory reports allocation failure.
	ErrNoMemory = errors.New("vmo: no memory")

	// ErrUnavailable reports resize of a non-resizable object.
	ErrUnavailable = errors.New("vmo: unavailable")

	// ErrTimedOut reports a page-request wait that exceeded
	// pagesource.WaitTimeout.
	ErrTimedOut = pagesource.ErrTimedOut
)

// wrapStore translates a store-layer error into this package's taxonomy,
// keeping the store's message as context. ErrShouldWait must never reach
// here; the retry loops consume it.
func wrapStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNoMemory):
		return fmt.Errorf("%w: %s", ErrNoMemory, err)
	case errors.Is(err, store.ErrOutOfRange):
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	case errors.Is(err, store.ErrBadState):
		return fmt.Errorf("%w: %s", ErrBadState, err)
	case errors.Is(err, store.ErrNotSupported):
		return fmt.Errorf("%w: %s", ErrNotSupported, err)
	default:
		return err
	}
}
