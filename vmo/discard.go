package vmo

import "fmt"

// LockRange pins down a discardable object's content against discard.
// The range must span the whole object. The return reports whether the
// content was discarded since the last lock, in which case the caller
// must treat the object as newly zero.
//
// Locks nest; the object becomes reclaimable again when every lock has
// been released with UnlockRange.
func (o *Object) LockRange(offset, length uint64) (discarded bool, err error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.lockRangeCheckLocked(offset, length); err != nil {
		return false, err
	}
	o.lockCount++
	discarded = o.discarded
	o.discarded = false
	return discarded, nil
}

// TryLockRange is LockRange that refuses instead of resetting when the
// content was discarded: the caller keeps its assumption that the
// content is intact or gets ErrUnavailable.
func (o *Object) TryLockRange(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.lockRangeCheckLocked(offset, length); err != nil {
		return err
	}
	if o.discarded && o.lockCount == 0 {
		return fmt.Errorf("%w: content was discarded", ErrUnavailable)
	}
	o.lockCount++
	return nil
}

// UnlockRange releases one LockRange. The range must again span the
// whole object; unlocking an unlocked object is ErrBadState.
func (o *Object) UnlockRange(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.lockRangeCheckLocked(offset, length); err != nil {
		return err
	}
	if o.lockCount == 0 {
		return fmt.Errorf("%w: object is not locked", ErrBadState)
	}
	o.lockCount--
	return nil
}

func (o *Object) lockRangeCheckLocked(offset, length uint64) error {
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if !o.discardable {
		return fmt.Errorf("%w: object is not discardable", ErrNotSupported)
	}
	if offset != 0 || length != o.sizeLocked() {
		return fmt.Errorf("%w: discard locks span the whole object", ErrInvalidArgs)
	}
	return nil
}

// Discard drops an unlocked discardable object's pages, reporting the
// bytes reclaimed. A locked (or non-discardable) object refuses. The
// next LockRange observes the discard.
func (o *Object) Discard() (uint64, error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return 0, err
	}
	if !o.discardable {
		return 0, fmt.Errorf("%w: object is not discardable", ErrNotSupported)
	}
	if o.lockCount != 0 {
		return 0, fmt.Errorf("%w: object is locked", ErrBadState)
	}
	reclaimed := o.store.AttributedMemory(o.base, o.sizeLocked())
	if reclaimed == 0 {
		return 0, nil
	}
	if err := o.store.DecommitRange(o.base, o.sizeLocked()); err != nil {
		return 0, wrapStore(err)
	}
	o.discarded = true
	return reclaimed, nil
}
