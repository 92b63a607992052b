package vmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
	"github.com/joshuapare/vmkit/vmo/store"
)

// DirtyPages transitions every page of the page-aligned range to dirty,
// committing absent pages as dirty zero pages. This is the pager's
// acknowledgement side of the dirty protocol: it both performs the
// transition and releases writers waiting on it.
//
// Frames allocated for absent pages are kept on a free list across
// retries so each pass makes forward progress instead of re-fighting the
// allocator for the same frames.
func (o *Object) DirtyPages(ctx context.Context, offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	if !o.store.DirtyTracked() {
		return fmt.Errorf("%w: object does not track dirty state", ErrNotSupported)
	}

	var req pagesource.Request
	defer req.Cancel()
	var allocList []*phys.Frame
	defer func() {
		// Whatever a failed retry left unconsumed goes back.
		for _, f := range allocList {
			o.store.FreeFrame(f)
		}
	}()

	for {
		err := o.store.DirtyPages(o.base+offset, length, &allocList, &req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrShouldWait) {
			return wrapStore(err)
		}
		if werr := o.wait(ctx, &req); werr != nil {
			return werr
		}
		if !o.rangeStillValidLocked(offset, length) {
			return fmt.Errorf("%w: object shrank below the dirty range during wait", ErrOutOfRange)
		}
	}
}

func (o *Object) rangeStillValidLocked(offset, length uint64) bool {
	return offset+length <= o.sizeLocked()
}

// EnumerateDirtyRanges reports maximal dirty runs inside the page-
// aligned range, in ascending order, for pager writeback. fn returning
// false stops the walk.
func (o *Object) EnumerateDirtyRanges(offset, length uint64, fn func(offset, length uint64) bool) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	return wrapStore(o.store.EnumerateDirtyRanges(o.base+offset, length, func(storeOff, runLen uint64) bool {
		return fn(storeOff-o.base, runLen)
	}))
}

// WritebackBegin marks dirty pages in the range as under writeback.
// Pages written again before WritebackEnd stay dirty.
func (o *Object) WritebackBegin(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	return wrapStore(o.store.WritebackBegin(o.base+offset, length))
}

// WritebackEnd completes a writeback begun with WritebackBegin; pages
// not re-dirtied in between become clean.
func (o *Object) WritebackEnd(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	return wrapStore(o.store.WritebackEnd(o.base+offset, length))
}
