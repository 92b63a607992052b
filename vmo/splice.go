package vmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/store"
)

// TakePages moves the pages of the page-aligned range out of the object
// into list, leaving the range decommitted. Contiguous objects refuse;
// their pages are not pager-managed. Pinned pages in the range fail the
// whole operation.
func (o *Object) TakePages(ctx context.Context, offset, length uint64, list *store.SpliceList) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if o.contiguous {
		return fmt.Errorf("%w: page transfer out of a contiguous object", ErrNotSupported)
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}

	var req pagesource.Request
	defer req.Cancel()
	cur := offset
	end := offset + length
	for cur < end {
		n, err := o.store.TakePages(o.base+cur, end-cur, list, &req)
		cur += n
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrShouldWait) {
			return wrapStore(err)
		}
		if werr := o.wait(ctx, &req); werr != nil {
			return werr
		}
		if !o.rangeStillValidLocked(offset, length) {
			return fmt.Errorf("%w: object shrank below the transfer during wait", ErrOutOfRange)
		}
	}
	return nil
}

// SupplyPages inserts pages from list into the absent slots of the
// page-aligned range. Already-resident slots consume and discard their
// entry. This is how a pager resolves read requests, so completing a
// supply releases any reader waiting on the range.
func (o *Object) SupplyPages(ctx context.Context, offset, length uint64, list *store.SpliceList) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if o.contiguous {
		return fmt.Errorf("%w: page transfer into a contiguous object", ErrNotSupported)
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}

	var req pagesource.Request
	defer req.Cancel()
	cur := offset
	end := offset + length
	for cur < end {
		n, err := o.store.SupplyPages(o.base+cur, end-cur, list, &req)
		cur += n
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrShouldWait) {
			return wrapStore(err)
		}
		if werr := o.wait(ctx, &req); werr != nil {
			return werr
		}
		if !o.rangeStillValidLocked(offset, length) {
			return fmt.Errorf("%w: object shrank below the supply during wait", ErrOutOfRange)
		}
	}
	return nil
}

// FailPageRequests fails every outstanding page request overlapping the
// range with ErrNoMemory, the pager's way of reporting it cannot supply
// the content.
func (o *Object) FailPageRequests(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if !o.store.HasPagerSource() {
		return fmt.Errorf("%w: object has no pager", ErrNotSupported)
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	o.store.FailPages(o.base+offset, length, ErrNoMemory)
	return nil
}
