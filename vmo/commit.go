package vmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/store"
)

// commitRangeInternal is the canonical lock-drop/retry loop: commit (and
// optionally pin and dirty) [offset, offset+length), waiting on the page
// request whenever the store cannot progress without blocking, and
// re-validating against the current size after every wait.
//
// Progress is tracked as monotonic watermarks from the rounded start:
// pages are committed, then de-loaned and pinned, then transitioned
// dirty, each stage strictly behind the previous. Pinning resumes
// exactly at the pinned watermark so an error unwinds by unpinning
// [start, pinnedEnd) and nothing else.
func (o *Object) commitRangeInternal(ctx context.Context, offset, length uint64, pin, write bool) (err error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.requireUsableLocked(); err != nil {
		return err
	}
	if pin && length == 0 {
		// A zero-length pin has no unambiguous unpin pairing later.
		return fmt.Errorf("%w: zero-length pin", ErrInvalidArgs)
	}
	start, end, err := pageRange(offset, length)
	if err != nil {
		return err
	}
	size := o.sizeLocked()
	if pin {
		if end > size {
			return fmt.Errorf("%w: pin [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, size)
		}
	} else if end > size {
		// Commit trims at the tail, but a range beginning past the
		// current size is a hard error. Beginning exactly at the size is
		// the empty trim, a successful no-op.
		if start > size {
			return fmt.Errorf("%w: commit [%d, +%d) begins past size %d", ErrOutOfRange, offset, length, size)
		}
		end = size
	}

	var req pagesource.Request
	defer req.Cancel()

	pinnedEnd := start
	dirtyEnd := start
	cur := start
	defer func() {
		if err != nil && pinnedEnd > start {
			// Unwind exactly what this call pinned.
			o.store.Unpin(o.base+start, pinnedEnd-start)
		}
		if err == nil && write && cur > start {
			o.markModifiedLocked()
		}
	}()

	for cur < end {
		needWait := false

		n, serr := o.store.CommitRange(o.base+cur, end-cur, &req)
		if serr != nil {
			if !errors.Is(serr, store.ErrShouldWait) {
				return wrapStore(serr)
			}
			needWait = true
		}
		limit := cur + n

		if pin {
			if limit > pinnedEnd {
				// Loaned frames cannot be pinned; swap them for owned
				// ones first.
				rn, rerr := o.store.ReplaceWithOwned(o.base+pinnedEnd, limit-pinnedEnd, &req)
				if rerr != nil {
					if !errors.Is(rerr, store.ErrShouldWait) {
						return wrapStore(rerr)
					}
					needWait = true
					limit = pinnedEnd + rn
				}
				if limit > pinnedEnd {
					if perr := o.store.PinRange(o.base+pinnedEnd, limit-pinnedEnd); perr != nil {
						return wrapStore(perr)
					}
					pinnedEnd = limit
				}
			}
			limit = pinnedEnd
		}

		if write && o.store.DirtyTracked() && limit > dirtyEnd {
			// Dirty after pin: the pages cannot move while the possibly
			// blocking dirty transition runs.
			dn, derr := o.store.PrepareForWrite(o.base+dirtyEnd, limit-dirtyEnd, &req)
			dirtyEnd += dn
			if derr != nil {
				if !errors.Is(derr, store.ErrShouldWait) {
					return wrapStore(derr)
				}
				needWait = true
			}
			limit = dirtyEnd
		}

		cur = limit
		if !needWait || cur >= end {
			continue
		}

		if werr := o.wait(ctx, &req); werr != nil {
			return werr
		}
		// The size may have changed while the lock was dropped.
		size = o.sizeLocked()
		if pin {
			if end > size {
				return fmt.Errorf("%w: object shrank below pin range during wait", ErrOutOfRange)
			}
		} else if end > size {
			end = size
		}
	}
	return nil
}

// CommitRange commits every page of [offset, offset+length), rounded out
// to page boundaries and trimmed at the tail to the current size. A range
// beginning past the size fails with ErrOutOfRange. Blocks until the
// pages are resident or ctx is done.
func (o *Object) CommitRange(ctx context.Context, offset, length uint64) error {
	return o.commitRangeInternal(ctx, offset, length, false, false)
}

// PrefetchRange commits the range purely as a read-ahead hint. It is
// commit without pin; absent pages may be satisfied with borrowed
// frames, which a later Pin replaces.
func (o *Object) PrefetchRange(ctx context.Context, offset, length uint64) error {
	return o.commitRangeInternal(ctx, offset, length, false, false)
}

// Pin commits and pins [offset, offset+length) for external use such as
// DMA. All-or-nothing: on error no page remains pinned by this call.
// Every Pin must be matched by exactly one Unpin of the same range.
func (o *Object) Pin(ctx context.Context, offset, length uint64) error {
	return o.commitRangeInternal(ctx, offset, length, true, false)
}

// PinForWrite is Pin for a writer: after pinning, pages on dirty-tracked
// objects are transitioned to dirty so the external writer may modify
// them, and the object is marked modified.
func (o *Object) PinForWrite(ctx context.Context, offset, length uint64) error {
	return o.commitRangeInternal(ctx, offset, length, true, true)
}

// Unpin releases a pin previously taken over exactly this range. The
// range is rounded the same way Pin rounded it; unpinning a range not
// wholly pinned fails with ErrBadState and releases nothing.
func (o *Object) Unpin(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if length == 0 {
		return fmt.Errorf("%w: zero-length unpin", ErrInvalidArgs)
	}
	start, end, err := pageRange(offset, length)
	if err != nil {
		return err
	}
	if end > o.sizeLocked() {
		return fmt.Errorf("%w: unpin [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, o.sizeLocked())
	}
	return wrapStore(o.store.Unpin(o.base+start, end-start))
}

// DecommitRange releases the committed pages of [offset, offset+length).
// The range must be page-aligned; pinned pages refuse the decommit.
// Absent pages of anonymous objects read zero again, pager-backed pages
// are refetched on next use.
func (o *Object) DecommitRange(offset, length uint64) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.checkAlignedRangeLocked(offset, length); err != nil {
		return err
	}
	return wrapStore(o.store.DecommitRange(o.base+offset, length))
}
