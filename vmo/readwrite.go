package vmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/store"
)

// CopyFunc copies between one page of the object and the caller's
// buffer. page is the in-page span to copy from or into; bufOffset is
// where that span sits relative to the start of the whole transfer.
// Returning a *PageFault makes the engine resolve the fault with the
// lock dropped and retry the same span; any other error aborts.
type CopyFunc func(page []byte, bufOffset uint64) error

// PageFault reports that a CopyFunc could not access the caller's
// buffer at Addr. It is resolved through the operation's FaultResolver,
// the stand-in for the address-space fault handler.
type PageFault struct {
	Addr uintptr
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("vmo: page fault at %#x", f.Addr)
}

// FaultResolver resolves a single faulting buffer address. Called with
// no locks held; the engine retries the faulted span afterwards.
type FaultResolver func(ctx context.Context, addr uintptr) error

// readWriteInternal is the generic copy engine behind Read, Write, and
// partial-page zeroing. It walks the range page by page through a store
// cursor, waiting (lock dropped) whenever a page cannot be produced
// synchronously, resolving CopyFunc faults as a separate retry class,
// and yielding the lock to contended waiters at a fixed page interval.
func (o *Object) readWriteInternal(ctx context.Context, offset, length uint64, write, trimAllowed bool, resolve FaultResolver, fn CopyFunc) (err error) {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if err := o.requireUsableLocked(); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if align.AddOverflows(offset, length) {
		return fmt.Errorf("%w: range [%d, +%d) overflows", ErrOutOfRange, offset, length)
	}
	end := offset + length
	size := o.sizeLocked()
	if end > size {
		if !trimAllowed {
			return fmt.Errorf("%w: range [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, size)
		}
		end = size
		if offset > end {
			offset = end
		}
	}

	var req pagesource.Request
	defer req.Cancel()

	cur := offset
	defer func() {
		if err == nil && write && cur > offset {
			o.markModifiedLocked()
		}
	}()

	// The cursor dies whenever the lock is dropped; revalidate rebuilds
	// it (and re-trims) after every wait, fault, or yield.
	var cursor *store.Cursor
	revalidate := func() error {
		cursor = nil
		size := o.sizeLocked()
		if end > size {
			if !trimAllowed {
				return fmt.Errorf("%w: object shrank below the transfer during wait", ErrOutOfRange)
			}
			end = size
		}
		return nil
	}

	pagesSinceYield := 0
	for cur < end {
		if pagesSinceYield >= yieldInterval && o.hier.contended() {
			o.hier.yield()
			pagesSinceYield = 0
			if err := revalidate(); err != nil {
				return err
			}
			continue
		}

		if cursor == nil {
			runStart := align.RoundDownPage(cur)
			c, cerr := o.store.Cursor(o.base+runStart, align.RoundDownPage(end-1)+align.PageSize-runStart)
			if cerr != nil {
				return wrapStore(cerr)
			}
			cursor = c
		}

		// Writes bound how many pages a single wait may request; reads
		// wait for everything still missing.
		maxWait := align.PageCount(align.RoundDownPage(end-1) + align.PageSize - align.RoundDownPage(cur))
		if write && maxWait > maxWriteWaitPages {
			maxWait = maxWriteWaitPages
		}
		_, page, serr := cursor.RequirePage(write, maxWait, &req)
		if serr != nil {
			if !errors.Is(serr, store.ErrShouldWait) {
				return wrapStore(serr)
			}
			if werr := o.wait(ctx, &req); werr != nil {
				return werr
			}
			if err := revalidate(); err != nil {
				return err
			}
			continue
		}

		pageOff := cur & align.PageMask
		chunk := uint64(align.PageSize) - pageOff
		if chunk > end-cur {
			chunk = end - cur
		}
		if cerr := fn(page[pageOff:pageOff+chunk], cur-offset); cerr != nil {
			var fault *PageFault
			if !errors.As(cerr, &fault) || resolve == nil {
				return cerr
			}
			// A buffer fault is not a missing store page: resolve it
			// with the lock dropped, then retry the same span.
			o.hier.unlock()
			ferr := resolve(ctx, fault.Addr)
			o.hier.lock()
			if ferr != nil {
				return fmt.Errorf("vmo: resolving fault at %#x: %w", fault.Addr, ferr)
			}
			if err := revalidate(); err != nil {
				return err
			}
			continue
		}
		cur += chunk
		pagesSinceYield++
	}
	return nil
}

// Read copies length bytes starting at offset into buf. The range must
// lie entirely within the object.
func (o *Object) Read(ctx context.Context, offset uint64, buf []byte) error {
	return o.readWriteInternal(ctx, offset, uint64(len(buf)), false, false, nil,
		func(page []byte, bufOffset uint64) error {
			copy(buf[bufOffset:], page)
			return nil
		})
}

// Write copies buf into the object starting at offset. The range must
// lie entirely within the object. Shared copy-on-write pages are
// privately materialized before the bytes land.
func (o *Object) Write(ctx context.Context, offset uint64, buf []byte) error {
	return o.readWriteInternal(ctx, offset, uint64(len(buf)), true, false, nil,
		func(page []byte, bufOffset uint64) error {
			copy(page, buf[bufOffset:bufOffset+uint64(len(page))])
			return nil
		})
}

// ReadFunc reads through a caller-supplied copy callback, with faults in
// the caller's buffer resolved through resolve. This is the entry point
// a user-copy path uses.
func (o *Object) ReadFunc(ctx context.Context, offset, length uint64, resolve FaultResolver, fn CopyFunc) error {
	return o.readWriteInternal(ctx, offset, length, false, false, resolve, fn)
}

// WriteFunc writes through a caller-supplied copy callback, with faults
// in the caller's buffer resolved through resolve.
func (o *Object) WriteFunc(ctx context.Context, offset, length uint64, resolve FaultResolver, fn CopyFunc) error {
	return o.readWriteInternal(ctx, offset, length, true, false, resolve, fn)
}
