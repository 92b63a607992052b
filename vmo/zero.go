package vmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/store"
)

// ZeroRange zeroes [offset, offset+length). Whole pages are zeroed at
// the store level, which decommits where absence already reads as zero;
// the unaligned head and tail are byte-level writes into their pages,
// skipped entirely when the page would read as zero anyway.
func (o *Object) ZeroRange(ctx context.Context, offset, length uint64) error {
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
	if end > o.sizeLocked() {
		return fmt.Errorf("%w: zero [%d, +%d) exceeds size %d", ErrOutOfRange, offset, length, o.sizeLocked())
	}

	headEnd, _ := align.RoundUpPage(offset)
	if headEnd > end {
		headEnd = end
	}
	if offset < headEnd {
		if err := o.zeroPartialLocked(ctx, offset, headEnd); err != nil {
			return err
		}
	}
	tailStart := align.RoundDownPage(end)
	if tailStart < headEnd {
		tailStart = headEnd
	}

	// The whole pages in the middle. headEnd is page-aligned here unless
	// the span never leaves its first page, in which case the loop body
	// is unreachable.
	cur := headEnd
	var req pagesource.Request
	defer req.Cancel()
	for cur < tailStart {
		n, err := o.store.ZeroPages(o.base+cur, tailStart-cur, &req)
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
		// Shrinking cannot have invalidated the range: zeroing holds no
		// trim tolerance, so a concurrent resize below end is a failure.
		if end > o.sizeLocked() {
			return fmt.Errorf("%w: object shrank below the zero range during wait", ErrOutOfRange)
		}
	}

	if tailStart < end {
		if err := o.zeroPartialLocked(ctx, tailStart, end); err != nil {
			return err
		}
	}
	o.markModifiedLocked()
	return nil
}

// zeroPartialLocked zeroes a sub-page span with a byte-level write,
// unless the containing page would read as zero without being committed.
func (o *Object) zeroPartialLocked(ctx context.Context, from, to uint64) error {
	if o.store.WouldReadZero(o.base + from) {
		return nil
	}
	// Borrow the copy engine for the materialize-and-memset; it expects
	// the lock dropped.
	o.hier.unlock()
	defer o.hier.lock()
	return o.readWriteInternal(ctx, from, to-from, true, false, nil,
		func(page []byte, _ uint64) error {
			clear(page)
			return nil
		})
}
