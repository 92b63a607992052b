package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

func TestCommitRangeAnonymous(t *testing.T) {
	alloc := testAlloc(t, 8)
	s := anonStore(t, alloc, 4)
	defer s.Release()

	var req pagesource.Request
	n, err := s.CommitRange(0, 4*pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, 4*pageSize, n)
	require.EqualValues(t, 4*pageSize, s.AttributedMemory(0, 4*pageSize))
	assert.Equal(t, byte(0), pageByte(t, s, 0), "fresh pages read zero")

	// Committing again is a no-op.
	n, err = s.CommitRange(0, 4*pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, 4*pageSize, n)
}

func TestCommitRangeDelayedAllocation(t *testing.T) {
	alloc := testAlloc(t, 2)
	s := anonStore(t, alloc, 2)
	defer s.Release()

	// Hold both frames so the commit cannot proceed.
	held, err := alloc.AllocN(2, false)
	require.NoError(t, err)

	var req pagesource.Request
	n, err := s.CommitRange(0, 2*pageSize, &req)
	require.ErrorIs(t, err, ErrShouldWait)
	require.Zero(t, n)
	require.True(t, req.Active(), "the alloc request must be armed")
	require.Equal(t, pagesource.AllocRequest, req.RequestType())

	// Freeing the held frames fires the allocator waiter, which
	// completes the request and unblocks the retry.
	for _, f := range held {
		alloc.Free(f)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx))

	n, err = s.CommitRange(0, 2*pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, 2*pageSize, n)
}

func TestCommitRangePagerBacked(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, pager := pagerStore(t, alloc, 4, true)
	defer s.Release()

	var req pagesource.Request
	n, err := s.CommitRange(0, 2*pageSize, &req)
	require.ErrorIs(t, err, ErrShouldWait)
	require.Zero(t, n)

	pr := nextPagerRequest(t, pager)
	require.Equal(t, pagesource.ReadRequest, pr.Type)
	require.Zero(t, pr.Offset)
	require.EqualValues(t, 2*pageSize, pr.Length)

	supplyRange(t, s, alloc, pr.Offset, pr.Length, 0x5a)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx), "supply must complete the read request")

	n, err = s.CommitRange(0, 2*pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, 2*pageSize, n)
	assert.Equal(t, byte(0x5a), pageByte(t, s, 0))
	assert.Equal(t, byte(0x5a), pageByte(t, s, 1))
}

func TestCommitRangePartialSupply(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, pager := pagerStore(t, alloc, 4, true)
	defer s.Release()

	var req pagesource.Request
	_, err := s.CommitRange(0, 4*pageSize, &req)
	require.ErrorIs(t, err, ErrShouldWait)
	nextPagerRequest(t, pager)

	// Supplying only the front pages trims the request; the commit
	// retry makes progress past them and re-arms for the rest.
	supplyRange(t, s, alloc, 0, 2*pageSize, 0x10)
	require.True(t, req.Active(), "half-supplied request stays armed")

	n, err := s.CommitRange(0, 4*pageSize, &req)
	require.ErrorIs(t, err, ErrShouldWait)
	require.EqualValues(t, 2*pageSize, n, "supplied prefix commits before the next wait")
}

func TestPinRange(t *testing.T) {
	alloc := testAlloc(t, 4)
	s := anonStore(t, alloc, 4)
	defer s.Release()

	var req pagesource.Request
	_, err := s.CommitRange(0, 2*pageSize, &req)
	require.NoError(t, err)

	require.NoError(t, s.PinRange(0, 2*pageSize))
	require.EqualValues(t, 2, s.PinnedPages())
	require.True(t, s.PinnedInRange(0, 2*pageSize))

	require.ErrorIs(t, s.DecommitRange(0, 2*pageSize), ErrBadState,
		"pinned pages must refuse decommit")

	require.NoError(t, s.Unpin(0, 2*pageSize))
	require.Zero(t, s.PinnedPages())
	require.NoError(t, s.DecommitRange(0, 2*pageSize))
	require.Zero(t, s.AttributedMemory(0, 2*pageSize))
}

func TestPinRangeRequiresResident(t *testing.T) {
	alloc := testAlloc(t, 4)
	s := anonStore(t, alloc, 4)
	defer s.Release()

	require.ErrorIs(t, s.PinRange(0, pageSize), ErrBadState)
	require.Zero(t, s.PinnedPages())
}

func TestUnpinValidatesWholeRange(t *testing.T) {
	alloc := testAlloc(t, 4)
	s := anonStore(t, alloc, 4)
	defer s.Release()

	var req pagesource.Request
	_, err := s.CommitRange(0, 3*pageSize, &req)
	require.NoError(t, err)
	require.NoError(t, s.PinRange(0, 2*pageSize))

	// Page 2 is committed but unpinned; the whole unpin must fail
	// without touching pages 0 and 1.
	require.ErrorIs(t, s.Unpin(0, 3*pageSize), ErrBadState)
	require.EqualValues(t, 2, s.PinnedPages(), "failed unpin must not drop any pin")

	require.NoError(t, s.Unpin(0, 2*pageSize))
	require.Zero(t, s.PinnedPages())
}

func TestPinCopiesSharedFrames(t *testing.T) {
	alloc := testAlloc(t, 8)
	s := anonStore(t, alloc, 2)
	defer s.Release()
	fillPage(t, s, 0, 0xab)

	child, err := s.Fork(SnapshotFull, 0, 2*pageSize, false)
	require.NoError(t, err)
	defer child.Release()
	require.Equal(t, byte(0xab), pageByte(t, child, 0), "fork shares parent content")

	require.NoError(t, s.PinRange(0, pageSize))

	// The pin forced an exclusive copy; writing the parent's frame must
	// not show through to the child.
	pf, _ := s.lookupContent(0)
	cf, _ := child.lookupContent(0)
	require.NotSame(t, pf, cf, "pinned frame must be exclusively owned")
	pf.Bytes()[0] = 0xcd
	assert.Equal(t, byte(0xab), pageByte(t, child, 0))

	require.NoError(t, s.Unpin(0, pageSize))
}

func TestPinRefusesLoanedFrames(t *testing.T) {
	alloc := testAlloc(t, 2)

	run, err := alloc.AllocContiguous(1, 0)
	require.NoError(t, err)
	spare, err := alloc.Alloc(false)
	require.NoError(t, err)
	alloc.Loan(run)

	// With owned capacity exhausted, a borrowing alloc hands out the
	// loaned frame.
	borrowed, err := alloc.Alloc(true)
	require.NoError(t, err)
	require.True(t, borrowed.Loaned())

	s := anonStore(t, alloc, 1)
	defer s.Release()
	require.NoError(t, s.AddFrames(0, []*phys.Frame{borrowed}))
	copy(borrowed.Bytes(), []byte{0x77})

	require.ErrorIs(t, s.PinRange(0, pageSize), ErrBadState)

	// Replacing with an owned frame keeps the content and frees the
	// loaned frame back to its provider.
	alloc.Free(spare)
	var req pagesource.Request
	n, err := s.ReplaceWithOwned(0, pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, pageSize, n)
	require.Equal(t, byte(0x77), pageByte(t, s, 0))

	require.NoError(t, s.PinRange(0, pageSize))
	require.NoError(t, s.Unpin(0, pageSize))

	got := alloc.Reclaim(run)
	require.Len(t, got, 1, "the loaned frame must be back in the pool")
}

func TestDecommitSkipsAbsentPages(t *testing.T) {
	alloc := testAlloc(t, 4)
	s := anonStore(t, alloc, 4)
	defer s.Release()
	fillPage(t, s, 1, 0x22)

	require.NoError(t, s.DecommitRange(0, 4*pageSize))
	require.Zero(t, s.AttributedMemory(0, 4*pageSize))
	require.Equal(t, 4, alloc.FreePages())
}
