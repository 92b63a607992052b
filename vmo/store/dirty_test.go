package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
)

func TestPrepareForWriteNoTracking(t *testing.T) {
	alloc := testAlloc(t, 4)
	s := anonStore(t, alloc, 2)
	defer s.Release()

	var req pagesource.Request
	n, err := s.PrepareForWrite(0, 2*pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, 2*pageSize, n, "untracked stores are always writable")
}

func TestPrepareForWriteDirtyProtocol(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, pager := pagerStore(t, alloc, 2, true)
	defer s.Release()
	supplyRange(t, s, alloc, 0, 2*pageSize, 0x01)

	// Supplied pages start clean: the pager must acknowledge the dirty
	// transition before writes proceed.
	var req pagesource.Request
	n, err := s.PrepareForWrite(0, 2*pageSize, &req)
	require.ErrorIs(t, err, ErrShouldWait)
	require.Zero(t, n)
	pr := nextPagerRequest(t, pager)
	require.Equal(t, pagesource.DirtyRequest, pr.Type)
	require.Zero(t, pr.Offset)
	require.EqualValues(t, 2*pageSize, pr.Length)

	// The pager acknowledges via DirtyPages, which completes the armed
	// request.
	var allocList []*phys.Frame
	require.NoError(t, s.DirtyPages(0, 2*pageSize, &allocList, &req))
	require.Empty(t, allocList, "resident pages need no new frames")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx))

	n, err = s.PrepareForWrite(0, 2*pageSize, &req)
	require.NoError(t, err)
	require.EqualValues(t, 2*pageSize, n)
}

func TestPrepareForWriteRequiresResident(t *testing.T) {
	alloc := testAlloc(t, 4)
	s, _ := pagerStore(t, alloc, 2, true)
	defer s.Release()

	var req pagesource.Request
	_, err := s.PrepareForWrite(0, pageSize, &req)
	require.ErrorIs(t, err, ErrBadState)
}

func TestDirtyPagesAllocatesAbsent(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, _ := pagerStore(t, alloc, 4, true)
	defer s.Release()
	supplyRange(t, s, alloc, 0, pageSize, 0x02)

	// Pages 1..3 are absent; the transition materializes them as dirty
	// zero pages, drawing frames through the caller's allocation list.
	var allocList []*phys.Frame
	var req pagesource.Request
	require.NoError(t, s.DirtyPages(0, 4*pageSize, &allocList, &req))
	require.Empty(t, allocList, "every drawn frame must be consumed")
	require.EqualValues(t, 4*pageSize, s.AttributedMemory(0, 4*pageSize))

	var runs []uint64
	require.NoError(t, s.EnumerateDirtyRanges(0, 4*pageSize, func(off, length uint64) bool {
		runs = append(runs, off, length)
		return true
	}))
	require.Equal(t, []uint64{0, 4 * pageSize}, runs, "the whole range is one dirty run")
}

func TestDirtyPagesRejectsUntracked(t *testing.T) {
	alloc := testAlloc(t, 4)
	s := anonStore(t, alloc, 2)
	defer s.Release()

	var allocList []*phys.Frame
	var req pagesource.Request
	require.ErrorIs(t, s.DirtyPages(0, pageSize, &allocList, &req), ErrNotSupported)
	require.ErrorIs(t, s.EnumerateDirtyRanges(0, pageSize, func(uint64, uint64) bool { return true }),
		ErrNotSupported)
}

func TestWritebackCycle(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, _ := pagerStore(t, alloc, 4, true)
	defer s.Release()

	var allocList []*phys.Frame
	var req pagesource.Request
	require.NoError(t, s.DirtyPages(0, 2*pageSize, &allocList, &req))

	require.NoError(t, s.WritebackBegin(0, 2*pageSize))
	// AwaitingClean pages still count as dirty and still block writes.
	var runs int
	require.NoError(t, s.EnumerateDirtyRanges(0, 2*pageSize, func(uint64, uint64) bool {
		runs++
		return true
	}))
	require.Equal(t, 1, runs)
	_, err := s.PrepareForWrite(0, pageSize, &req)
	require.ErrorIs(t, err, ErrShouldWait, "awaiting-clean pages need re-acknowledgement")
	req.Cancel()

	require.NoError(t, s.WritebackEnd(0, 2*pageSize))
	runs = 0
	require.NoError(t, s.EnumerateDirtyRanges(0, 2*pageSize, func(uint64, uint64) bool {
		runs++
		return true
	}))
	require.Zero(t, runs, "writeback leaves the range clean")
}

func TestWritebackKeepsRedirtiedPages(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, _ := pagerStore(t, alloc, 2, true)
	defer s.Release()

	var allocList []*phys.Frame
	var req pagesource.Request
	require.NoError(t, s.DirtyPages(0, 2*pageSize, &allocList, &req))
	require.NoError(t, s.WritebackBegin(0, 2*pageSize))

	// Page 0 is dirtied again mid-writeback; WritebackEnd must not
	// clean it.
	require.NoError(t, s.DirtyPages(0, pageSize, &allocList, &req))
	require.NoError(t, s.WritebackEnd(0, 2*pageSize))

	var runs []uint64
	require.NoError(t, s.EnumerateDirtyRanges(0, 2*pageSize, func(off, length uint64) bool {
		runs = append(runs, off, length)
		return true
	}))
	require.Equal(t, []uint64{0, pageSize}, runs)
}

func TestEnumerateDirtyRangesSplitsRuns(t *testing.T) {
	alloc := testAlloc(t, 8)
	s, _ := pagerStore(t, alloc, 5, true)
	defer s.Release()

	var allocList []*phys.Frame
	var req pagesource.Request
	require.NoError(t, s.DirtyPages(0, pageSize, &allocList, &req))
	require.NoError(t, s.DirtyPages(2*pageSize, 2*pageSize, &allocList, &req))

	var runs []uint64
	require.NoError(t, s.EnumerateDirtyRanges(0, 5*pageSize, func(off, length uint64) bool {
		runs = append(runs, off, length)
		return true
	}))
	require.Equal(t, []uint64{0, pageSize, 2 * pageSize, 2 * pageSize}, runs)
}
