package phys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/internal/align"
)

func newTestAllocator(t *testing.T, capacityPages int) *Allocator {
	t.Helper()
	a := NewAllocator(Options{CapacityPages: capacityPages})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAlloc_ReturnsZeroedFrames(t *testing.T) {
	a := newTestAllocator(t, 0)

	f, err := a.Alloc(false)
	require.NoError(t, err)
	require.Len(t, f.Bytes(), align.PageSize)

	// Dirty the frame, free it, and allocate again: the pool must hand
	// back zeroed memory regardless of reuse.
	f.Bytes()[0] = 0xAB
	a.Free(f)

	g, err := a.Alloc(false)
	require.NoError(t, err)
	assert.Equal(t, byte(0), g.Bytes()[0], "reused frame must be zeroed")
}

func TestAlloc_CapacityExhaustion(t *testing.T) {
	a := newTestAllocator(t, 2)

	f1, err := a.Alloc(false)
	require.NoError(t, err)
	f2, err := a.Alloc(false)
	require.NoError(t, err)

	_, err = a.Alloc(false)
	require.ErrorIs(t, err, ErrNoMemory, "third page must exceed the 2-page cap")

	a.Free(f1)
	_, err = a.Alloc(false)
	assert.NoError(t, err, "freed capacity must be reusable")
	_ = f2
}

func TestAllocN_AllOrNothing(t *testing.T) {
	a := newTestAllocator(t, 3)

	_, err := a.AllocN(4, false)
	require.ErrorIs(t, err, ErrNoMemory)

	// The failed AllocN must have rolled its partial progress back.
	frames, err := a.AllocN(3, false)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
}

func TestNotifyAvailable(t *testing.T) {
	a := newTestAllocator(t, 1)

	f, err := a.Alloc(false)
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	cancel := a.NotifyAvailable(1, func() { fired <- struct{}{} })
	defer cancel()

	select {
	case <-fired:
		t.Fatal("waiter fired before any frame was freed")
	default:
	}

	a.Free(f)
	select {
	case <-fired:
	default:
		t.Fatal("waiter did not fire after free")
	}
}

func TestNotifyAvailable_ImmediateWhenFree(t *testing.T) {
	a := newTestAllocator(t, 4)
	ran := false
	cancel := a.NotifyAvailable(2, func() { ran = true })
	defer cancel()
	assert.True(t, ran, "waiter with satisfiable demand runs immediately")
}

func TestAllocContiguous(t *testing.T) {
	a := newTestAllocator(t, 0)

	frames, err := a.AllocContiguous(4, 0)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	base := frames[0].Addr()
	for i, f := range frames {
		assert.Equal(t, base+uintptr(i*align.PageSize), f.Addr(),
			"frame %d must follow frame 0 contiguously", i)
	}
}

func TestAllocContiguous_Alignment(t *testing.T) {
	a := newTestAllocator(t, 0)

	const alignLog2 = 16 // 64 KiB
	frames, err := a.AllocContiguous(2, alignLog2)
	require.NoError(t, err)
	assert.Zero(t, frames[0].Addr()&(1<<alignLog2-1), "run base must be 64 KiB aligned")
}

func TestLoanedFrames(t *testing.T) {
	a := newTestAllocator(t, 2)

	run, err := a.AllocContiguous(2, 0)
	require.NoError(t, err)
	a.Loan(run)

	// The contiguous run consumed the whole owned cap, so only loaned
	// frames remain borrowable.
	f, err := a.Alloc(true)
	require.NoError(t, err)
	assert.True(t, f.Loaned(), "borrowed frame must be marked loaned")

	_, err = a.Alloc(false)
	assert.ErrorIs(t, err, ErrNoMemory, "non-borrowing alloc must not see loaned frames")

	// A borrowed frame is not in the pool, so the provider can only
	// reclaim the other one for now.
	got := a.Reclaim(run)
	assert.Len(t, got, 1, "only the un-borrowed loaned frame is reclaimable")

	// Once the borrower frees it, the remaining frame comes back too.
	a.Free(f)
	got = a.Reclaim(run)
	assert.Len(t, got, 1, "freed loaned frame returns to the pool for reclaim")
}

func TestAdoptWired(t *testing.T) {
	buf := make([]byte, 2*align.PageSize)
	buf[0] = 0x5A
	frames, err := AdoptWired(buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.True(t, frames[0].Wired())
	assert.Equal(t, byte(0x5A), frames[0].Bytes()[0], "adoption must not copy or zero")

	_, err = AdoptWired(buf[:100])
	assert.Error(t, err, "non-page-multiple wired region must be rejected")
}

func TestFrameSharing(t *testing.T) {
	a := newTestAllocator(t, 0)

	f, err := a.Alloc(false)
	require.NoError(t, err)
	assert.False(t, f.Shared())

	f.Share()
	assert.True(t, f.Shared())

	// First Free drops the share; the frame stays live.
	a.Free(f)
	assert.False(t, f.Shared())

	// Second Free actually pools it.
	a.Free(f)
	g, err := a.Alloc(false)
	require.NoError(t, err)
	assert.Same(t, f, g, "frame should be recycled after last unshare")
}
