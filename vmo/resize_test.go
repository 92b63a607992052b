package vmo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/internal/testutil"
	"github.com/joshuapare/vmkit/vmo"
)

func TestResizeGrowReadsZero(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 1, vmo.Options{Resizable: true})

	require.NoError(t, o.Resize(3*pageSize))
	require.EqualValues(t, 3*pageSize, o.Size())
	buf := make([]byte, pageSize)
	buf[0] = 0xff
	require.NoError(t, o.Read(ctx, 2*pageSize, buf))
	require.Zero(t, buf[0], "grown range reads zero")
}

func TestResizeRoundsUp(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	o := testutil.NewAnonymous(t, alloc, 1, vmo.Options{Resizable: true})

	require.NoError(t, o.Resize(pageSize+1))
	require.EqualValues(t, 2*pageSize, o.Size())
}

func TestResizeShrinkDecommits(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 3, vmo.Options{Resizable: true})

	require.NoError(t, o.CommitRange(ctx, 0, 3*pageSize))
	require.NoError(t, o.Resize(pageSize))
	require.EqualValues(t, pageSize, o.AttributedMemory(0, pageSize),
		"only the surviving page stays committed")

	// Content past the new size is gone even after growing back.
	require.NoError(t, o.Resize(3*pageSize))
	require.Zero(t, o.AttributedMemory(pageSize, 2*pageSize))
}

func TestResizeToZeroThenCommit(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 1, vmo.Options{Resizable: true})

	require.NoError(t, o.Resize(0))
	require.Zero(t, o.Size())
	require.NoError(t, o.CommitRange(ctx, 0, pageSize),
		"commit trims to the empty object and succeeds")
	require.Zero(t, o.AttributedMemory(0, pageSize))
}

func TestResizeRefusals(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)

	fixed := testutil.NewAnonymous(t, alloc, 1, vmo.Options{})
	require.ErrorIs(t, fixed.Resize(2*pageSize), vmo.ErrUnavailable)

	o := testutil.NewAnonymous(t, alloc, 2, vmo.Options{Resizable: true})
	require.ErrorIs(t, o.Resize(1<<48), vmo.ErrOutOfRange)

	// Pinned pages block truncation below them.
	require.NoError(t, o.Pin(ctx, pageSize, pageSize))
	require.ErrorIs(t, o.Resize(pageSize), vmo.ErrBadState)
	require.NoError(t, o.Unpin(pageSize, pageSize))
	require.NoError(t, o.Resize(pageSize))
}

func TestResizableReferencePropagates(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	target := testutil.NewAnonymous(t, alloc, 2, vmo.Options{Resizable: true})

	ref, err := target.NewChildReference(true, 0, 0)
	require.NoError(t, err)
	t.Cleanup(ref.Destroy)

	require.NoError(t, ref.Resize(4*pageSize))
	require.EqualValues(t, 4*pageSize, target.Size(),
		"resizing a reference resizes the shared store")
	require.EqualValues(t, 4*pageSize, ref.Size())

	require.NoError(t, target.Resize(pageSize))
	require.EqualValues(t, pageSize, ref.Size(),
		"references always observe the target's size")
}
