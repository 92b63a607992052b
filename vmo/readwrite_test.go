package vmo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/internal/testutil"
	"github.com/joshuapare/vmkit/vmo"
)

func TestReadWriteRoundTrips(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 4, vmo.Options{})

	// Sub-page, exact page, and unaligned page-spanning transfers.
	testutil.RequireRoundTrip(t, ctx, o, 100, testutil.Pattern(1, 17))
	testutil.RequireRoundTrip(t, ctx, o, pageSize, testutil.Pattern(2, int(pageSize)))
	testutil.RequireRoundTrip(t, ctx, o, pageSize-3, testutil.Pattern(3, int(2*pageSize)))
}

func TestReadWriteBounds(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 1, vmo.Options{})

	buf := make([]byte, 2)
	require.ErrorIs(t, o.Read(ctx, pageSize-1, buf), vmo.ErrOutOfRange,
		"reads never trim")
	require.ErrorIs(t, o.Write(ctx, pageSize, buf), vmo.ErrOutOfRange,
		"writes never trim")
	require.NoError(t, o.Read(ctx, pageSize, nil), "zero-length transfer at the end")
}

func TestWriteSetsModified(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 1, vmo.Options{})

	require.NoError(t, o.Read(ctx, 0, make([]byte, 8)))
	require.False(t, o.Modified(), "reads do not mark the object modified")
	require.NoError(t, o.Write(ctx, 0, []byte{1}))
	require.True(t, o.Modified())
}

func TestReadBlocksOnPager(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	p := testutil.NewPager(t, alloc, 3, 0x5a)

	// Nothing is resident; the read must wait for the pager to supply.
	got := make([]byte, 3*pageSize)
	require.NoError(t, p.Object.Read(ctx, 0, got))
	for i, b := range got {
		if b != 0x5a {
			t.Fatalf("byte %d read %#x, want %#x from the pager", i, b, 0x5a)
		}
	}
}

func TestWriteBlocksOnPagerDirtyProtocol(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	p := testutil.NewPager(t, alloc, 2, 0x00)

	// A write first faults the pages in, then runs the dirty handshake;
	// the service goroutine acknowledges both.
	data := testutil.Pattern(4, int(pageSize)+32)
	testutil.RequireRoundTrip(t, ctx, p.Object, pageSize/2, data)

	var dirty int
	require.NoError(t, p.Object.EnumerateDirtyRanges(0, 2*pageSize, func(offset, length uint64) bool {
		dirty++
		return true
	}))
	require.NotZero(t, dirty, "the write must have dirtied pages")
}

func TestReadFuncResolvesFaults(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 2, vmo.Options{})

	want := testutil.Pattern(6, int(pageSize))
	require.NoError(t, o.Write(ctx, 0, want))

	// The first copy attempt faults; the resolver "maps" the buffer and
	// the engine retries the same span.
	const faultAddr = uintptr(0xdead000)
	var resolved bool
	var faults int
	got := make([]byte, pageSize)
	err := o.ReadFunc(ctx, 0, pageSize,
		func(ctx context.Context, addr uintptr) error {
			require.Equal(t, faultAddr, addr)
			resolved = true
			return nil
		},
		func(page []byte, bufOffset uint64) error {
			if !resolved {
				faults++
				return &vmo.PageFault{Addr: faultAddr}
			}
			copy(got[bufOffset:], page)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, faults, "the span is retried, not re-faulted")
	require.Equal(t, want, got)
}

func TestWriteFuncFaultAbortsWithoutResolver(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 1, vmo.Options{})

	fault := &vmo.PageFault{Addr: 0x1000}
	err := o.WriteFunc(ctx, 0, 16, nil, func(page []byte, bufOffset uint64) error {
		return fault
	})
	require.ErrorIs(t, err, fault, "an unresolvable fault surfaces to the caller")
}

func TestReadAfterDestroy(t *testing.T) {
	alloc := testutil.NewAllocator(t, 4)
	ctx := testutil.Ctx(t)
	o, err := vmo.NewAnonymous(alloc, pageSize, vmo.Options{})
	require.NoError(t, err)
	o.Destroy()

	require.ErrorIs(t, o.Read(ctx, 0, make([]byte, 1)), vmo.ErrBadState)
	require.ErrorIs(t, o.Write(ctx, 0, []byte{1}), vmo.ErrBadState)
}
