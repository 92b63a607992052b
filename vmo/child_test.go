package vmo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/internal/testutil"
	"github.com/joshuapare/vmkit/vmo"
)

func TestSliceSharesPages(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	parent := testutil.NewAnonymous(t, alloc, 4, vmo.Options{Name: "parent"})

	slice, err := parent.NewChildSlice(pageSize, 2*pageSize)
	require.NoError(t, err)
	t.Cleanup(slice.Destroy)
	require.True(t, slice.IsSlice())
	require.EqualValues(t, 2*pageSize, slice.Size())
	require.Equal(t, "parent", slice.Name(), "slices inherit the name")

	// Writes through either view land on the same pages.
	data := testutil.Pattern(11, int(pageSize))
	require.NoError(t, slice.Write(ctx, 0, data))
	got := make([]byte, pageSize)
	require.NoError(t, parent.Read(ctx, pageSize, got))
	require.Equal(t, data, got, "slice writes are visible through the parent")

	require.NoError(t, parent.Write(ctx, 2*pageSize, data))
	require.NoError(t, slice.Read(ctx, pageSize, got))
	require.Equal(t, data, got, "parent writes are visible through the slice")
}

func TestSliceValidation(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	resizable := testutil.NewAnonymous(t, alloc, 2, vmo.Options{Resizable: true})
	_, err := resizable.NewChildSlice(0, pageSize)
	require.ErrorIs(t, err, vmo.ErrNotSupported, "slice of a resizable object")

	parent := testutil.NewAnonymous(t, alloc, 2, vmo.Options{})
	_, err = parent.NewChildSlice(1, pageSize)
	require.ErrorIs(t, err, vmo.ErrInvalidArgs, "unaligned slice offset")
	_, err = parent.NewChildSlice(pageSize, 2*pageSize)
	require.ErrorIs(t, err, vmo.ErrOutOfRange, "slice past the parent")
}

func TestSliceOfContiguous(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	o, err := vmo.NewContiguous(alloc, 2*pageSize, 0, vmo.Options{})
	require.NoError(t, err)
	t.Cleanup(o.Destroy)

	slice, err := o.NewChildSlice(pageSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(slice.Destroy)
	require.True(t, slice.Contiguous(), "slices of contiguous objects stay contiguous")

	parentBase, err := o.LookupContiguous(pageSize, pageSize)
	require.NoError(t, err)
	sliceBase, err := slice.LookupContiguous(0, pageSize)
	require.NoError(t, err)
	require.Equal(t, parentBase, sliceBase, "the slice addresses the same physical run")
}

func TestReferenceSharesEverything(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	target := testutil.NewAnonymous(t, alloc, 2, vmo.Options{})

	ref, err := target.NewChildReference(false, 0, 0)
	require.NoError(t, err)
	t.Cleanup(ref.Destroy)
	require.True(t, ref.IsReference())
	require.EqualValues(t, target.Size(), ref.Size())

	data := testutil.Pattern(13, int(pageSize))
	require.NoError(t, ref.Write(ctx, pageSize, data))
	got := make([]byte, pageSize)
	require.NoError(t, target.Read(ctx, pageSize, got))
	require.Equal(t, data, got)

	// Memory is attributed to the target, not the reference.
	require.Zero(t, ref.AttributedMemory(0, 2*pageSize))
	require.EqualValues(t, pageSize, target.AttributedMemory(0, 2*pageSize))
}

func TestReferenceValidation(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	target := testutil.NewAnonymous(t, alloc, 2, vmo.Options{})

	_, err := target.NewChildReference(false, pageSize, 0)
	require.ErrorIs(t, err, vmo.ErrInvalidArgs, "nonzero offset")
	_, err = target.NewChildReference(false, 0, pageSize)
	require.ErrorIs(t, err, vmo.ErrInvalidArgs, "nonzero length")
	_, err = target.NewChildReference(true, 0, 0)
	require.ErrorIs(t, err, vmo.ErrNotSupported, "resizable reference of a non-resizable target")

	slice, err := target.NewChildSlice(0, pageSize)
	require.NoError(t, err)
	t.Cleanup(slice.Destroy)
	_, err = slice.NewChildReference(false, 0, 0)
	require.ErrorIs(t, err, vmo.ErrNotSupported, "reference to a slice")

	cont, err := vmo.NewContiguous(alloc, pageSize, 0, vmo.Options{})
	require.NoError(t, err)
	t.Cleanup(cont.Destroy)
	_, err = cont.NewChildReference(false, 0, 0)
	require.ErrorIs(t, err, vmo.ErrNotSupported, "reference to a contiguous object")
}

func TestReferenceSurvivesTargetDestruction(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)

	target, err := vmo.NewAnonymous(alloc, 2*pageSize, vmo.Options{})
	require.NoError(t, err)
	ref1, err := target.NewChildReference(false, 0, 0)
	require.NoError(t, err)
	ref2, err := target.NewChildReference(false, 0, 0)
	require.NoError(t, err)
	t.Cleanup(ref2.Destroy)

	data := testutil.Pattern(17, int(pageSize))
	require.NoError(t, target.Write(ctx, 0, data))

	// Destroying the target elects the first reference as the store's
	// new owner; content and attribution move with it.
	target.Destroy()
	got := make([]byte, pageSize)
	require.NoError(t, ref1.Read(ctx, 0, got))
	require.Equal(t, data, got, "content survives the target")
	require.EqualValues(t, pageSize, ref1.AttributedMemory(0, 2*pageSize),
		"the heir now attributes the memory")
	require.Zero(t, ref2.AttributedMemory(0, 2*pageSize))

	// Election chains: destroying the heir promotes the next sibling.
	ref1.Destroy()
	require.NoError(t, ref2.Read(ctx, 0, got))
	require.Equal(t, data, got)
	require.EqualValues(t, pageSize, ref2.AttributedMemory(0, 2*pageSize))
}

func TestReferenceOfPromotedOwner(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)

	target, err := vmo.NewAnonymous(alloc, 2*pageSize, vmo.Options{})
	require.NoError(t, err)
	ref1, err := target.NewChildReference(false, 0, 0)
	require.NoError(t, err)
	t.Cleanup(ref1.Destroy)

	data := testutil.Pattern(19, int(pageSize))
	require.NoError(t, target.Write(ctx, 0, data))
	target.Destroy()

	// ref1 now owns the store itself and tracks siblings directly, so a
	// reference created through it joins its own sibling list.
	ref2, err := ref1.NewChildReference(false, 0, 0)
	require.NoError(t, err, "reference through a promoted owner")
	t.Cleanup(ref2.Destroy)

	got := make([]byte, pageSize)
	require.NoError(t, ref2.Read(ctx, 0, got))
	require.Equal(t, data, got, "the new reference shares the store")
	require.EqualValues(t, pageSize, ref1.AttributedMemory(0, 2*pageSize),
		"attribution stays with the promoted owner")
	require.Zero(t, ref2.AttributedMemory(0, 2*pageSize))
}
