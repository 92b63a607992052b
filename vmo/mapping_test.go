package vmo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/internal/testutil"
	"github.com/joshuapare/vmkit/vmo"
)

type recordedChange struct {
	offset, length uint64
	op             vmo.RangeChangeOp
}

// recordingMapping collects range-change notifications for assertions.
type recordingMapping struct {
	changes []recordedChange
}

func (m *recordingMapping) RangeChanged(offset, length uint64, op vmo.RangeChangeOp) {
	m.changes = append(m.changes, recordedChange{offset, length, op})
}

func (m *recordingMapping) reset() { m.changes = nil }

func TestMappingUnmapOnDecommit(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	o := testutil.NewAnonymous(t, alloc, 3, vmo.Options{})

	var m recordingMapping
	require.NoError(t, o.AttachMapping(&m))
	require.NoError(t, o.CommitRange(ctx, 0, 3*pageSize))
	m.reset()

	require.NoError(t, o.DecommitRange(pageSize, pageSize))
	require.Len(t, m.changes, 1)
	require.Equal(t, recordedChange{pageSize, pageSize, vmo.RangeUnmap}, m.changes[0])

	o.DetachMapping(&m)
	m.reset()
	require.NoError(t, o.CommitRange(ctx, 0, 3*pageSize))
	require.NoError(t, o.DecommitRange(0, pageSize))
	require.Empty(t, m.changes, "detached mappings see nothing")
}

func TestMappingSliceClipsToWindow(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	parent := testutil.NewAnonymous(t, alloc, 4, vmo.Options{})
	slice, err := parent.NewChildSlice(pageSize, 2*pageSize)
	require.NoError(t, err)
	t.Cleanup(slice.Destroy)

	var m recordingMapping
	require.NoError(t, slice.AttachMapping(&m))
	require.NoError(t, parent.CommitRange(ctx, 0, 4*pageSize))
	m.reset()

	// A parent-wide decommit reaches the slice clipped and translated
	// into slice coordinates.
	require.NoError(t, parent.DecommitRange(0, 4*pageSize))
	require.Len(t, m.changes, 1)
	require.Equal(t, recordedChange{0, 2 * pageSize, vmo.RangeUnmap}, m.changes[0])

	// A decommit outside the window never reaches the slice.
	m.reset()
	require.NoError(t, parent.CommitRange(ctx, 0, pageSize))
	require.NoError(t, parent.DecommitRange(0, pageSize))
	require.Empty(t, m.changes)
}

func TestMappingRemoveWriteOnClone(t *testing.T) {
	alloc := testutil.NewAllocator(t, 8)
	ctx := testutil.Ctx(t)
	parent := testutil.NewAnonymous(t, alloc, 2, vmo.Options{})
	require.NoError(t, parent.CommitRange(ctx, 0, 2*pageSize))

	var m recordingMapping
	require.NoError(t, parent.AttachMapping(&m))

	// Forking shares the parent's resident pages, so its mappings must
	// drop write permission to fault the next store.
	clone, err := parent.NewClone(vmo.SnapshotAtLeastOnWrite, 0, 2*pageSize, false)
	require.NoError(t, err)
	t.Cleanup(clone.Destroy)

	require.NotEmpty(t, m.changes, "the fork must notify the parent's mappings")
	for _, c := range m.changes {
		require.Equal(t, vmo.RangeRemoveWrite, c.op)
	}
}
