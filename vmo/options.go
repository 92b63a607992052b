package vmo

import (
	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/store"
)

// PageSize is the byte size of one page. Offsets and lengths round out
// to multiples of it.
const PageSize = align.PageSize

// MaxSize caps any object's byte size.
const MaxSize = align.MaxSize

// CachePolicy is the mapping cache policy of an object.
type CachePolicy int

const (
	// PolicyCached is normal write-back cached memory, the default.
	PolicyCached CachePolicy = iota
	// PolicyUncached disables caching for mappings of the object.
	PolicyUncached
	// PolicyUncachedDevice is uncached with device memory ordering.
	PolicyUncachedDevice
	// PolicyWriteCombining allows write combining, no read caching.
	PolicyWriteCombining
)

func (p CachePolicy) String() string {
	switch p {
	case PolicyCached:
		return "cached"
	case PolicyUncached:
		return "uncached"
	case PolicyUncachedDevice:
		return "uncached-device"
	case PolicyWriteCombining:
		return "write-combining"
	default:
		return "unknown"
	}
}

// SnapshotKind selects clone semantics; see store.Fork.
type SnapshotKind = store.SnapshotKind

const (
	// SnapshotFull is a complete copy-on-write snapshot, refused on
	// pager-backed objects.
	SnapshotFull = store.SnapshotFull
	// SnapshotAtLeastOnWrite shares pages copy-on-write and lets absent
	// pages fall through to the parent until first write.
	SnapshotAtLeastOnWrite = store.SnapshotAtLeastOnWrite
)

// Options configures object construction.
type Options struct {
	// Resizable allows Resize. Mutually exclusive with AlwaysPinned,
	// Discardable, and contiguous construction.
	Resizable bool
	// Discardable lets the system reclaim the object's pages whenever
	// no LockRange is outstanding.
	Discardable bool
	// AlwaysPinned commits and pins the whole object at construction;
	// it stays pinned until destruction.
	AlwaysPinned bool
	// CanBlockOnPageRequests permits operations to wait for delayed
	// frame allocation instead of failing with ErrNoMemory. Implied for
	// pager-backed objects.
	CanBlockOnPageRequests bool
	// Name is the diagnostic label, propagated to children.
	Name string
}

// maxWriteWaitPages caps how many pages a write-path page request asks
// for at once, bounding memory held ready while the writer is blocked.
// Reads wait for as many pages as the operation still needs.
const maxWriteWaitPages = 16

// yieldInterval is how many pages the copy engine processes before
// offering a contended hierarchy lock to other threads.
const yieldInterval = 16
