package vmo

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/vmkit/vmo/pagesource"
)

// registry is the process-wide list of live objects, for diagnostics.
var registry = struct {
	mu      sync.Mutex
	objects map[uint64]*Object
}{objects: make(map[uint64]*Object)}

var nextID atomic.Uint64

func init() {
	// A page-request wait about to time out dumps the object tree, the
	// closest thing to a kernel's stalled-pager diagnostics.
	pagesource.DumpHook = func(reason string) {
		DumpTree(os.Stderr, reason)
	}
}

func newID() uint64 {
	return nextID.Add(1)
}

func register(o *Object) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.objects[o.id] = o
}

func unregister(o *Object) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.objects, o.id)
}

// AllObjects returns every live object, ordered by ID.
func AllObjects() []*Object {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*Object, 0, len(registry.objects))
	for _, o := range registry.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
