package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/vmkit/vmo"
	"github.com/joshuapare/vmkit/vmo/phys"
)

const (
	workloadPoolPages = 512
	workloadObjects   = 6
	workloadPages     = 16
)

// workload churns a fixed set of objects in the background so the
// explorer has something live to show: commits, writes, decommits, and
// short-lived clones.
type workload struct {
	alloc  *phys.Allocator
	roots  []*vmo.Object
	cancel context.CancelFunc
	done   chan struct{}
	paused atomic.Bool

	mu     sync.Mutex
	rounds uint64
}

func newWorkload() *workload {
	return &workload{done: make(chan struct{})}
}

func (w *workload) start() {
	w.alloc = phys.NewAllocator(phys.Options{CapacityPages: workloadPoolPages})
	pageSize := uint64(vmo.PageSize)
	for i := 0; i < workloadObjects; i++ {
		o, err := vmo.NewAnonymous(w.alloc, workloadPages*pageSize, vmo.Options{
			Name: fmt.Sprintf("workload-%d", i),
		})
		if err != nil {
			continue
		}
		w.roots = append(w.roots, o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

func (w *workload) run(ctx context.Context) {
	pageSize := uint64(vmo.PageSize)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var clones []*vmo.Object
	defer func() {
		for _, c := range clones {
			c.Destroy()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.paused.Load() || len(w.roots) == 0 {
			continue
		}

		o := w.roots[rng.Intn(len(w.roots))]
		page := uint64(rng.Intn(workloadPages))
		switch rng.Intn(5) {
		case 0:
			_ = o.CommitRange(ctx, page*pageSize, pageSize)
		case 1:
			_ = o.Write(ctx, page*pageSize, []byte{byte(rng.Int())})
		case 2:
			_ = o.DecommitRange(page*pageSize, pageSize)
		case 3:
			if len(clones) < 4 {
				if c, err := o.NewClone(vmo.SnapshotAtLeastOnWrite, 0, workloadPages*pageSize, false); err == nil {
					c.SetName(fmt.Sprintf("clone-of-%s", o.Name()))
					_ = c.Write(ctx, page*pageSize, []byte{byte(rng.Int())})
					clones = append(clones, c)
				}
			}
		default:
			if len(clones) > 0 {
				idx := rng.Intn(len(clones))
				clones[idx].Destroy()
				clones = append(clones[:idx], clones[idx+1:]...)
			}
		}
		w.mu.Lock()
		w.rounds++
		w.mu.Unlock()
	}
}

func (w *workload) togglePause() {
	w.paused.Store(!w.paused.Load())
}

func (w *workload) roundsDone() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rounds
}

func (w *workload) stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	for _, o := range w.roots {
		o.Destroy()
	}
	w.roots = nil
	if w.alloc != nil {
		_ = w.alloc.Close()
	}
}
