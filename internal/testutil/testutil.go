// Package testutil builds the object hierarchies and scripted pagers the
// vmo tests share.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
	"github.com/joshuapare/vmkit/vmo/store"
)

// PageSize re-exports the page size so tests avoid importing align.
const PageSize = uint64(align.PageSize)

// NewAllocator returns a capped frame allocator torn down with the test.
// capacityPages of zero means uncapped.
func NewAllocator(t *testing.T, capacityPages int) *phys.Allocator {
	t.Helper()
	a := phys.NewAllocator(phys.Options{CapacityPages: capacityPages})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// NewAnonymous builds an anonymous object destroyed with the test.
func NewAnonymous(t *testing.T, alloc *phys.Allocator, pages uint64, opts vmo.Options) *vmo.Object {
	t.Helper()
	o, err := vmo.NewAnonymous(alloc, pages*PageSize, opts)
	require.NoError(t, err, "anonymous object construction")
	t.Cleanup(o.Destroy)
	return o
}

// Pager couples a pager-backed object with its provider and a service
// goroutine resolving requests the way a user pager would.
type Pager struct {
	Object   *vmo.Object
	Provider *pagesource.Pager

	alloc *phys.Allocator
	fill  byte
}

// NewPager builds a pager-backed object of the given size whose read
// requests are answered with fill-valued pages and whose dirty requests
// are acknowledged, all from a background service goroutine. The pager
// preserves content, so the object tracks dirty state.
func NewPager(t *testing.T, alloc *phys.Allocator, pages uint64, fill byte) *Pager {
	t.Helper()
	provider := pagesource.NewPager(pagesource.PagerOptions{PreservesContent: true})
	o, err := vmo.NewExternal(alloc, provider, pages*PageSize, vmo.Options{})
	require.NoError(t, err, "pager-backed object construction")

	p := &Pager{Object: o, Provider: provider, alloc: alloc, fill: fill}
	ctx, cancel := context.WithCancel(context.Background())
	donech := make(chan struct{})
	go func() {
		defer close(donech)
		p.serve(ctx)
	}()
	t.Cleanup(func() {
		o.Destroy() // closes the provider, stopping the service loop
		cancel()
		<-donech
	})
	return p
}

func (p *Pager) serve(ctx context.Context) {
	for {
		pr, err := p.Provider.NextRequest(ctx)
		if err != nil {
			return
		}
		switch pr.Type {
		case pagesource.ReadRequest:
			list := store.NewSpliceList(pr.Offset)
			buf := make([]byte, PageSize)
			for i := range buf {
				buf[i] = p.fill
			}
			ok := true
			for i := uint64(0); i < align.PageCount(pr.Length); i++ {
				if err := list.AppendBytes(p.alloc, buf); err != nil {
					ok = false
					break
				}
			}
			if !ok {
				list.Drain(p.alloc)
				_ = p.Object.FailPageRequests(pr.Offset, pr.Length)
				continue
			}
			if err := p.Object.SupplyPages(ctx, pr.Offset, pr.Length, list); err != nil {
				list.Drain(p.alloc)
			}
		case pagesource.DirtyRequest:
			_ = p.Object.DirtyPages(ctx, pr.Offset, pr.Length)
		}
	}
}

// Ctx returns a context bounded enough that a wedged wait fails the test
// instead of hanging it.
func Ctx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// RequireRoundTrip writes data at offset and requires reading it back
// identically.
func RequireRoundTrip(t *testing.T, ctx context.Context, o *vmo.Object, offset uint64, data []byte) {
	t.Helper()
	require.NoError(t, o.Write(ctx, offset, data), "write at %d", offset)
	got := make([]byte, len(data))
	require.NoError(t, o.Read(ctx, offset, got), "read at %d", offset)
	require.Equal(t, data, got, "round trip at %d", offset)
}

// Pattern returns n bytes of a deterministic rolling pattern seeded at
// seed.
func Pattern(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}
