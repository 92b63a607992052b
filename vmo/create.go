package vmo

import (
	"fmt"

	"github.com/joshuapare/vmkit/internal/align"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
	"github.com/joshuapare/vmkit/vmo/store"
)

func checkSize(size uint64) error {
	if !align.IsPageAligned(size) {
		return fmt.Errorf("%w: size %d not page aligned", ErrInvalidArgs, size)
	}
	if size > align.MaxSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrOutOfRange, size, align.MaxSize)
	}
	return nil
}

func newObject(st *store.Store, size uint64, opts Options) *Object {
	return &Object{
		id:           newID(),
		hier:         newHierarchy(),
		resizable:    opts.Resizable,
		discardable:  opts.Discardable,
		alwaysPinned: opts.AlwaysPinned,
		canBlock:     opts.CanBlockOnPageRequests,
		store:        st,
		size:         size,
		name:         opts.Name,
		refs:         1,
	}
}

// NewAnonymous creates an object backed by zero-filled anonymous memory.
func NewAnonymous(alloc *phys.Allocator, size uint64, opts Options) (*Object, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if opts.Resizable && opts.AlwaysPinned {
		return nil, fmt.Errorf("%w: resizable always-pinned object", ErrInvalidArgs)
	}
	if opts.Discardable && (opts.Resizable || opts.AlwaysPinned) {
		return nil, fmt.Errorf("%w: discardable object cannot be resizable or always-pinned", ErrInvalidArgs)
	}
	st, err := store.New(alloc, size, store.Options{
		CanBlock:  opts.CanBlockOnPageRequests,
		CanBorrow: opts.CanBlockOnPageRequests && !opts.AlwaysPinned,
	})
	if err != nil {
		return nil, wrapStore(err)
	}
	if opts.AlwaysPinned && size > 0 {
		// Committed and pinned before the object is visible anywhere, so
		// "always pinned implies always committed" holds from birth.
		frames, err := alloc.AllocN(int(align.PageCount(size)), false)
		if err != nil {
			st.Release()
			return nil, fmt.Errorf("%w: always-pinned preallocation of %d bytes", ErrNoMemory, size)
		}
		if err := st.AddFrames(0, frames); err != nil {
			st.Release()
			return nil, wrapStore(err)
		}
		if err := st.PinRange(0, size); err != nil {
			st.Release()
			return nil, wrapStore(err)
		}
	}
	o := newObject(st, size, opts)
	st.SetClient(o)
	register(o)
	return o, nil
}

// NewContiguous creates an object backed by one physically-contiguous
// run aligned to 1<<alignLog2 bytes. The run is allocated and committed
// immediately; decommitted pages are loaned out for others to borrow and
// reclaimed on the next commit without any pager round trip.
func NewContiguous(alloc *phys.Allocator, size uint64, alignLog2 uint, opts Options) (*Object, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-size contiguous object", ErrInvalidArgs)
	}
	if opts.Resizable {
		return nil, fmt.Errorf("%w: resizable contiguous object", ErrInvalidArgs)
	}
	if opts.Discardable {
		return nil, fmt.Errorf("%w: discardable contiguous object", ErrInvalidArgs)
	}
	run, err := alloc.AllocContiguous(int(align.PageCount(size)), alignLog2)
	if err != nil {
		return nil, fmt.Errorf("%w: contiguous run of %d bytes", ErrNoMemory, size)
	}
	provider := pagesource.NewPhysicalProvider(alloc, run)
	st, err := store.New(alloc, size, store.Options{
		Source:   pagesource.NewSource(provider),
		Physical: provider,
	})
	if err != nil {
		return nil, wrapStore(err)
	}
	if err := st.AddFrames(0, run); err != nil {
		st.Release()
		return nil, wrapStore(err)
	}
	if opts.AlwaysPinned {
		if err := st.PinRange(0, size); err != nil {
			st.Release()
			return nil, wrapStore(err)
		}
	}
	o := newObject(st, size, opts)
	o.contiguous = true
	o.canBlock = true
	st.SetClient(o)
	// Reclaimed frames re-enter the store under the hierarchy lock.
	provider.Bind(func(idx uint64, f *phys.Frame) {
		o.hier.lock()
		defer o.hier.unlock()
		if o.store != nil {
			o.store.SupplyPhysical(idx, f)
		}
	})
	register(o)
	return o, nil
}

// NewExternal creates an object whose absent pages resolve through the
// given provider, typically a user pager. Operations against it may
// block on the provider, so CanBlockOnPageRequests is implied.
func NewExternal(alloc *phys.Allocator, provider pagesource.Provider, size uint64, opts Options) (*Object, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if opts.Discardable || opts.AlwaysPinned {
		return nil, fmt.Errorf("%w: pager-backed object cannot be discardable or always-pinned", ErrInvalidArgs)
	}
	st, err := store.New(alloc, size, store.Options{
		Source: pagesource.NewSource(provider),
	})
	if err != nil {
		return nil, wrapStore(err)
	}
	opts.CanBlockOnPageRequests = true
	o := newObject(st, size, opts)
	st.SetClient(o)
	register(o)
	return o, nil
}

// NewFromWiredPages adopts pre-existing wired memory as the object's
// initial content without copying. data must be a whole number of pages.
// If exclusive, the caller relinquishes the memory and the object may
// decommit it; otherwise the pages stay referenced elsewhere and are
// pinned for the object's whole life.
func NewFromWiredPages(alloc *phys.Allocator, data []byte, exclusive bool, opts Options) (*Object, error) {
	size := uint64(len(data))
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty wired region", ErrInvalidArgs)
	}
	if opts.Resizable || opts.Discardable {
		return nil, fmt.Errorf("%w: wired-page object cannot be resizable or discardable", ErrInvalidArgs)
	}
	frames, err := phys.AdoptWired(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgs, err)
	}
	st, err := store.New(alloc, size, store.Options{
		CanBlock: opts.CanBlockOnPageRequests,
	})
	if err != nil {
		return nil, wrapStore(err)
	}
	if err := st.AddFrames(0, frames); err != nil {
		st.Release()
		return nil, wrapStore(err)
	}
	if !exclusive {
		opts.AlwaysPinned = true
	}
	if opts.AlwaysPinned {
		if err := st.PinRange(0, size); err != nil {
			st.Release()
			return nil, wrapStore(err)
		}
	}
	o := newObject(st, size, opts)
	st.SetClient(o)
	register(o)
	return o, nil
}
