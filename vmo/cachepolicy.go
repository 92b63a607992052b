package vmo

import "fmt"

// SetCachePolicy changes the mapping cache policy. The change is only
// sound on an isolated object: no pins, no mappings, no children, no
// parent, and no reference relationship in either direction. Committed
// pages are only tolerated when moving away from cached; there is no
// sound way back, since speculative loads through a cached alias may
// already have observed stale data.
//
// On a cached-to-uncached transition with existing content, every
// resident page is visited before the policy flips; content is
// preserved.
func (o *Object) SetCachePolicy(policy CachePolicy) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	if policy < PolicyCached || policy > PolicyWriteCombining {
		return fmt.Errorf("%w: unknown cache policy %d", ErrInvalidArgs, policy)
	}
	if policy == o.policy {
		return nil
	}
	if o.store.PinnedPages() != 0 {
		return fmt.Errorf("%w: cache policy change with pinned pages", ErrBadState)
	}
	if len(o.mappings) != 0 {
		return fmt.Errorf("%w: cache policy change with live mappings", ErrBadState)
	}
	if len(o.children) != 0 || o.parent != nil {
		return fmt.Errorf("%w: cache policy change on a non-root or parented object", ErrBadState)
	}
	if len(o.refSiblings) != 0 || o.isReference {
		return fmt.Errorf("%w: cache policy change with reference relationships", ErrBadState)
	}
	hasContent := o.store.AttributedMemory(o.base, o.sizeLocked()) != 0
	if hasContent && o.policy != PolicyCached {
		return fmt.Errorf("%w: cache policy change with committed pages requires a cached source policy", ErrBadState)
	}
	if hasContent {
		// Walk every resident page. Frames here are plain memory with no
		// CPU cache behind them, so the walk is where a clean and
		// invalidate of each page would slot in; content is untouched.
		if err := o.store.Lookup(o.base, o.sizeLocked(), func(uint64, uintptr) bool {
			return true
		}); err != nil {
			return wrapStore(err)
		}
	}
	o.policy = policy
	return nil
}
