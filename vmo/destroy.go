package vmo

// Retain adds a strong reference. Every Retain must be balanced by a
// Destroy.
func (o *Object) Retain() *Object {
	o.hier.lock()
	defer o.hier.unlock()
	o.refs++
	return o
}

// Destroy drops one strong reference. Dropping the last one tears the
// node down: the always-pinned range is unpinned, the store backlink is
// transferred or cleared, children are re-homed onto the parent, and the
// object leaves the global registry. Content shared through slices,
// references, or clone fallthrough survives via the store's own
// reference counting.
func (o *Object) Destroy() {
	o.hier.lock()
	o.refs--
	if o.refs > 0 {
		o.hier.unlock()
		return
	}
	o.destroyLocked()
	o.hier.unlock()
	unregister(o)
}

func (o *Object) destroyLocked() {
	if o.store == nil {
		return
	}
	if o.alwaysPinned && o.sizeLocked() > 0 {
		o.store.Unpin(o.base, o.sizeLocked())
	}

	// Backlink handling. If this node owns the store's backlink, the
	// first reference sibling inherits it together with the remaining
	// sibling list; with no siblings the store goes ownerless. A
	// non-owner reference just leaves its owner's sibling list.
	if owner, ok := o.store.ClientRef().(*Object); ok && owner == o {
		if len(o.refSiblings) > 0 {
			heir := o.refSiblings[0]
			rest := o.refSiblings[1:]
			heir.refSiblings = append(heir.refSiblings, rest...)
			heir.owner = nil
			for _, sib := range rest {
				sib.owner = heir
			}
			o.store.SetClient(heir)
		} else {
			o.store.SetClient(nil)
		}
		o.refSiblings = nil
	} else if o.isReference && o.owner != nil {
		o.owner.removeRefSibling(o)
	}

	// Children are re-homed to the parent, never dropped: content
	// lookups that walk upward still need the ancestry.
	for _, child := range o.children {
		child.parent = o.parent
		if o.parent != nil {
			o.parent.children = append(o.parent.children, child)
		}
	}
	o.children = nil
	if o.parent != nil {
		o.parent.removeChild(o)
		o.parent = nil
	}

	o.mappings = nil
	o.store.Release()
	o.store = nil
}

func (o *Object) removeChild(child *Object) {
	for i, c := range o.children {
		if c == child {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

func (o *Object) removeRefSibling(sib *Object) {
	for i, s := range o.refSiblings {
		if s == sib {
			o.refSiblings = append(o.refSiblings[:i], o.refSiblings[i+1:]...)
			return
		}
	}
}
