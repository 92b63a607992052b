package vmo

import "github.com/joshuapare/vmkit/vmo/store"

// RangeChangeOp tells a mapping what happened to a range of the object.
type RangeChangeOp = store.RangeChangeOp

const (
	// RangeUnmap means the range's pages moved or vanished; mappings
	// must drop their translations entirely.
	RangeUnmap = store.RangeUnmap
	// RangeRemoveWrite means the range became copy-on-write shared;
	// mappings must downgrade to read-only so the next write faults.
	RangeRemoveWrite = store.RangeRemoveWrite
)

// Mapping is the callback surface for address-space mappings of an
// object. RangeChanged is invoked with the hierarchy lock held and must
// not call back into the object.
type Mapping interface {
	RangeChanged(offset, length uint64, op RangeChangeOp)
}

// AttachMapping registers a live mapping for range-change notification.
func (o *Object) AttachMapping(m Mapping) error {
	o.hier.lock()
	defer o.hier.unlock()
	if err := o.aliveLocked(); err != nil {
		return err
	}
	o.mappings = append(o.mappings, m)
	return nil
}

// DetachMapping removes a previously attached mapping.
func (o *Object) DetachMapping(m Mapping) {
	o.hier.lock()
	defer o.hier.unlock()
	for i, cur := range o.mappings {
		if cur == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			return
		}
	}
}

// RangeChanged implements store.Client: the store calls the backlink
// owner here, in store coordinates, with the hierarchy lock held.
func (o *Object) RangeChanged(storeOffset, length uint64, op RangeChangeOp) {
	o.fanOutRangeChange(storeOffset, length, op)
}

// fanOutRangeChange delivers a store-coordinate range change to this
// node's mappings and to every descendant and reference sibling sharing
// the same store. Clone children have their own store and get their own
// notifications.
func (o *Object) fanOutRangeChange(storeOffset, length uint64, op RangeChangeOp) {
	o.notifyMappingsLocked(storeOffset, length, op)
	for _, child := range o.children {
		if child.store == o.store {
			child.fanOutRangeChange(storeOffset, length, op)
		}
	}
	for _, sib := range o.refSiblings {
		sib.notifyMappingsLocked(storeOffset, length, op)
	}
}

// notifyMappingsLocked translates a store-coordinate range into this
// node's coordinates and notifies its mappings about the overlap.
func (o *Object) notifyMappingsLocked(storeOffset, length uint64, op RangeChangeOp) {
	if len(o.mappings) == 0 {
		return
	}
	end := storeOffset + length
	nodeEnd := o.base + o.sizeLocked()
	if end <= o.base || storeOffset >= nodeEnd {
		return
	}
	if storeOffset < o.base {
		storeOffset = o.base
	}
	if end > nodeEnd {
		end = nodeEnd
	}
	for _, m := range o.mappings {
		m.RangeChanged(storeOffset-o.base, end-storeOffset, op)
	}
}
