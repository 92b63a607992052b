// Package vmo implements paged virtual-memory objects: addressable,
// resizable, pageable regions of memory that can be sliced, cloned
// copy-on-write, referenced, and shared across mappings.
//
// An Object is a node in an ownership graph over a shared page store
// (package store). Slices and references share their ancestor's store;
// clones fork a new copy-on-write store. Every connected component of
// the graph shares one hierarchy lock, and every operation that may
// block on page supply follows the same protocol: attempt under the
// lock, and when the store reports it must wait, drop the lock, block
// on the armed page request, re-acquire, re-validate, and resume.
// Callers never see that protocol; operations that can transitively
// wait take a context.Context and return only final errors.
package vmo
