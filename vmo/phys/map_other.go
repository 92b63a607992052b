//go:build !unix

package phys

import "unsafe"

// Non-unix fallback: arenas come from the Go heap. Addresses are still
// stable because the arena slice is retained until Close.
func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena([]byte) error { return nil }

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
