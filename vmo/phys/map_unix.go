//go:build unix

package phys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapAnon maps size bytes of zeroed anonymous memory. Arenas come from
// the OS rather than the Go heap so frame addresses are stable and
// page-aligned for the allocator's whole lifetime.
func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapArena(b []byte) error {
	return unix.Munmap(b)
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
