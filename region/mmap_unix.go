//go:build unix

package region

import "golang.org/x/sys/unix"

// MmapAnonymous reserves length bytes of anonymous, shared memory to
// back a region.Registry entry. On a real SoC the equivalent mapping
// comes from a carveout-backed /dev/mem or ion/dma-buf handle; a
// single-host bring-up (or one that models every core as a goroutine
// in this process) has no such handle, so anonymous shared memory
// plays the same role a local mmap plays for any memory-mapped shared
// region.
func MmapAnonymous(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

// Munmap releases memory obtained from MmapAnonymous.
func Munmap(data []byte) error {
	return unix.Munmap(data)
}
