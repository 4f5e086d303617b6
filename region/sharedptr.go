// Package region implements the Shared-Region Registry (C1) and the
// Cache Operations Facade (C2): the bookkeeping that lets several cores
// agree on where a physically contiguous range of memory lives, and the
// writeback/invalidate discipline required to make writes by one core
// visible to another when their caches are not coherent.
package region

import "fmt"

// SharedPtr is an opaque (region-id, offset) pair packed into a 32-bit
// word. It is never a native pointer: each peer may map the same
// physical region at a different virtual address, so only the pair
// survives the trip across cores.
type SharedPtr uint32

// Invalid is the sentinel shared pointer, distinct from every valid one.
const Invalid SharedPtr = 0xFFFFFFFF

const (
	regionBits = 8
	offsetBits = 32 - regionBits
	offsetMask = 1<<offsetBits - 1
)

// MaxRegions is the number of distinct region ids representable in a
// SharedPtr.
const MaxRegions = 1 << regionBits

// NewSharedPtr packs a region id and an offset within that region into a
// SharedPtr. It panics if region or offset cannot be represented, or if
// the pair would encode the Invalid sentinel; both are caller-controlled
// configuration values, not user input.
func NewSharedPtr(regionID int, offset uint32) SharedPtr {
	if regionID < 0 || regionID >= MaxRegions {
		panic(fmt.Sprintf("region: region id %d out of range", regionID))
	}
	if offset > offsetMask {
		panic(fmt.Sprintf("region: offset %#x exceeds %d bits", offset, offsetBits))
	}
	p := SharedPtr(uint32(regionID)<<offsetBits | offset)
	if p == Invalid {
		panic(fmt.Sprintf("region: region %d offset %#x encodes the Invalid sentinel", regionID, offset))
	}
	return p
}

// RegionID returns the region component of the pointer.
func (p SharedPtr) RegionID() int {
	return int(uint32(p) >> offsetBits)
}

// Offset returns the in-region byte offset component of the pointer.
func (p SharedPtr) Offset() uint32 {
	return uint32(p) & offsetMask
}

// Valid reports whether p is not the Invalid sentinel.
func (p SharedPtr) Valid() bool {
	return p != Invalid
}

func (p SharedPtr) String() string {
	if p == Invalid {
		return "<invalid>"
	}
	return fmt.Sprintf("region%d+%#x", p.RegionID(), p.Offset())
}
