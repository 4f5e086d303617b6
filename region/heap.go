package region

import "github.com/ipcdev/ipc/status"

// freeBlock is one entry of the heap's free list: the offset and length
// of a freed range. The list is a Go slice held in Heap, not stored in
// the shared region itself.
type freeBlock struct {
	offset uint32
	length uint32
}

// Heap is a simple first-fit allocator over the part of a shared region
// past its reserved prefix (see Registry.Reserve); the two are separate
// ranges, used side by side. It backs Gate Registry descriptors, Config Exchange
// Channel nodes and sub-protocol buffers allocated during attach —
// exactly the dynamic, free-able allocations the reserved prefix is not
// meant for.
type Heap struct {
	regionID  int
	base      uint32 // offset of data[0] within the region
	size      uint32
	bumpNext  uint32
	freeList  []freeBlock
}

func newHeap(regionID int, data []byte, base uint32) *Heap {
	return &Heap{
		regionID: regionID,
		base:     base,
		size:     uint32(len(data)),
	}
}

// Alloc reserves length bytes, preferring a first-fit reuse of a freed
// block before extending the bump pointer.
func (h *Heap) Alloc(length uint32) (SharedPtr, error) {
	for i, b := range h.freeList {
		if b.length >= length {
			h.freeList = append(h.freeList[:i], h.freeList[i+1:]...)
			if b.length > length {
				h.freeList = append(h.freeList, freeBlock{offset: b.offset + length, length: b.length - length})
			}
			return NewSharedPtr(h.regionID, h.base+b.offset), nil
		}
	}
	if h.bumpNext+length > h.size {
		return Invalid, status.New(status.Memory, "heap on region %d exhausted (%d of %d used, %d requested)",
			h.regionID, h.bumpNext, h.size, length)
	}
	off := h.bumpNext
	h.bumpNext += length
	return NewSharedPtr(h.regionID, h.base+off), nil
}

// Free returns length bytes at ptr to the heap's free list.
func (h *Heap) Free(ptr SharedPtr, length uint32) error {
	if ptr.RegionID() != h.regionID {
		return status.New(status.InvalidArgument, "pointer %s does not belong to heap on region %d", ptr, h.regionID)
	}
	off := ptr.Offset() - h.base
	h.freeList = append(h.freeList, freeBlock{offset: off, length: length})
	return nil
}
