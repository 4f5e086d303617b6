package proc

import (
	"encoding/binary"

	"github.com/ipcdev/ipc/gate"
	"github.com/ipcdev/ipc/procsync"
	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

// configHeaderSize is a config node's fixed layout: remote core id,
// local core id, tag, payload size, next pointer — five 32-bit words,
// followed immediately by size bytes of payload (§3's Config Entry).
const configHeaderSize = 20

const (
	cfgOffRemoteCoreID = 0
	cfgOffLocalCoreID  = 4
	cfgOffTag          = 8
	cfgOffSize         = 12
	cfgOffNext         = 16
)

func configHeader(registry *region.Registry, ptr region.SharedPtr) ([]byte, error) {
	return registry.GetPointer(ptr, configHeaderSize)
}

func configPayload(registry *region.Registry, ptr region.SharedPtr, size uint32) ([]byte, error) {
	return registry.GetPointer(region.NewSharedPtr(ptr.RegionID(), ptr.Offset()+configHeaderSize), size)
}

// WriteConfig implements the Config Exchange Channel's write-config
// operation (§4.9): it allocates a node from regionID's heap, copies
// blob into it, and prepends it to the local half's config list head.
// The whole sequence runs under gateHandle (the cluster's default
// gate), the same way gate.Registry.Create serializes its own
// allocate-then-publish sequence, since an aborted write must be able
// to free its allocation without racing another core's heap touch.
func WriteConfig(registry *region.Registry, cache *region.CacheOps, regionID int, slot *procsync.Slot, gateHandle *gate.Handle, isLower bool, peerCoreID, localCoreID int, tag uint32, blob []byte) error {
	key, err := gate.Enter(gateHandle)
	if err != nil {
		return err
	}
	defer gate.Leave(gateHandle, key)

	heap, err := registry.Heap(regionID)
	if err != nil {
		return err
	}
	nodeSize := uint32(configHeaderSize + len(blob))
	ptr, err := heap.Alloc(nodeSize)
	if err != nil {
		return status.New(status.Memory, "config exchange: %v", err)
	}

	head, err := slot.ConfigListHead(isLower)
	if err != nil {
		heap.Free(ptr, nodeSize)
		return err
	}

	header, err := configHeader(registry, ptr)
	if err != nil {
		heap.Free(ptr, nodeSize)
		return err
	}
	binary.LittleEndian.PutUint32(header[cfgOffRemoteCoreID:], uint32(peerCoreID))
	binary.LittleEndian.PutUint32(header[cfgOffLocalCoreID:], uint32(localCoreID))
	binary.LittleEndian.PutUint32(header[cfgOffTag:], tag)
	binary.LittleEndian.PutUint32(header[cfgOffSize:], uint32(len(blob)))
	binary.LittleEndian.PutUint32(header[cfgOffNext:], uint32(head))
	cache.Writeback(regionID, header)

	if len(blob) > 0 {
		payload, err := configPayload(registry, ptr, uint32(len(blob)))
		if err != nil {
			heap.Free(ptr, nodeSize)
			return err
		}
		copy(payload, blob)
		cache.Writeback(regionID, payload)
	}

	return slot.SetConfigListHead(isLower, ptr)
}

// RemoveConfig implements the "passing a null blob" removal form of
// write-config: it unlinks and frees the first node on the local half's
// list matching tag and size exactly. Runs under gateHandle for the
// same reason WriteConfig does.
func RemoveConfig(registry *region.Registry, cache *region.CacheOps, regionID int, slot *procsync.Slot, gateHandle *gate.Handle, isLower bool, tag uint32, size int) error {
	key, err := gate.Enter(gateHandle)
	if err != nil {
		return err
	}
	defer gate.Leave(gateHandle, key)

	heap, err := registry.Heap(regionID)
	if err != nil {
		return err
	}

	head, err := slot.ConfigListHead(isLower)
	if err != nil {
		return err
	}

	var prev region.SharedPtr = region.Invalid
	cur := head
	for cur.Valid() {
		header, err := configHeader(registry, cur)
		if err != nil {
			return err
		}
		cache.Invalidate(regionID, header)
		curTag := binary.LittleEndian.Uint32(header[cfgOffTag:])
		curSize := binary.LittleEndian.Uint32(header[cfgOffSize:])
		next := region.SharedPtr(binary.LittleEndian.Uint32(header[cfgOffNext:]))

		if curTag == tag && int(curSize) == size {
			if prev.Valid() {
				prevHeader, err := configHeader(registry, prev)
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint32(prevHeader[cfgOffNext:], uint32(next))
				cache.Writeback(regionID, prevHeader)
			} else {
				if err := slot.SetConfigListHead(isLower, next); err != nil {
					return err
				}
			}
			return heap.Free(cur, uint32(configHeaderSize+size))
		}

		prev = cur
		cur = next
	}
	return status.New(status.NotFound, "config entry tag %#x size %d not found", tag, size)
}

// ReadConfig implements read-config (§4.9): it invalidates the remote
// peer's list head, walks it by shared pointer invalidating each node
// as visited, and copies the first match's payload into out. A size
// mismatch against the stored entry is an error.
func ReadConfig(registry *region.Registry, cache *region.CacheOps, regionID int, slot *procsync.Slot, isLower bool, tag uint32, out []byte) error {
	// isLower identifies the reader's own half; the remote peer's list
	// lives in the other half.
	head, err := slot.ConfigListHead(!isLower)
	if err != nil {
		return err
	}

	cur := head
	for cur.Valid() {
		header, err := configHeader(registry, cur)
		if err != nil {
			return err
		}
		cache.Invalidate(regionID, header)
		curTag := binary.LittleEndian.Uint32(header[cfgOffTag:])
		curSize := binary.LittleEndian.Uint32(header[cfgOffSize:])
		next := region.SharedPtr(binary.LittleEndian.Uint32(header[cfgOffNext:]))

		if curTag == tag {
			if int(curSize) != len(out) {
				return status.New(status.InvalidArgument, "config entry tag %#x has size %d, want %d", tag, curSize, len(out))
			}
			if curSize > 0 {
				payload, err := configPayload(registry, cur, curSize)
				if err != nil {
					return err
				}
				cache.Invalidate(regionID, payload)
				copy(out, payload)
			}
			return nil
		}
		cur = next
	}
	return status.New(status.NotFound, "config entry tag %#x not found", tag)
}
