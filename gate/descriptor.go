package gate

import (
	"encoding/binary"

	"github.com/ipcdev/ipc/region"
)

// descriptorSize is the on-the-wire layout of one gate's shared
// record: status, creator core id, remote protection kind, local
// protection kind, resource id — five 32-bit words.
const descriptorSize = 20

const (
	descOffStatus        = 0
	descOffCreatorCoreID = 4
	descOffRemoteKind    = 8
	descOffLocalKind     = 12
	descOffResourceID    = 16
)

const (
	descStatusUnused  uint32 = 0
	descStatusCreated uint32 = 1
)

// descriptor is the decoded form of a gate's shared record.
type descriptor struct {
	creatorCoreID int
	remoteKind    ProtectionKind
	localKind     LocalProtectionKind
	resourceID    int
}

func writeDescriptor(registry *region.Registry, cache *region.CacheOps, regionID int, ptr region.SharedPtr, d descriptor) error {
	buf, err := registry.GetPointer(ptr, descriptorSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[descOffStatus:], descStatusCreated)
	binary.LittleEndian.PutUint32(buf[descOffCreatorCoreID:], uint32(d.creatorCoreID))
	binary.LittleEndian.PutUint32(buf[descOffRemoteKind:], uint32(d.remoteKind))
	binary.LittleEndian.PutUint32(buf[descOffLocalKind:], uint32(d.localKind))
	binary.LittleEndian.PutUint32(buf[descOffResourceID:], uint32(d.resourceID))
	cache.Writeback(regionID, buf)
	return nil
}

func readDescriptor(registry *region.Registry, cache *region.CacheOps, regionID int, ptr region.SharedPtr) (descriptor, error) {
	buf, err := registry.GetPointer(ptr, descriptorSize)
	if err != nil {
		return descriptor{}, err
	}
	cache.Invalidate(regionID, buf)
	return descriptor{
		creatorCoreID: int(binary.LittleEndian.Uint32(buf[descOffCreatorCoreID:])),
		remoteKind:    ProtectionKind(binary.LittleEndian.Uint32(buf[descOffRemoteKind:])),
		localKind:     LocalProtectionKind(binary.LittleEndian.Uint32(buf[descOffLocalKind:])),
		resourceID:    int(binary.LittleEndian.Uint32(buf[descOffResourceID:])),
	}, nil
}

func clearDescriptor(registry *region.Registry, cache *region.CacheOps, regionID int, ptr region.SharedPtr) error {
	buf, err := registry.GetPointer(ptr, descriptorSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[descOffStatus:], descStatusUnused)
	cache.Writeback(regionID, buf)
	return nil
}
