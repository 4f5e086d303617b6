package gate

import (
	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

// Slot states for one resource id's table entry. A byte-per-id table
// (rather than a packed bitmap) is deliberate: every update is a single
// byte store, so no peer ever observes a torn read across a bit
// boundary without synchronization beyond what Writeback/Invalidate
// already provides.
const (
	slotUnused   byte = 0
	slotUsed     byte = 1
	slotReserved byte = 2
)

// resourceTable is one protection kind's resource-id allocation table,
// backed by a region-0 reservation made at Install.
type resourceTable struct {
	registry *region.Registry
	cache    *region.CacheOps
	regionID int
	ptr      region.SharedPtr
	count    int
}

func newResourceTable(registry *region.Registry, cache *region.CacheOps, regionID int, ptr region.SharedPtr, count int) *resourceTable {
	return &resourceTable{registry: registry, cache: cache, regionID: regionID, ptr: ptr, count: count}
}

func (t *resourceTable) bytes() ([]byte, error) {
	return t.registry.GetPointer(t.ptr, uint32(t.count))
}

// reserve marks ids as pre-allocated and never handed out by alloc.
func (t *resourceTable) reserve(ids []int) error {
	buf, err := t.bytes()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id < 0 || id >= t.count {
			return status.New(status.InvalidArgument, "reserved resource id %d out of range", id)
		}
		buf[id] = slotReserved
	}
	t.cache.Writeback(t.regionID, buf)
	return nil
}

// alloc scans for the first unused id, marks it used, and returns it.
func (t *resourceTable) alloc() (int, error) {
	buf, err := t.bytes()
	if err != nil {
		return 0, err
	}
	t.cache.Invalidate(t.regionID, buf)
	for i, v := range buf {
		if v == slotUnused {
			buf[i] = slotUsed
			t.cache.Writeback(t.regionID, buf)
			return i, nil
		}
	}
	return 0, status.New(status.GateUnavailable, "no free resource id in this protection kind's table")
}

// allocAt marks a specific id used, failing if it is not free. Used to
// install the default gate at a fixed, well-known resource id.
func (t *resourceTable) allocAt(id int) error {
	buf, err := t.bytes()
	if err != nil {
		return err
	}
	t.cache.Invalidate(t.regionID, buf)
	if id < 0 || id >= t.count {
		return status.New(status.InvalidArgument, "resource id %d out of range", id)
	}
	if buf[id] != slotUnused {
		return status.New(status.AlreadyExists, "resource id %d already allocated", id)
	}
	buf[id] = slotUsed
	t.cache.Writeback(t.regionID, buf)
	return nil
}

func (t *resourceTable) free(id int) error {
	buf, err := t.bytes()
	if err != nil {
		return err
	}
	if id < 0 || id >= t.count {
		return status.New(status.InvalidArgument, "resource id %d out of range", id)
	}
	buf[id] = slotUnused
	t.cache.Writeback(t.regionID, buf)
	return nil
}
