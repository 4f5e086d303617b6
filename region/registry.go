package region

import (
	"sync"
	"unsafe"

	"github.com/ipcdev/ipc/status"
)

// InvalidCoreID marks a region entry whose owning core does not exist:
// no peer manages the region on the other side.
const InvalidCoreID = -1

// Entry is a value-semantics copy of a registered shared region's
// bookkeeping record. Region 0 is privileged: it holds all bootstrap
// metadata (reserved slots, gate descriptors, in-use bitmaps).
type Entry struct {
	ID            int
	BasePhysAddr  uint64
	Length        uint32
	CacheEnabled  bool
	CacheLineSize uint32
	OwningCoreID  int
	ContainsHeap  bool
}

// mappedRegion is the Registry's internal, mutable record: the value
// Entry plus the local byte-slice mapping (obtained by the caller via
// mmap or an equivalent local allocation) and the bump state for the
// reserved-prefix allocator.
type mappedRegion struct {
	entry Entry
	data  []byte

	reservedLen uint32 // size of the prefix carved out for reserve()
	reservedPos uint32 // bump offset within [0, reservedLen)

	heap *Heap
}

// Registry tracks the Shared-Region Registry (C1): the set of
// physically contiguous regions visible to more than one core. It is
// written once at startup (one Register call per region) and read many
// times thereafter; all read accessors return copies.
type Registry struct {
	mu      sync.Mutex
	regions map[int]*mappedRegion
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[int]*mappedRegion)}
}

// Register installs a region's backing mapping. reservedLen bytes at
// the front of data are set aside for Reserve; the remainder backs the
// region's heap once Heap is first called. Region ids must be dense
// from 0 — the caller is expected to register region 0 before any other
// region, since region 0 is privileged and holds all bootstrap
// metadata.
func (r *Registry) Register(e Entry, data []byte, reservedLen uint32) error {
	if reservedLen > uint32(len(data)) {
		return status.New(status.InvalidArgument, "reserved prefix %d exceeds region length %d", reservedLen, len(data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regions[e.ID]; ok {
		return status.New(status.AlreadyExists, "region %d already registered", e.ID)
	}
	e.Length = uint32(len(data))
	r.regions[e.ID] = &mappedRegion{
		entry:       e,
		data:        data,
		reservedLen: reservedLen,
	}
	return nil
}

// Unregister tears down a previously registered region. The caller
// (cmd/ipcd, or a test) is responsible for unmapping the backing data
// beforehand if it came from mmap.
func (r *Registry) Unregister(regionID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regions, regionID)
}

func (r *Registry) get(regionID int) (*mappedRegion, error) {
	mr, ok := r.regions[regionID]
	if !ok {
		return nil, status.New(status.NotFound, "region %d not registered", regionID)
	}
	return mr, nil
}

// GetEntry returns a copy of the registry record for regionID.
func (r *Registry) GetEntry(regionID int) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, err := r.get(regionID)
	if err != nil {
		return Entry{}, err
	}
	return mr.entry, nil
}

// IsCacheEnabled reports whether regionID is a non-coherent region
// requiring explicit cache maintenance.
func (r *Registry) IsCacheEnabled(regionID int) (bool, error) {
	e, err := r.GetEntry(regionID)
	if err != nil {
		return false, err
	}
	return e.CacheEnabled, nil
}

// CacheLineSize returns the region's cache line size, used by callers
// to round lengths up before calling the Cache Operations Facade; this
// package never rounds on the caller's behalf.
func (r *Registry) CacheLineSize(regionID int) (uint32, error) {
	e, err := r.GetEntry(regionID)
	if err != nil {
		return 0, err
	}
	return e.CacheLineSize, nil
}

// Reserve allocates length bytes from regionID's reserved prefix, which
// is carved out before any heap exists on the region. It fails if the
// region is not registered or the prefix is exhausted.
func (r *Registry) Reserve(regionID int, length uint32) (SharedPtr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, err := r.get(regionID)
	if err != nil {
		return Invalid, err
	}
	if mr.reservedPos+length > mr.reservedLen {
		return Invalid, status.New(status.Memory, "reserved prefix of region %d exhausted (%d of %d used, %d requested)",
			regionID, mr.reservedPos, mr.reservedLen, length)
	}
	off := mr.reservedPos
	mr.reservedPos += length
	return NewSharedPtr(regionID, off), nil
}

// Heap returns the bump/free-list heap backing regionID's memory past
// its reserved prefix, creating it on first use. Region 0's heap backs
// Gate Registry descriptors, Config Exchange Channel nodes and
// sub-protocol allocations made during attach.
func (r *Registry) Heap(regionID int) (*Heap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, err := r.get(regionID)
	if err != nil {
		return nil, err
	}
	if mr.heap == nil {
		mr.heap = newHeap(regionID, mr.data[mr.reservedLen:], mr.reservedLen)
		mr.entry.ContainsHeap = true
	}
	return mr.heap, nil
}

// GetPointer dereferences a shared pointer to a local byte slice of the
// given length. The encoding of SharedPtr is opaque to callers; this is
// the only place it is unpacked against live memory.
func (r *Registry) GetPointer(ptr SharedPtr, length uint32) ([]byte, error) {
	if !ptr.Valid() {
		return nil, status.New(status.InvalidArgument, "dereferencing invalid shared pointer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, err := r.get(ptr.RegionID())
	if err != nil {
		return nil, err
	}
	off := ptr.Offset()
	if uint64(off)+uint64(length) > uint64(len(mr.data)) {
		return nil, status.New(status.InvalidArgument, "pointer %s with length %d out of bounds of region %d (len %d)",
			ptr, length, ptr.RegionID(), len(mr.data))
	}
	return mr.data[off : off+length], nil
}

// GetSharedPointer is the inverse of GetPointer: given a slice obtained
// from this registry (directly or via sub-slicing) and the region it
// belongs to, recovers the SharedPtr. It identifies the slice by
// address range against the region's backing mapping, the same
// technique a buffer pool uses to recognize buffers it handed out.
func (r *Registry) GetSharedPointer(local []byte, regionID int) (SharedPtr, error) {
	if len(local) == 0 {
		return Invalid, status.New(status.InvalidArgument, "cannot convert empty slice to shared pointer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, err := r.get(regionID)
	if err != nil {
		return Invalid, err
	}
	base := uintptr(unsafe.Pointer(&mr.data[0]))
	ptr := uintptr(unsafe.Pointer(&local[0]))
	if ptr < base || ptr+uintptr(len(local)) > base+uintptr(len(mr.data)) {
		return Invalid, status.New(status.InvalidArgument, "slice does not belong to region %d", regionID)
	}
	return NewSharedPtr(regionID, uint32(ptr-base)), nil
}
