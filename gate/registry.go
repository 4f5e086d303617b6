package gate

import (
	"fmt"
	"sync"

	"github.com/ipcdev/ipc/gate/nameserver"
	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

// defaultGateResourceID is the fixed system-kind resource id the
// default gate occupies. It is allocated directly (allocAt), bypassing
// the normal scan, because every core must agree on its identity
// without a name-server round trip — the default gate is what protects
// the name server itself (§6).
const defaultGateResourceID = 0

// ObjectKind records how a Handle came to exist, governing what Close
// does when its reference count reaches zero.
type ObjectKind int

const (
	// objLocal is the process-wide default gate: never deleted.
	objLocal ObjectKind = iota
	// objCreateDynamic is a gate this core created with Create.
	objCreateDynamic
	// objOpenDynamic is a gate this core opened (by name or address)
	// that some other core created; Close on the last reference
	// releases the local Handle but never the shared descriptor.
	objOpenDynamic
)

// Handle is a local reference to a shared gate. Repeated Opens on this
// core return the same Handle, and concurrent Enter/Leave on it from
// several goroutines are serialized by the remote spinlock and the
// local gate; mu guards the reference count.
type Handle struct {
	mu sync.Mutex

	name       string
	regionID   int
	descPtr    region.SharedPtr
	allocated  bool // true if descPtr came from the region heap (needs Heap.Free on delete)
	kind       ProtectionKind
	resourceID int
	objectKind ObjectKind
	numOpens   int

	remote RemoteSpinlock
	local  LocalGate

	nsKey    int
	hasNSKey bool
}

// Key is the opaque token Enter returns and Leave consumes.
type Key struct {
	local interface{}
}

// Registry is the Gate Registry (C6): it owns the per-protection-kind
// resource tables, the default gate, and the local bookkeeping that
// lets repeated Opens of the same shared gate on one core collapse
// onto a single local Handle.
type Registry struct {
	registry *region.Registry
	cache    *region.CacheOps
	ns       nameserver.NameServer
	regionID int
	cfg      Config

	remoteFactory func(kind ProtectionKind) RemoteSpinlock

	mu      sync.Mutex
	tables  [numProtectionKinds]*resourceTable
	handles map[int]*Handle // keyed by (kind<<24 | resourceID), local core only

	defaultGate *Handle
}

func resourceKey(kind ProtectionKind, resourceID int) int {
	return int(kind)<<24 | resourceID
}

// NewRegistry builds a Registry. remoteFactory supplies the
// RemoteSpinlock instrument backing each protection kind; a deployment
// with only one hardware spinlock block passes a factory that returns
// the same instance regardless of kind.
func NewRegistry(registry *region.Registry, cache *region.CacheOps, ns nameserver.NameServer, regionID int, cfg Config, remoteFactory func(ProtectionKind) RemoteSpinlock) (*Registry, error) {
	if err := cfg.Proxy.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		registry:      registry,
		cache:         cache,
		ns:            ns,
		regionID:      regionID,
		cfg:           cfg,
		remoteFactory: remoteFactory,
		handles:       make(map[int]*Handle),
	}, nil
}

// tableFor resolves kind through the configured proxy map and returns
// its backing resourceTable, allocating it on first use.
func (r *Registry) tableFor(kind ProtectionKind) (*resourceTable, ProtectionKind, error) {
	resolved := r.cfg.Proxy.resolve(kind)
	if r.tables[resolved] == nil {
		count := r.cfg.NumResources[resolved]
		if count == 0 {
			return nil, resolved, status.New(status.InvalidArgument, "protection kind %s has no configured resource ids", resolved)
		}
		ptr, err := r.registry.Reserve(r.regionID, uint32(count))
		if err != nil {
			return nil, resolved, err
		}
		r.tables[resolved] = newResourceTable(r.registry, r.cache, r.regionID, ptr, count)
	}
	return r.tables[resolved], resolved, nil
}

// Install performs the one-time bring-up the SR-0 owner runs before any
// peer may Create or Open a gate: it materializes every configured
// protection kind's resource table, seeds its reserved ids, and creates
// the default gate at the fixed resource id every core expects.
func (r *Registry) Install() (region.SharedPtr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind := ProtectionKind(0); kind < numProtectionKinds; kind++ {
		resolved := r.cfg.Proxy.resolve(kind)
		if resolved != kind || r.cfg.NumResources[kind] == 0 {
			// Either this kind aliases another (its table is created
			// when the aliased kind is reached) or this deployment
			// never configured it at all — System is the only kind
			// Install itself requires, for the default gate.
			continue
		}
		table, _, err := r.tableForLocked(kind)
		if err != nil {
			return region.Invalid, err
		}
		if ids := r.cfg.Reserved[kind]; len(ids) > 0 {
			if err := table.reserve(ids); err != nil {
				return region.Invalid, err
			}
		}
	}

	table, resolved, err := r.tableForLocked(System)
	if err != nil {
		return region.Invalid, err
	}
	if err := table.allocAt(defaultGateResourceID); err != nil {
		return region.Invalid, err
	}

	descPtr, err := r.heapAlloc()
	if err != nil {
		table.free(defaultGateResourceID)
		return region.Invalid, err
	}
	d := descriptor{creatorCoreID: r.cfg.LocalCoreID, remoteKind: System, localKind: None, resourceID: defaultGateResourceID}
	if err := writeDescriptor(r.registry, r.cache, r.regionID, descPtr, d); err != nil {
		table.free(defaultGateResourceID)
		return region.Invalid, err
	}

	h := &Handle{
		name:       "",
		regionID:   r.regionID,
		descPtr:    descPtr,
		allocated:  true,
		kind:       resolved,
		resourceID: defaultGateResourceID,
		objectKind: objLocal,
		numOpens:   1,
		remote:     r.remoteFactory(System),
		local:      newLocalGate(None),
	}
	r.defaultGate = h
	r.handles[resourceKey(resolved, defaultGateResourceID)] = h
	return descPtr, nil
}

// AttachDefaultGate materializes this core's Handle to the default
// gate a peer has already Installed, given the shared pointer the
// Reserved-Slot Handshake carried over (§4.6's open-by-address path —
// the default gate is never published through the name server, since
// the name server itself depends on it being usable first).
func (r *Registry) AttachDefaultGate(ptr region.SharedPtr) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultGate != nil {
		r.defaultGate.numOpens++
		return r.defaultGate, nil
	}
	d, err := readDescriptor(r.registry, r.cache, r.regionID, ptr)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		regionID:   r.regionID,
		descPtr:    ptr,
		kind:       System,
		resourceID: d.resourceID,
		objectKind: objLocal,
		numOpens:   1,
		remote:     r.remoteFactory(System),
		local:      newLocalGate(d.localKind),
	}
	r.defaultGate = h
	r.handles[resourceKey(System, d.resourceID)] = h
	return h, nil
}

func (r *Registry) tableForLocked(kind ProtectionKind) (*resourceTable, ProtectionKind, error) {
	return r.tableFor(kind)
}

func (r *Registry) heapAlloc() (region.SharedPtr, error) {
	heap, err := r.registry.Heap(r.regionID)
	if err != nil {
		return region.Invalid, err
	}
	return heap.Alloc(descriptorSize)
}

// CreateParams configures a new gate.
type CreateParams struct {
	Name       string
	Kind       ProtectionKind
	Local      LocalProtectionKind
	LocalOnly  bool // publish with the local-only name server flag
}

// Create allocates a fresh resource id from kind's table, writes its
// descriptor, optionally publishes it under Name, and returns a Handle
// usable immediately by this core. Every Create is itself serialized by
// the default gate, matching §6's "the default gate protects the
// allocation tables themselves".
func (r *Registry) Create(p CreateParams) (*Handle, error) {
	if r.defaultGate == nil {
		return nil, status.New(status.NotReady, "default gate not installed")
	}
	key, err := Enter(r.defaultGate)
	if err != nil {
		return nil, err
	}
	defer Leave(r.defaultGate, key)

	table, resolved, err := func() (*resourceTable, ProtectionKind, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.tableForLocked(p.Kind)
	}()
	if err != nil {
		return nil, err
	}

	resourceID, err := table.alloc()
	if err != nil {
		return nil, err
	}

	descPtr, err := r.heapAlloc()
	if err != nil {
		table.free(resourceID)
		return nil, err
	}
	d := descriptor{creatorCoreID: r.cfg.LocalCoreID, remoteKind: p.Kind, localKind: p.Local, resourceID: resourceID}
	if err := writeDescriptor(r.registry, r.cache, r.regionID, descPtr, d); err != nil {
		table.free(resourceID)
		return nil, err
	}

	h := &Handle{
		name:       p.Name,
		regionID:   r.regionID,
		descPtr:    descPtr,
		allocated:  true,
		kind:       resolved,
		resourceID: resourceID,
		objectKind: objCreateDynamic,
		numOpens:   1,
		remote:     r.remoteFactory(p.Kind),
		local:      newLocalGate(p.Local),
	}

	if p.Name != "" {
		nsKey, err := r.ns.Add(p.Name, p.Name, nameserver.Value{
			Base:           uint32(descPtr),
			CreatorMeta:    nameserver.MakeCreatorMeta(r.cfg.LocalCoreID, p.LocalOnly),
			ResourceID:     uint32(resourceID),
			ProtectionMask: uint32(p.Kind),
		})
		if err != nil {
			table.free(resourceID)
			return nil, err
		}
		h.nsKey = nsKey
		h.hasNSKey = true
	}

	r.mu.Lock()
	r.handles[resourceKey(resolved, resourceID)] = h
	r.mu.Unlock()
	return h, nil
}

// Open resolves name through the name server and returns a Handle to
// the gate it names. A second Open on this core for the same shared
// gate returns the same Handle with its reference count bumped, rather
// than materializing a duplicate local object.
func (r *Registry) Open(name string) (*Handle, error) {
	v, err := r.ns.Get(name)
	if err != nil {
		return nil, status.New(status.NotFound, "%v", err)
	}
	if v.LocalOnly() && v.CreatorCoreID() != r.cfg.LocalCoreID {
		return nil, status.New(status.NotFound, "gate %q is local-only to core %d", name, v.CreatorCoreID())
	}
	return r.openDescriptor(name, region.SharedPtr(v.Base), ProtectionKind(v.ProtectionMask), int(v.ResourceID))
}

// OpenByAddress reconstructs a Handle directly from a shared pointer,
// bypassing the name server — used to resolve a gate whose address was
// carried over the Reserved-Slot Handshake or a Config Exchange Channel
// record instead of a published name.
func (r *Registry) OpenByAddress(ptr region.SharedPtr) (*Handle, error) {
	d, err := readDescriptor(r.registry, r.cache, r.regionID, ptr)
	if err != nil {
		return nil, err
	}
	return r.openDescriptor("", ptr, d.remoteKind, d.resourceID)
}

func (r *Registry) openDescriptor(name string, ptr region.SharedPtr, kind ProtectionKind, resourceID int) (*Handle, error) {
	r.mu.Lock()
	resolved := r.cfg.Proxy.resolve(kind)
	if h, ok := r.handles[resourceKey(resolved, resourceID)]; ok {
		h.mu.Lock()
		h.numOpens++
		h.mu.Unlock()
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	d, err := readDescriptor(r.registry, r.cache, r.regionID, ptr)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		name:       name,
		regionID:   r.regionID,
		descPtr:    ptr,
		kind:       resolved,
		resourceID: resourceID,
		objectKind: objOpenDynamic,
		numOpens:   1,
		remote:     r.remoteFactory(kind),
		local:      newLocalGate(d.localKind),
	}
	r.mu.Lock()
	r.handles[resourceKey(resolved, resourceID)] = h
	r.mu.Unlock()
	return h, nil
}

// Close releases one reference to h. When the last reference on an
// opened (not created) gate is released, the local Handle is dropped
// but the shared gate itself survives for other cores; closing the
// last reference to a created gate deletes it outright, matching §6's
// "Close implicitly deletes a dynamically created gate with no
// remaining opens".
func (r *Registry) Close(h *Handle) error {
	h.mu.Lock()
	if h.numOpens == 0 {
		h.mu.Unlock()
		return status.New(status.InvalidState, "gate already closed")
	}
	h.numOpens--
	remaining := h.numOpens
	objectKind := h.objectKind
	h.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if objectKind == objLocal {
		return nil
	}
	if objectKind == objOpenDynamic {
		r.mu.Lock()
		delete(r.handles, resourceKey(h.kind, h.resourceID))
		r.mu.Unlock()
		return nil
	}
	return r.Delete(h)
}

// Delete releases a created gate's resource id and descriptor storage
// outright; it fails with invalid-state if any reference remains open.
// The default gate is never deleted: Delete returns an error for it.
func (r *Registry) Delete(h *Handle) error {
	h.mu.Lock()
	opens := h.numOpens
	h.mu.Unlock()
	if opens > 0 {
		return status.New(status.InvalidState, "gate has %d open reference(s)", opens)
	}

	if h == r.defaultGate {
		return fmt.Errorf("gate: the default gate cannot be deleted")
	}

	key, err := Enter(r.defaultGate)
	if err != nil {
		return err
	}
	defer Leave(r.defaultGate, key)

	r.mu.Lock()
	table, _, err := r.tableForLocked(h.kind)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := table.free(h.resourceID); err != nil {
		return err
	}
	if h.hasNSKey {
		r.ns.RemoveEntry(h.nsKey)
	}
	if err := clearDescriptor(r.registry, r.cache, r.regionID, h.descPtr); err != nil {
		return err
	}
	if h.allocated {
		heap, err := r.registry.Heap(r.regionID)
		if err == nil {
			heap.Free(h.descPtr, descriptorSize)
		}
	}

	r.mu.Lock()
	delete(r.handles, resourceKey(h.kind, h.resourceID))
	r.mu.Unlock()
	return nil
}
