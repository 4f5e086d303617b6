package region

// CacheMaintainer performs the actual architecture-specific cache
// maintenance instructions for a non-coherent region. It is the one
// hardware boundary this package cannot express portably in Go; a real
// deployment backs it with the platform's cache-flush syscalls or
// intrinsics.
type CacheMaintainer interface {
	Writeback(ptr uintptr, length uint32)
	Invalidate(ptr uintptr, length uint32)
	WritebackInvalidate(ptr uintptr, length uint32)
}

// noopMaintainer backs cache-coherent regions: every operation is a
// no-op, matching §4.1's "no-op when the region is cache-coherent".
type noopMaintainer struct{}

func (noopMaintainer) Writeback(uintptr, uint32)            {}
func (noopMaintainer) Invalidate(uintptr, uint32)           {}
func (noopMaintainer) WritebackInvalidate(uintptr, uint32) {}

// CacheOps is the Cache Operations Facade (C2). Every structured write
// to, or read from, shared memory that another core might observe must
// be bracketed by it: the producer issues Writeback after writing, the
// consumer issues Invalidate before reading.
type CacheOps struct {
	registry   *Registry
	maintainer CacheMaintainer
}

// NewCacheOps builds a facade over registry. A nil maintainer installs
// the no-op backend, appropriate for a fully cache-coherent deployment;
// tests exercise both.
func NewCacheOps(registry *Registry, maintainer CacheMaintainer) *CacheOps {
	if maintainer == nil {
		maintainer = noopMaintainer{}
	}
	return &CacheOps{registry: registry, maintainer: maintainer}
}

func (c *CacheOps) enabled(regionID int) bool {
	e, err := c.registry.IsCacheEnabled(regionID)
	return err == nil && e
}

func localAddr(local []byte) uintptr {
	if len(local) == 0 {
		return 0
	}
	return uintptr(pointerOf(local))
}

// Writeback flushes local (belonging to regionID) to the coherency
// point shared with the target peer. No-op on a cache-coherent region.
func (c *CacheOps) Writeback(regionID int, local []byte) {
	if !c.enabled(regionID) || len(local) == 0 {
		return
	}
	c.maintainer.Writeback(localAddr(local), uint32(len(local)))
}

// Invalidate discards any locally cached copy of local so a subsequent
// read observes the peer's writeback. No-op on a cache-coherent region.
func (c *CacheOps) Invalidate(regionID int, local []byte) {
	if !c.enabled(regionID) || len(local) == 0 {
		return
	}
	c.maintainer.Invalidate(localAddr(local), uint32(len(local)))
}

// WritebackInvalidate combines both operations, for a range that is
// written and later re-read after the peer's own update
// (procsync.Slot.Zero uses it when clearing a slot).
func (c *CacheOps) WritebackInvalidate(regionID int, local []byte) {
	if !c.enabled(regionID) || len(local) == 0 {
		return
	}
	c.maintainer.WritebackInvalidate(localAddr(local), uint32(len(local)))
}
