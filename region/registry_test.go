package region

import "testing"

func newTestRegistry(t *testing.T, size, reserved uint32, cacheEnabled bool) *Registry {
	t.Helper()
	r := NewRegistry()
	data := make([]byte, size)
	err := r.Register(Entry{
		ID:            0,
		BasePhysAddr:  0x9c000000,
		CacheEnabled:  cacheEnabled,
		CacheLineSize: 64,
		OwningCoreID:  InvalidCoreID,
	}, data, reserved)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestReserveExhaustion(t *testing.T) {
	r := newTestRegistry(t, 256, 64, true)

	if _, err := r.Reserve(0, 40); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := r.Reserve(0, 24); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := r.Reserve(0, 1); err == nil {
		t.Fatalf("Reserve: expected exhaustion error")
	}
}

func TestReserveUnregisteredRegion(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Reserve(3, 4); err == nil {
		t.Fatalf("Reserve: expected error for unregistered region")
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	r := newTestRegistry(t, 256, 64, true)

	ptr, err := r.Reserve(0, 16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	local, err := r.GetPointer(ptr, 16)
	if err != nil {
		t.Fatalf("GetPointer: %v", err)
	}
	copy(local, []byte("0123456789abcdef"))

	back, err := r.GetSharedPointer(local, 0)
	if err != nil {
		t.Fatalf("GetSharedPointer: %v", err)
	}
	if back != ptr {
		t.Fatalf("round trip mismatch: got %s, want %s", back, ptr)
	}
}

func TestInvalidSharedPointer(t *testing.T) {
	r := newTestRegistry(t, 256, 64, true)
	if _, err := r.GetPointer(Invalid, 4); err == nil {
		t.Fatalf("GetPointer: expected error dereferencing Invalid")
	}
}

func TestHeapAllocFreeReuse(t *testing.T) {
	r := newTestRegistry(t, 256, 64, true)
	h, err := r.Heap(0)
	if err != nil {
		t.Fatalf("Heap: %v", err)
	}

	a, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.Free(a, 32); err != nil {
		t.Fatalf("Free: %v", err)
	}
	b, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != b {
		t.Fatalf("expected freed block to be reused: a=%s b=%s", a, b)
	}
}

func TestCacheOpsNoopWhenCoherent(t *testing.T) {
	r := newTestRegistry(t, 256, 64, false)
	calls := 0
	ops := NewCacheOps(r, recordingMaintainer{calls: &calls})

	local, err := r.GetPointer(mustReserve(t, r, 16), 16)
	if err != nil {
		t.Fatalf("GetPointer: %v", err)
	}
	ops.Writeback(0, local)
	ops.Invalidate(0, local)
	ops.WritebackInvalidate(0, local)
	if calls != 0 {
		t.Fatalf("expected no maintenance calls on coherent region, got %d", calls)
	}
}

func TestCacheOpsCallsThroughWhenNonCoherent(t *testing.T) {
	r := newTestRegistry(t, 256, 64, true)
	calls := 0
	ops := NewCacheOps(r, recordingMaintainer{calls: &calls})

	local, err := r.GetPointer(mustReserve(t, r, 16), 16)
	if err != nil {
		t.Fatalf("GetPointer: %v", err)
	}
	ops.Writeback(0, local)
	ops.Invalidate(0, local)
	ops.WritebackInvalidate(0, local)
	if calls != 3 {
		t.Fatalf("expected 3 maintenance calls on non-coherent region, got %d", calls)
	}
}

func mustReserve(t *testing.T, r *Registry, n uint32) SharedPtr {
	t.Helper()
	p, err := r.Reserve(0, n)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return p
}

type recordingMaintainer struct {
	calls *int
}

func (r recordingMaintainer) Writeback(uintptr, uint32)            { *r.calls++ }
func (r recordingMaintainer) Invalidate(uintptr, uint32)           { *r.calls++ }
func (r recordingMaintainer) WritebackInvalidate(uintptr, uint32) { *r.calls++ }
