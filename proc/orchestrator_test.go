package proc

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ipcdev/ipc/gate"
	"github.com/ipcdev/ipc/gate/nameserver"
	"github.com/ipcdev/ipc/procsync"
	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

// fakeSubProtocol is a minimal SubProtocol used to exercise the
// orchestrator's step-4 allocate/publish/attach sequence without a real
// notify or message-transport implementation.
type fakeSubProtocol struct {
	name string
	at   procsync.SetupPointer

	attachLowerCalls  int
	attachHigherCalls int
	detachLowerCalls  int
	detachHigherCalls int
}

func (f *fakeSubProtocol) Name() string                     { return f.name }
func (f *fakeSubProtocol) SlotPointer() procsync.SetupPointer { return f.at }

func (f *fakeSubProtocol) AttachLower(registry *region.Registry, cache *region.CacheOps, regionID, peerCoreID int) (region.SharedPtr, error) {
	f.attachLowerCalls++
	heap, err := registry.Heap(regionID)
	if err != nil {
		return region.Invalid, err
	}
	return heap.Alloc(4)
}

func (f *fakeSubProtocol) AttachHigher(registry *region.Registry, cache *region.CacheOps, regionID, peerCoreID int, ptr region.SharedPtr) error {
	f.attachHigherCalls++
	if !ptr.Valid() {
		return status.New(status.InvalidArgument, "expected a valid pointer from the lower peer")
	}
	return nil
}

func (f *fakeSubProtocol) DetachLower(registry *region.Registry, cache *region.CacheOps, regionID, peerCoreID int, ptr region.SharedPtr) error {
	f.detachLowerCalls++
	heap, err := registry.Heap(regionID)
	if err != nil {
		return err
	}
	return heap.Free(ptr, 4)
}

func (f *fakeSubProtocol) DetachHigher(registry *region.Registry, cache *region.CacheOps, regionID, peerCoreID int) error {
	f.detachHigherCalls++
	return nil
}

type testCluster struct {
	registry *region.Registry
	cache    *region.CacheOps
	slot     *procsync.Slot

	ownerGates *gate.Registry
	peerGates  *gate.Registry

	owner *Orchestrator
	peer  *Orchestrator

	sub *fakeSubProtocol
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	reg := region.NewRegistry()
	data := make([]byte, 16384)
	if err := reg.Register(region.Entry{ID: 0, OwningCoreID: region.InvalidCoreID}, data, 2048); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cache := region.NewCacheOps(reg, nil)
	ns := nameserver.New()
	spinlock := gate.NewSoftwareSpinlock()
	factory := func(gate.ProtectionKind) gate.RemoteSpinlock { return spinlock }

	ownerGates, err := gate.NewRegistry(reg, cache, ns, 0, gate.Config{
		LocalCoreID:  1,
		NumResources: [3]int{gate.System: 8},
	}, factory)
	if err != nil {
		t.Fatalf("NewRegistry (owner): %v", err)
	}
	defaultPtr, err := ownerGates.Install()
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	peerGates, err := gate.NewRegistry(reg, cache, ns, 0, gate.Config{LocalCoreID: 2}, factory)
	if err != nil {
		t.Fatalf("NewRegistry (peer): %v", err)
	}

	slotPtr, err := reg.Reserve(0, procsync.SlotSize)
	if err != nil {
		t.Fatalf("Reserve slot: %v", err)
	}
	slot := procsync.New(reg, cache, 0, slotPtr)
	if err := slot.Zero(); err != nil {
		t.Fatalf("Zero: %v", err)
	}

	owner := NewOrchestrator(reg, cache, 0, 1, 1, ownerGates, defaultPtr)
	peer := NewOrchestrator(reg, cache, 0, 2, 1, peerGates, defaultPtr)
	owner.SetTimeouts(500*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond)
	peer.SetTimeouts(500*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond)
	owner.Start()
	peer.Start()

	sub := &fakeSubProtocol{name: "notify", at: procsync.Notify}
	if err := owner.RegisterPeer(2, slot, []SubProtocol{sub}, nil, nil); err != nil {
		t.Fatalf("RegisterPeer (owner): %v", err)
	}
	if err := peer.RegisterPeer(1, slot, []SubProtocol{sub}, nil, nil); err != nil {
		t.Fatalf("RegisterPeer (peer): %v", err)
	}

	return &testCluster{
		registry: reg, cache: cache, slot: slot,
		ownerGates: ownerGates, peerGates: peerGates,
		owner: owner, peer: peer, sub: sub,
	}
}

// TestSinglePeerColdAttach reproduces §8 scenario 1.
func TestSinglePeerColdAttach(t *testing.T) {
	c := newTestCluster(t)

	var eg errgroup.Group
	eg.Go(func() error { return c.owner.Attach(2) })
	eg.Go(func() error { return c.peer.Attach(1) })
	if err := eg.Wait(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if c.owner.AttachedCount(2) != 1 || c.peer.AttachedCount(1) != 1 {
		t.Fatalf("expected attached counters of 1 on both sides")
	}
	if c.sub.attachLowerCalls != 1 || c.sub.attachHigherCalls != 1 {
		t.Fatalf("expected exactly one lower and one higher sub-protocol attach, got %+v", c.sub)
	}
}

func TestAttachIsReferenceCounted(t *testing.T) {
	c := newTestCluster(t)

	var eg errgroup.Group
	eg.Go(func() error { return c.owner.Attach(2) })
	eg.Go(func() error { return c.peer.Attach(1) })
	if err := eg.Wait(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	err := c.owner.Attach(2)
	if status.Of(err) != status.AlreadySetup {
		t.Fatalf("expected AlreadySetup on second attach, got %v", err)
	}
	if c.owner.AttachedCount(2) != 2 {
		t.Fatalf("expected attached count 2, got %d", c.owner.AttachedCount(2))
	}

	if err := c.owner.Detach(2); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if c.owner.AttachedCount(2) != 1 {
		t.Fatalf("expected attached count 1 after one Detach, got %d", c.owner.AttachedCount(2))
	}
}

func TestFullAttachDetachCycle(t *testing.T) {
	c := newTestCluster(t)

	var eg errgroup.Group
	eg.Go(func() error { return c.owner.Attach(2) })
	eg.Go(func() error { return c.peer.Attach(1) })
	if err := eg.Wait(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var eg2 errgroup.Group
	eg2.Go(func() error { return c.owner.Detach(2) })
	eg2.Go(func() error { return c.peer.Detach(1) })
	if err := eg2.Wait(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	if c.owner.AttachedCount(2) != 0 || c.peer.AttachedCount(1) != 0 {
		t.Fatalf("expected attached counters of 0 after detach")
	}
	lowerState, err := c.slot.State(true)
	if err != nil || lowerState != procsync.Detach {
		t.Fatalf("expected lower half in DETACH, got %v, %v", lowerState, err)
	}
	if c.sub.detachLowerCalls != 1 || c.sub.detachHigherCalls != 1 {
		t.Fatalf("expected exactly one lower and one higher sub-protocol detach, got %+v", c.sub)
	}
}

// TestAttachRefusedBeforeStart reproduces Ipc_start gating: Attach must
// fail with InvalidState until Orchestrator.Start has been called.
func TestAttachRefusedBeforeStart(t *testing.T) {
	reg := region.NewRegistry()
	data := make([]byte, 4096)
	if err := reg.Register(region.Entry{ID: 0, OwningCoreID: region.InvalidCoreID}, data, 1024); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cache := region.NewCacheOps(reg, nil)
	gates, err := gate.NewRegistry(reg, cache, nameserver.New(), 0, gate.Config{
		LocalCoreID:  1,
		NumResources: [3]int{gate.System: 4},
	}, func(gate.ProtectionKind) gate.RemoteSpinlock { return gate.NewSoftwareSpinlock() })
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defaultPtr, err := gates.Install()
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	slotPtr, err := reg.Reserve(0, procsync.SlotSize)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	slot := procsync.New(reg, cache, 0, slotPtr)
	if err := slot.Zero(); err != nil {
		t.Fatalf("Zero: %v", err)
	}

	o := NewOrchestrator(reg, cache, 0, 1, 1, gates, defaultPtr)
	if err := o.RegisterPeer(2, slot, nil, nil, nil); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}

	if err := o.Attach(2); status.Of(err) != status.InvalidState {
		t.Fatalf("expected InvalidState before Start, got %v", err)
	}
	o.Start()
	// Attach now gets past the Start check; as the lower-id side its
	// procSyncStart returns at once, and it times out in procSyncFinish
	// since no peer ever publishes FINISH. Confirm it's no longer the
	// pre-Start rejection by checking it is not InvalidState.
	o.SetTimeouts(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)
	if err := o.Attach(2); status.Of(err) == status.InvalidState {
		t.Fatalf("Attach still refused after Start: %v", err)
	}
}

// TestDetachRefusedDuringAttach reproduces §8 scenario 5: a peer whose
// attach has started but not yet completed the handshake must refuse a
// concurrent detach with NotReady, and must not move its counter.
func TestDetachRefusedDuringAttach(t *testing.T) {
	c := newTestCluster(t)

	// Only the owner (lower) starts; the peer never calls Attach, so the
	// owner's Attach publishes START, then FINISH, and stays blocked in
	// procSyncFinish waiting for the peer — emulating "attach in progress".
	attachErr := make(chan error, 1)
	go func() {
		attachErr <- c.owner.Attach(2)
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.owner.Detach(2); status.Of(err) != status.NotReady {
		t.Fatalf("expected NotReady while attach is in progress, got %v", err)
	}
	if c.owner.AttachedCount(2) != 0 {
		t.Fatalf("attached counter must be unchanged, got %d", c.owner.AttachedCount(2))
	}

	// Let the stuck Attach time out so the test goroutine does not leak.
	<-attachErr
}
