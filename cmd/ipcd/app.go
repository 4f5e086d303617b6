package main

import (
	"fmt"
	"log"

	"github.com/ipcdev/ipc/config"
	"github.com/ipcdev/ipc/gate"
	"github.com/ipcdev/ipc/gate/nameserver"
	"github.com/ipcdev/ipc/mailbox"
	"github.com/ipcdev/ipc/proc"
	"github.com/ipcdev/ipc/procsync"
	"github.com/ipcdev/ipc/region"
)

// region0Reserved is the size of region 0's reserved prefix: one
// procsync.Slot per configured peer, sized generously since this
// daemon brings up a small, fixed cluster.
const region0Reserved = 16 * 1024

// coreState is everything wired for one simulated core. Real
// deployments run one core's coreState per host process; this skeleton
// runs every configured core's coreState in a single OS process,
// sharing one mmap'd region 0 the way cores on an actual SoC share one
// physically-backed carveout — only the transport between hosts (the
// §1 "thin request-response wrapper") is out of scope here, not the
// state machines themselves.
type coreState struct {
	coreID  int
	gates   *gate.Registry
	mailbox *mailbox.Dispatcher
	orch    *proc.Orchestrator
}

// Cluster is the process-wide state object (§9's "Singletons" note):
// one shared region.Registry/CacheOps/NameServer/RemoteSpinlock pair,
// plus one coreState per configured core.
type Cluster struct {
	Logger *log.Logger
	Config config.Config

	regionData []byte
	registry   *region.Registry
	cache      *region.CacheOps

	cores map[int]*coreState
}

// NewCluster builds and registers region 0, the shared gate
// bootstrap, and one coreState per id in coreIDs (srOwnerCoreID must be
// one of them). It does not attach any peer; call Attach per pair once
// every core is registered.
func NewCluster(logger *log.Logger, cfg config.Config, srOwnerCoreID int, coreIDs []int, regionSize int) (*Cluster, error) {
	data, err := region.MmapAnonymous(regionSize)
	if err != nil {
		return nil, fmt.Errorf("ipcd: mmap region 0: %w", err)
	}

	registry := region.NewRegistry()
	if err := registry.Register(region.Entry{ID: 0, OwningCoreID: srOwnerCoreID}, data, region0Reserved); err != nil {
		region.Munmap(data)
		return nil, err
	}
	// Region 0 is modeled as cache-coherent here: every simulated core
	// is a goroutine in this one process, sharing the same mapping, so
	// there is no second cache to invalidate against. A real multi-host
	// deployment registers CacheEnabled: true and supplies a
	// region.CacheMaintainer backed by the platform's cache-flush
	// syscalls.
	cache := region.NewCacheOps(registry, nil)

	ns := nameserver.New()
	spinlock := gate.NewSoftwareSpinlock()
	remoteFactory := func(gate.ProtectionKind) gate.RemoteSpinlock { return spinlock }

	c := &Cluster{
		Logger:     logger,
		Config:     cfg,
		regionData: data,
		registry:   registry,
		cache:      cache,
		cores:      make(map[int]*coreState),
	}

	var defaultGatePtr region.SharedPtr
	for _, id := range coreIDs {
		gatesCfg := gate.Config{LocalCoreID: id}
		if id == srOwnerCoreID {
			gatesCfg.NumResources = [3]int{gate.System: 64}
		}
		gates, err := gate.NewRegistry(registry, cache, ns, 0, gatesCfg, remoteFactory)
		if err != nil {
			return nil, err
		}
		if id == srOwnerCoreID {
			defaultGatePtr, err = gates.Install()
			if err != nil {
				return nil, fmt.Errorf("ipcd: installing default gate: %w", err)
			}
			logger.Printf("core %d: default gate installed at %s", id, defaultGatePtr)
		}
		c.cores[id] = &coreState{
			coreID:  id,
			gates:   gates,
			mailbox: mailbox.NewDispatcher(mailbox.NewLoopbackBackend(coreIDs...)),
		}
	}
	if !defaultGatePtr.Valid() {
		return nil, fmt.Errorf("ipcd: srOwnerCoreID %d not present in coreIDs", srOwnerCoreID)
	}

	for _, cs := range c.cores {
		cs.orch = proc.NewOrchestrator(registry, cache, 0, cs.coreID, srOwnerCoreID, cs.gates, defaultGatePtr)
	}
	return c, nil
}

// Link registers each of (a, b) as a peer of the other, sharing one
// procsync.Slot, and arms both sides' Orchestrator (Start). It must be
// called once per unordered pair before either side calls Attach.
func (c *Cluster) Link(a, b int) error {
	ca, ok := c.cores[a]
	if !ok {
		return fmt.Errorf("ipcd: core %d not configured", a)
	}
	cb, ok := c.cores[b]
	if !ok {
		return fmt.Errorf("ipcd: core %d not configured", b)
	}

	slotPtr, err := c.registry.Reserve(0, procsync.SlotSize)
	if err != nil {
		return fmt.Errorf("ipcd: reserving procsync slot for (%d, %d): %w", a, b, err)
	}
	slot := procsync.New(c.registry, c.cache, 0, slotPtr)
	if err := slot.Zero(); err != nil {
		return err
	}

	if err := ca.orch.RegisterPeer(b, slot, nil, nil, nil); err != nil {
		return err
	}
	if err := cb.orch.RegisterPeer(a, slot, nil, nil, nil); err != nil {
		return err
	}
	ca.orch.Start()
	cb.orch.Start()
	return nil
}

// Attach runs Orchestrator.Attach for both sides of (a, b) concurrently
// and waits for both to finish.
func (c *Cluster) Attach(a, b int) error {
	ca, cb := c.cores[a], c.cores[b]
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- ca.orch.Attach(b) }()
	go func() { errB <- cb.orch.Attach(a) }()
	if err := <-errA; err != nil {
		return fmt.Errorf("ipcd: core %d attach to %d: %w", a, b, err)
	}
	if err := <-errB; err != nil {
		return fmt.Errorf("ipcd: core %d attach to %d: %w", b, a, err)
	}
	c.Logger.Printf("attached core %d <-> core %d", a, b)
	return nil
}

// Detach runs Orchestrator.Detach for both sides of (a, b) concurrently
// and waits for both to finish.
func (c *Cluster) Detach(a, b int) error {
	ca, cb := c.cores[a], c.cores[b]
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- ca.orch.Detach(b) }()
	go func() { errB <- cb.orch.Detach(a) }()
	if err := <-errA; err != nil {
		return fmt.Errorf("ipcd: core %d detach from %d: %w", a, b, err)
	}
	if err := <-errB; err != nil {
		return fmt.Errorf("ipcd: core %d detach from %d: %w", b, a, err)
	}
	c.Logger.Printf("detached core %d <-> core %d", a, b)
	return nil
}

// Ping delivers one mailbox value from core `from` to core `to` and
// waits for `to`'s registered listener to observe it. It registers a
// listener on `to` for `from` if one is not already present.
//
// There is no cross-process transport between the two simulated cores'
// mailbox peripherals (each coreState owns an independent
// mailbox.LoopbackBackend), so delivery is modeled the same way the
// mailbox package's own tests model an inbound event: calling Send
// directly on the receiving side's Dispatcher stands in for "the peer
// writing into the host-readable FIFO", with HandleInterrupt standing
// in for the real ISR that would otherwise drive it.
func (c *Cluster) Ping(from, to int, value uint32) error {
	dst, ok := c.cores[to]
	if !ok {
		return fmt.Errorf("ipcd: core %d not configured", to)
	}
	received := make(chan uint32, 1)
	already, err := dst.mailbox.Register(from, 0, func(peerCoreID int, v uint32, arg interface{}) {
		received <- v
	}, nil)
	if err != nil {
		return fmt.Errorf("ipcd: registering mailbox listener on core %d for peer %d: %w", to, from, err)
	}
	if !already {
		defer dst.mailbox.Unregister(from)
	}

	if err := dst.mailbox.Send(from, value); err != nil {
		return err
	}
	dst.mailbox.HandleInterrupt()

	got := <-received
	c.Logger.Printf("core %d received mailbox value %#x from core %d", to, got, from)
	return nil
}

// Close releases region 0's backing mapping. Callers must Detach every
// linked pair first.
func (c *Cluster) Close() error {
	return region.Munmap(c.regionData)
}
