package proc

import (
	"sync"
	"time"

	"github.com/ipcdev/ipc/gate"
	"github.com/ipcdev/ipc/procsync"
	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

// startRetryInterval paces Attach's internal retries of procSyncStart
// while the higher-id side waits for the lower-id side to publish
// START (§4.4); procsync.Slot.Start itself never blocks, so the
// orchestrator supplies the retry loop around it.
const startRetryInterval = 100 * time.Microsecond

// peerState is everything the orchestrator tracks for one configured
// peer core.
type peerState struct {
	mu sync.Mutex

	coreID          int
	slot            *procsync.Slot
	subProtocols    []SubProtocol
	attachCallbacks []AttachCallback
	detachCallbacks []DetachCallback

	attachedCount int
	inProgress    bool
	subPtrs       map[string]region.SharedPtr
	gateHandle    *gate.Handle
}

// Orchestrator is the Attach/Detach Orchestrator (C8). One instance is
// owned by the process-wide state object (§9's "Singletons" note) and
// shared by every peer this core attaches to.
type Orchestrator struct {
	registry      *region.Registry
	cache         *region.CacheOps
	regionID      int
	localCoreID   int
	srOwnerCoreID int
	gates         *gate.Registry
	defaultGate   region.SharedPtr

	sharedRegionAttach func(peerCoreID int) error
	sharedRegionDetach func(peerCoreID int) error

	finishTimeout time.Duration
	startTimeout  time.Duration
	detachTimeout time.Duration

	mu      sync.Mutex
	peers   map[int]*peerState
	started bool
}

// NewOrchestrator builds an Orchestrator. defaultGatePtr is the shared
// pointer the SR-0 owner's gate.Registry.Install returned; every peer
// in the cluster is configured with the same value out of band (it is
// not re-derived through the name server, since the default gate
// protects the name server itself).
func NewOrchestrator(registry *region.Registry, cache *region.CacheOps, regionID, localCoreID, srOwnerCoreID int, gates *gate.Registry, defaultGatePtr region.SharedPtr) *Orchestrator {
	return &Orchestrator{
		registry:      registry,
		cache:         cache,
		regionID:      regionID,
		localCoreID:   localCoreID,
		srOwnerCoreID: srOwnerCoreID,
		gates:         gates,
		defaultGate:   defaultGatePtr,
		finishTimeout: 2 * time.Second,
		startTimeout:  2 * time.Second,
		detachTimeout: 2 * time.Second,
		peers:         make(map[int]*peerState),
	}
}

// SetSharedRegionHooks installs the optional attach/detach callbacks
// for step 3 ("resolves heap handles for any non-region-0 shared
// regions the peer owns") and its detach-side mirror. Either may be
// nil.
func (o *Orchestrator) SetSharedRegionHooks(attach, detach func(peerCoreID int) error) {
	o.sharedRegionAttach = attach
	o.sharedRegionDetach = detach
}

// SetTimeouts overrides the default bounded waits used inside Attach
// and Detach; zero leaves a value unchanged.
func (o *Orchestrator) SetTimeouts(start, finish, detach time.Duration) {
	if start > 0 {
		o.startTimeout = start
	}
	if finish > 0 {
		o.finishTimeout = finish
	}
	if detach > 0 {
		o.detachTimeout = detach
	}
}

// RegisterPeer configures a cluster member this core may attach to.
// subProtocols are brought up in the given order on attach and torn
// down in reverse order on detach.
func (o *Orchestrator) RegisterPeer(coreID int, slot *procsync.Slot, subProtocols []SubProtocol, onAttach []AttachCallback, onDetach []DetachCallback) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.peers[coreID]; ok {
		return status.New(status.AlreadyExists, "peer core %d already registered", coreID)
	}
	o.peers[coreID] = &peerState{
		coreID:          coreID,
		slot:            slot,
		subProtocols:    subProtocols,
		attachCallbacks: onAttach,
		detachCallbacks: onDetach,
		subPtrs:         make(map[string]region.SharedPtr),
	}
	return nil
}

// Start marks the cluster ready for attach, mirroring Ipc.c's
// module-wide Ipc_start gate: every core runs its own local
// initialization (resource-table processing, mailbox setup) before any
// core may Attach to a peer, and Attach rejects calls made before
// Start with InvalidState.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = true
}

func (o *Orchestrator) peer(coreID int) (*peerState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[coreID]
	if !ok {
		return nil, status.New(status.InvalidArgument, "peer core %d not registered", coreID)
	}
	return p, nil
}

func (o *Orchestrator) isLower(peerCoreID int) bool {
	return o.localCoreID < peerCoreID
}

// Attach drives the fixed sequence of §4.8 for peerCoreID. Calling
// Attach on an already-attached peer increments its reference count
// and returns an AlreadySetup status rather than repeating the
// sequence.
func (o *Orchestrator) Attach(peerCoreID int) error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return status.New(status.InvalidState, "cluster not started: call Orchestrator.Start first")
	}

	p, err := o.peer(peerCoreID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.attachedCount > 0 {
		p.attachedCount++
		p.mu.Unlock()
		return status.New(status.AlreadySetup, "peer %d already attached", peerCoreID)
	}
	p.inProgress = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inProgress = false
		p.mu.Unlock()
	}()

	lower := o.isLower(peerCoreID)

	if err := o.procSyncStartRetrying(p, lower); err != nil {
		return err
	}

	gateHandle, err := o.gates.AttachDefaultGate(o.defaultGate)
	if err != nil {
		return err
	}

	if o.sharedRegionAttach != nil {
		if err := o.sharedRegionAttach(peerCoreID); err != nil {
			o.gates.Close(gateHandle)
			return err
		}
	}

	attachedSoFar := make([]SubProtocol, 0, len(p.subProtocols))
	rollbackSubProtocols := func() {
		for i := len(attachedSoFar) - 1; i >= 0; i-- {
			sp := attachedSoFar[i]
			key, err := gate.Enter(gateHandle)
			if err != nil {
				continue
			}
			if lower {
				sp.DetachLower(o.registry, o.cache, o.regionID, peerCoreID, p.subPtrs[sp.Name()])
			} else {
				sp.DetachHigher(o.registry, o.cache, o.regionID, peerCoreID)
			}
			gate.Leave(gateHandle, key)
		}
	}

	// Every sub-protocol attach touches the region-0 heap (AttachLower
	// allocates its setup record); each call is serialized under the
	// default gate the same way gate.Registry.Create/Delete already are.
	for _, sp := range p.subProtocols {
		key, err := gate.Enter(gateHandle)
		if err != nil {
			rollbackSubProtocols()
			o.gates.Close(gateHandle)
			return err
		}
		if lower {
			ptr, err := sp.AttachLower(o.registry, o.cache, o.regionID, peerCoreID)
			if err != nil {
				gate.Leave(gateHandle, key)
				rollbackSubProtocols()
				o.gates.Close(gateHandle)
				return err
			}
			p.subPtrs[sp.Name()] = ptr
			if err := p.slot.WriteSetupPointer(true, sp.SlotPointer(), ptr); err != nil {
				gate.Leave(gateHandle, key)
				rollbackSubProtocols()
				o.gates.Close(gateHandle)
				return err
			}
		} else {
			ptr, err := p.slot.ReadSetupPointer(true, sp.SlotPointer())
			if err != nil {
				gate.Leave(gateHandle, key)
				rollbackSubProtocols()
				o.gates.Close(gateHandle)
				return err
			}
			if err := sp.AttachHigher(o.registry, o.cache, o.regionID, peerCoreID, ptr); err != nil {
				gate.Leave(gateHandle, key)
				rollbackSubProtocols()
				o.gates.Close(gateHandle)
				return err
			}
		}
		gate.Leave(gateHandle, key)
		attachedSoFar = append(attachedSoFar, sp)
	}

	for _, cb := range p.attachCallbacks {
		if err := cb(peerCoreID); err != nil {
			rollbackSubProtocols()
			o.gates.Close(gateHandle)
			return err
		}
	}

	if err := p.slot.Finish(lower, o.finishTimeout); err != nil {
		rollbackSubProtocols()
		o.gates.Close(gateHandle)
		return err
	}

	p.mu.Lock()
	p.gateHandle = gateHandle
	p.attachedCount = 1
	p.mu.Unlock()
	return nil
}

func (o *Orchestrator) procSyncStartRetrying(p *peerState, lower bool) error {
	deadline := time.Now().Add(o.startTimeout)
	for {
		err := p.slot.Start(lower)
		if err == nil {
			return nil
		}
		if !status.Is(err, status.NotReady) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(startRetryInterval)
	}
}

// Detach reverses Attach for peerCoreID. If more than one Attach call
// is outstanding, Detach only decrements the reference count.
func (o *Orchestrator) Detach(peerCoreID int) error {
	p, err := o.peer(peerCoreID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.inProgress {
		p.mu.Unlock()
		return status.New(status.NotReady, "attach to peer %d still in progress", peerCoreID)
	}
	if p.attachedCount == 0 {
		p.mu.Unlock()
		return status.New(status.InvalidState, "peer %d not attached", peerCoreID)
	}
	if p.attachedCount > 1 {
		p.attachedCount--
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if peerCoreID == o.srOwnerCoreID {
		if o.anyOtherPeerAttached(peerCoreID) {
			return status.New(status.InvalidState, "cannot detach the SR-0 owner while other peers remain attached")
		}
	}

	lower := o.isLower(peerCoreID)

	localState, err := p.slot.State(lower)
	if err != nil {
		return err
	}
	if localState != procsync.Finish && localState != procsync.Detach {
		return status.New(status.NotReady, "attach to peer %d still in progress", peerCoreID)
	}

	if lower {
		if err := p.slot.StartDetach(true); err != nil {
			return err
		}
	} else {
		if err := p.slot.WaitForDetach(o.detachTimeout); err != nil {
			return err
		}
	}

	for i := len(p.detachCallbacks) - 1; i >= 0; i-- {
		if err := p.detachCallbacks[i](peerCoreID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	gateHandle := p.gateHandle
	p.mu.Unlock()

	// Mirrors the attach-side serialization: each sub-protocol detach
	// frees its setup record from the region-0 heap and must not
	// interleave with a concurrent allocation elsewhere in the cluster.
	for i := len(p.subProtocols) - 1; i >= 0; i-- {
		sp := p.subProtocols[i]
		key, err := gate.Enter(gateHandle)
		if err != nil {
			return err
		}
		var derr error
		if lower {
			derr = sp.DetachLower(o.registry, o.cache, o.regionID, peerCoreID, p.subPtrs[sp.Name()])
		} else {
			derr = sp.DetachHigher(o.registry, o.cache, o.regionID, peerCoreID)
		}
		gate.Leave(gateHandle, key)
		if derr != nil {
			return derr
		}
	}

	if o.sharedRegionDetach != nil {
		if err := o.sharedRegionDetach(peerCoreID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.gateHandle = nil
	p.mu.Unlock()
	if gateHandle != nil {
		if err := o.gates.Close(gateHandle); err != nil {
			return err
		}
	}

	if !lower {
		if err := p.slot.StartDetach(false); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.attachedCount = 0
	p.mu.Unlock()
	return nil
}

// AttachedCount reports the current reference count for peerCoreID (0
// if never attached), for tests and diagnostics.
func (o *Orchestrator) AttachedCount(peerCoreID int) int {
	p, err := o.peer(peerCoreID)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachedCount
}

func (o *Orchestrator) anyOtherPeerAttached(excluding int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for coreID, p := range o.peers {
		if coreID == excluding {
			continue
		}
		p.mu.Lock()
		attached := p.attachedCount > 0
		p.mu.Unlock()
		if attached {
			return true
		}
	}
	return false
}
