// Package proc implements the Attach/Detach Orchestrator (C8) and the
// Config Exchange Channel (C9): the fixed bring-up/tear-down sequence
// that takes a peer pair from procSyncStart through gate, shared-region
// and sub-protocol attach to procSyncFinish, and its reverse.
//
// The attach/detach state machine is expressed as a registry type
// holding per-peer state guarded by its own mutex, mirroring
// mailbox.Dispatcher's per-listener bookkeeping.
package proc

import (
	"github.com/ipcdev/ipc/procsync"
	"github.com/ipcdev/ipc/region"
)

// SubProtocol is one of the at-most-three sub-protocols the Attach/
// Detach Orchestrator brings up during step 4 of attach (notify,
// name-server, message-transport, though this package does not
// hardcode those identities — callers register whichever
// implementations their deployment needs, in the order they should
// attach).
type SubProtocol interface {
	// Name identifies the sub-protocol for error messages and for
	// recording which reserved-slot pointer it occupies.
	Name() string

	// SlotPointer selects which of the reserved slot's three setup
	// pointers this sub-protocol's shared allocation is published
	// through.
	SlotPointer() procsync.SetupPointer

	// AttachLower runs only on the lower-id peer of the pair: allocate
	// shared memory (typically from regionID's heap) and perform any
	// protocol-specific bring-up, returning the pointer to publish.
	AttachLower(registry *region.Registry, cache *region.CacheOps, regionID int, peerCoreID int) (region.SharedPtr, error)

	// AttachHigher runs only on the higher-id peer, given the pointer
	// the lower-id peer published.
	AttachHigher(registry *region.Registry, cache *region.CacheOps, regionID int, peerCoreID int, ptr region.SharedPtr) error

	// DetachLower runs only on the lower-id peer, freeing the
	// allocation AttachLower made.
	DetachLower(registry *region.Registry, cache *region.CacheOps, regionID int, peerCoreID int, ptr region.SharedPtr) error

	// DetachHigher runs only on the higher-id peer.
	DetachHigher(registry *region.Registry, cache *region.CacheOps, regionID int, peerCoreID int) error
}

// AttachCallback is a user-supplied hook invoked once per peer, in
// registration order, during attach step 5.
type AttachCallback func(peerCoreID int) error

// DetachCallback is the detach-side counterpart, invoked in reverse
// registration order.
type DetachCallback func(peerCoreID int) error
