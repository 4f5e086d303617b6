package gate

import "github.com/ipcdev/ipc/region"

// Name returns the name this gate was created or opened with, or "" for
// an anonymous or address-opened gate.
func (h *Handle) Name() string { return h.name }

// ResourceID returns the gate's numeric id within its protection kind's
// table.
func (h *Handle) ResourceID() int { return h.resourceID }

// Kind returns the protection kind this gate's resource id was
// allocated from, after proxy-map resolution.
func (h *Handle) Kind() ProtectionKind { return h.kind }

// SharedPtr returns the shared pointer to this gate's descriptor, the
// value a caller publishes elsewhere (a Reserved-Slot Handshake setup
// pointer, a Config Exchange Channel record) to let a peer reach this
// gate with OpenByAddress.
func (h *Handle) SharedPtr() region.SharedPtr { return h.descPtr }
