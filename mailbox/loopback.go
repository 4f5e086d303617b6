package mailbox

import (
	"sync"

	"github.com/ipcdev/ipc/status"
)

// LoopbackBackend is a software stand-in for the hardware mailbox
// registers (§6's Backend collaborator), modeling one FIFO per peer as
// an in-memory queue. It is the mailbox package's equivalent of
// gate.SoftwareSpinlock: a real deployment backs Backend with mmap'd
// peripheral registers, but a single host exercising this module
// end-to-end (or bringing up two cores that share nothing but this
// process) has no such peripheral, so LoopbackBackend lets Send/Clear
// round-trip through memory instead.
type LoopbackBackend struct {
	mu       sync.Mutex
	fifos    map[int][]uint32
	enabled  map[int]bool
	validIDs map[int]bool
}

// NewLoopbackBackend builds a backend that recognizes exactly the given
// peer core ids.
func NewLoopbackBackend(peerCoreIDs ...int) *LoopbackBackend {
	b := &LoopbackBackend{
		fifos:    make(map[int][]uint32),
		enabled:  make(map[int]bool),
		validIDs: make(map[int]bool),
	}
	for _, id := range peerCoreIDs {
		b.validIDs[id] = true
	}
	return b
}

func (b *LoopbackBackend) FIFONumber(peerCoreID int) (int, error) {
	if !b.validIDs[peerCoreID] {
		return 0, status.New(status.InvalidArgument, "peer %d not configured", peerCoreID)
	}
	return peerCoreID, nil
}

func (b *LoopbackBackend) FIFOHasData(peerCoreID int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fifos[peerCoreID]) > 0, nil
}

func (b *LoopbackBackend) ReadFIFO(mailboxNumber int) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.fifos[mailboxNumber]
	if len(q) == 0 {
		return 0, status.New(status.NotReady, "FIFO %d empty", mailboxNumber)
	}
	v := q[0]
	b.fifos[mailboxNumber] = q[1:]
	return v, nil
}

func (b *LoopbackBackend) WriteFIFO(peerCoreID int, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fifos[peerCoreID] = append(b.fifos[peerCoreID], value)
	return nil
}

func (b *LoopbackBackend) SetInterruptEnable(peerCoreID int, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled[peerCoreID] = enabled
	return nil
}

func (b *LoopbackBackend) InterruptEnableState(peerCoreID int) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled[peerCoreID] {
		return 1, nil
	}
	return 0, nil
}

func (b *LoopbackBackend) SetInterruptEnableState(peerCoreID int, state uint32) error {
	return b.SetInterruptEnable(peerCoreID, state != 0)
}
