package mailbox

// Backend is the hardware mailbox collaborator (§6): it owns the actual
// FIFO registers and interrupt-enable bits. A real deployment backs
// this with register reads/writes over an mmap'd peripheral window
// (the same style of access region.Registry gives the shared-memory
// side); this package never assumes Linux or any particular SoC.
type Backend interface {
	// FIFONumber maps a peer core id to the hardware mailbox/FIFO
	// number the host drains to receive events from that peer.
	// Returns an error for an invalid peer id.
	FIFONumber(peerCoreID int) (int, error)

	// FIFOHasData reports whether the FIFO the given peer writes into
	// still holds at least one undrained word.
	FIFOHasData(peerCoreID int) (bool, error)

	// ReadFIFO reads and acknowledges one 32-bit value from the given
	// mailbox/FIFO number.
	ReadFIFO(mailboxNumber int) (uint32, error)

	// WriteFIFO writes one 32-bit value into the FIFO the given peer
	// reads. The hardware does not report a full FIFO on this write;
	// callers must WaitClear first.
	WriteFIFO(peerCoreID int, value uint32) error

	// SetInterruptEnable sets or clears the mailbox hardware's
	// interrupt-enable bit for the FIFO the given peer writes.
	SetInterruptEnable(peerCoreID int, enabled bool) error

	// InterruptEnableState and SetInterruptEnableState save and
	// restore the raw IRQ-enable register value across suspend.
	InterruptEnableState(peerCoreID int) (uint32, error)
	SetInterruptEnableState(peerCoreID int, state uint32) error
}
