// Package mailbox implements the Mailbox-Backed Interrupt Dispatcher
// (C3): one ISR per host, demultiplexing inbound hardware-mailbox
// events to per-peer listeners with bounded, lock-free-adjacent FIFO
// recycling of event objects.
//
// The hard-interrupt half (checkAndClearLocked, invoked from
// HandleInterrupt) only drains FIFOs and threads recycled nodes onto
// per-peer queues; it allocates a node only when the free list is
// empty, and it never calls a listener directly. The soft half (dispatchPending, run on its own goroutine
// standing in for a bottom-half/task thread) is what actually invokes
// callbacks.
package mailbox

import (
	"sync"

	"github.com/ipcdev/ipc/status"
)

// Callback is invoked once per drained event, from task/bottom-half
// context — never from the hard-interrupt path.
type Callback func(peerCoreID int, value uint32, arg interface{})

type listener struct {
	interruptID int
	callback    Callback
	arg         interface{}
	refCount    int

	mu   sync.Mutex
	head *event
	tail *event
}

func (l *listener) enqueue(e *event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.next = nil
	if l.tail == nil {
		l.head, l.tail = e, e
		return
	}
	l.tail.next = e
	l.tail = e
}

// drain removes and returns every queued event in FIFO order.
func (l *listener) drain() *event {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.head
	l.head, l.tail = nil, nil
	return head
}

// Dispatcher is the per-host Mailbox Dispatcher. One Dispatcher exists
// per host process; it is safe for concurrent use.
type Dispatcher struct {
	backend Backend
	pool    *eventPool

	mu        sync.Mutex
	listeners map[int]*listener

	dispatchSignal chan struct{}
	stop           chan struct{}
	wg             sync.WaitGroup
	running        bool
}

// NewDispatcher builds a dispatcher over backend. The ISR is not
// installed (no goroutine running) until the first Register call.
func NewDispatcher(backend Backend) *Dispatcher {
	return &Dispatcher{
		backend:   backend,
		pool:      newEventPool(),
		listeners: make(map[int]*listener),
	}
}

// Register installs interest in peerCoreID's mailbox events. Idempotent
// on (host, peer) via a reference count: the first registration for a
// peer installs that peer's queue and, if this is the first listener of
// any peer, starts the dispatcher's bottom-half goroutine. Subsequent
// registrations for the same peer increment the count and return
// alreadyRegistered = true.
func (d *Dispatcher) Register(peerCoreID, interruptID int, cb Callback, arg interface{}) (alreadyRegistered bool, err error) {
	if _, err := d.backend.FIFONumber(peerCoreID); err != nil {
		return false, status.New(status.InvalidArgument, "invalid peer %d: %v", peerCoreID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.listeners[peerCoreID]; ok {
		l.refCount++
		return true, nil
	}

	d.listeners[peerCoreID] = &listener{
		interruptID: interruptID,
		callback:    cb,
		arg:         arg,
		refCount:    1,
	}
	if err := d.backend.SetInterruptEnable(peerCoreID, true); err != nil {
		delete(d.listeners, peerCoreID)
		return false, err
	}
	d.startLocked()
	return false, nil
}

// Unregister decrements peerCoreID's reference count. When it reaches
// zero the listener is removed, its pending queue drained and
// discarded, and if no listeners remain for any peer, the dispatcher's
// goroutine is stopped.
func (d *Dispatcher) Unregister(peerCoreID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.listeners[peerCoreID]
	if !ok {
		return status.New(status.NotFound, "peer %d not registered", peerCoreID)
	}
	l.refCount--
	if l.refCount > 0 {
		return nil
	}

	delete(d.listeners, peerCoreID)
	d.backend.SetInterruptEnable(peerCoreID, false)
	for e := l.drain(); e != nil; {
		next := e.next
		d.pool.put(e)
		e = next
	}

	if len(d.listeners) == 0 {
		d.stopLocked()
	}
	return nil
}

// Enable sets the mailbox hardware's interrupt-enable bit for peerCoreID.
func (d *Dispatcher) Enable(peerCoreID int) error {
	return d.backend.SetInterruptEnable(peerCoreID, true)
}

// Disable clears the mailbox hardware's interrupt-enable bit for peerCoreID.
func (d *Dispatcher) Disable(peerCoreID int) error {
	return d.backend.SetInterruptEnable(peerCoreID, false)
}

// Send writes one 32-bit value into the FIFO peerCoreID reads. The
// caller must have called WaitClear first: a send into a full FIFO is
// not checked on this hardware.
func (d *Dispatcher) Send(peerCoreID int, value uint32) error {
	return d.backend.WriteFIFO(peerCoreID, value)
}

// minWaitClearRetries bounds WaitClear's retry count; §4.3 requires at
// least 10.
const minWaitClearRetries = 10

// WaitClear spins up to minWaitClearRetries times while the FIFO
// peerCoreID is supposed to drain still holds bytes, returning on
// drained or on exhausted retries — whichever comes first; exhaustion
// is not reported as an error.
func (d *Dispatcher) WaitClear(peerCoreID int) error {
	for i := 0; i < minWaitClearRetries; i++ {
		has, err := d.backend.FIFOHasData(peerCoreID)
		if err != nil {
			return err
		}
		if !has {
			return nil
		}
	}
	return nil
}

// Clear reads one value from the numbered FIFO and acknowledges the
// interrupt.
func (d *Dispatcher) Clear(mailboxNumber int) (uint32, error) {
	return d.backend.ReadFIFO(mailboxNumber)
}

// SaveContext persists the hardware IRQ-enable register for peerCoreID
// across a system suspend.
func (d *Dispatcher) SaveContext(peerCoreID int) (uint32, error) {
	return d.backend.InterruptEnableState(peerCoreID)
}

// RestoreContext re-programs the hardware IRQ-enable register for
// peerCoreID from a value saved by SaveContext.
func (d *Dispatcher) RestoreContext(peerCoreID int, state uint32) error {
	return d.backend.SetInterruptEnableState(peerCoreID, state)
}

// startLocked launches the dispatcher's bottom-half goroutine if it is
// not already running. Caller holds d.mu.
func (d *Dispatcher) startLocked() {
	if d.running {
		return
	}
	d.running = true
	d.dispatchSignal = make(chan struct{}, 1)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.run(d.dispatchSignal, d.stop)
}

// stopLocked signals the bottom-half goroutine to exit. Caller holds d.mu.
func (d *Dispatcher) stopLocked() {
	if !d.running {
		return
	}
	d.running = false
	close(d.stop)
	d.wg.Wait()
}

// HandleInterrupt is the hard-interrupt-context entry point: a real
// deployment calls it from the actual ISR (or the goroutine draining an
// epoll-backed IRQ fd). It scans every registered peer's FIFO, drains
// available values into recycled event nodes, and signals the
// bottom-half goroutine — it never invokes a listener callback
// directly.
func (d *Dispatcher) HandleInterrupt() {
	d.mu.Lock()
	any := d.checkAndClearLocked()
	d.mu.Unlock()

	if any && d.dispatchSignal != nil {
		select {
		case d.dispatchSignal <- struct{}{}:
		default:
		}
	}
}

// checkAndClearLocked is the check-and-clear predicate of §4.3: for each
// non-empty FIFO it reads values until the FIFO is empty, appending one
// recycled node per value to that peer's queue. Caller holds d.mu.
func (d *Dispatcher) checkAndClearLocked() bool {
	any := false
	for peerCoreID, l := range d.listeners {
		mbox, err := d.backend.FIFONumber(peerCoreID)
		if err != nil {
			continue
		}
		for {
			has, err := d.backend.FIFOHasData(peerCoreID)
			if err != nil || !has {
				break
			}
			value, err := d.backend.ReadFIFO(mbox)
			if err != nil {
				break
			}
			l.enqueue(d.pool.get(value))
			any = true
		}
	}
	return any
}

// run is the bottom-half/task-context goroutine: it waits for a signal
// from HandleInterrupt and then invokes each peer's callback once per
// queued event, in FIFO order, returning nodes to the free list
// afterwards.
func (d *Dispatcher) run(signal <-chan struct{}, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-signal:
			d.dispatchPending()
		}
	}
}

func (d *Dispatcher) dispatchPending() {
	d.mu.Lock()
	snapshot := make([]struct {
		peer int
		l    *listener
	}, 0, len(d.listeners))
	for peer, l := range d.listeners {
		snapshot = append(snapshot, struct {
			peer int
			l    *listener
		}{peer, l})
	}
	d.mu.Unlock()

	for _, s := range snapshot {
		for e := s.l.drain(); e != nil; {
			next := e.next
			if s.l.callback != nil {
				s.l.callback(s.peer, e.value, s.l.arg)
			}
			d.pool.put(e)
			e = next
		}
	}
}
