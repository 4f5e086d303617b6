package mailbox

import "sync"

// maxPooledNodes bounds the mailbox event free list at 20 nodes; a
// size-bucketed buffer pool caps itself the same way, except here the
// cap is a flat node count rather than a byte budget, since every
// event node is the same fixed size (one 32-bit value).
const maxPooledNodes = 20

// event is one drained mailbox FIFO value, threaded into a per-peer
// listener queue. Nodes are recycled through pool; a fresh node is
// allocated only when the pool's free list is empty.
type event struct {
	value uint32
	next  *event
}

// eventPool is the process-wide, spinlock-guarded free list of event
// nodes. sync.Mutex stands in for the spinlock.
type eventPool struct {
	mu    sync.Mutex
	free  []*event
	total int // nodes ever allocated, for leak diagnostics
}

func newEventPool() *eventPool {
	return &eventPool{}
}

// get returns a recycled node, or allocates a fresh one if the free
// list is empty.
func (p *eventPool) get(value uint32) *event {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.total++
		e := &event{value: value}
		return e
	}
	e := p.free[n-1]
	p.free = p.free[:n-1]
	e.value = value
	e.next = nil
	return e
}

// put returns a node to the free list, unless the list is already at
// capacity, in which case the node is left for the garbage collector:
// surplus nodes are freed to the general allocator, which in Go means
// simply not keeping a reference to them.
func (p *eventPool) put(e *event) {
	e.next = nil
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= maxPooledNodes {
		return
	}
	p.free = append(p.free, e)
}

// size reports the current free-list length, for tests asserting the
// bounded-pool invariant.
func (p *eventPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
