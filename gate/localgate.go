package gate

import "sync"

// LocalGate serializes goroutines on this core, per §6's four local
// protection variants; Enter acquires it after the remote spinlock.
// A userspace daemon has no interrupts or tasklets to disable, so
// Interrupt and Tasklet are approximated by the same exclusive
// critical section as ThreadOrProcess; they remain distinct types so a
// gate's configured kind is still observable and so a future kernel-
// adjacent backend (e.g. one built on golang.org/x/sys/unix signal
// masking) has a named seam to replace.
type LocalGate interface {
	Enter() (key interface{}, err error)
	Leave(key interface{}) error
}

// noneGate never serializes: used when a gate's local protection kind
// is None, relying entirely on the remote spinlock.
type noneGate struct{}

func (noneGate) Enter() (interface{}, error) { return struct{}{}, nil }
func (noneGate) Leave(interface{}) error     { return nil }

// mutexGate backs Interrupt, Tasklet and ThreadOrProcess alike with a
// plain exclusive section; see the type-level comment above for why.
type mutexGate struct {
	mu sync.Mutex
}

func (g *mutexGate) Enter() (interface{}, error) {
	g.mu.Lock()
	return struct{}{}, nil
}

func (g *mutexGate) Leave(interface{}) error {
	g.mu.Unlock()
	return nil
}

func newLocalGate(kind LocalProtectionKind) LocalGate {
	if kind == None {
		return noneGate{}
	}
	return &mutexGate{}
}
