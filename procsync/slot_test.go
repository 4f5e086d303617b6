package procsync

import (
	"testing"
	"time"

	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

func newTestSlot(t *testing.T) *Slot {
	t.Helper()
	r := region.NewRegistry()
	data := make([]byte, 4096)
	if err := r.Register(region.Entry{ID: 0, OwningCoreID: region.InvalidCoreID}, data, 4096); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ptr, err := r.Reserve(0, SlotSize)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	cache := region.NewCacheOps(r, nil)
	s := New(r, cache, 0, ptr)
	if err := s.Zero(); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	return s
}

func TestHandshakeStartOrdering(t *testing.T) {
	s := newTestSlot(t)

	// Higher side cannot advance before lower publishes START.
	if err := s.Start(false); status.Of(err) != status.NotReady {
		t.Fatalf("higher Start before lower: got %v, want NotReady", err)
	}

	if err := s.Start(true); err != nil {
		t.Fatalf("lower Start: %v", err)
	}
	if err := s.Start(false); err != nil {
		t.Fatalf("higher Start after lower: %v", err)
	}

	lowerState, err := s.State(true)
	if err != nil || lowerState != Start {
		t.Fatalf("lower state = %v, %v; want Start", lowerState, err)
	}
}

func TestHandshakeFinishAndDetach(t *testing.T) {
	s := newTestSlot(t)
	if err := s.Start(true); err != nil {
		t.Fatalf("lower Start: %v", err)
	}
	if err := s.Start(false); err != nil {
		t.Fatalf("higher Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Finish(true, time.Second)
	}()

	// Higher side only reaches FINISH after observing lower at FINISH
	// is not actually required by the algorithm (both independently
	// move to FINISH); simulate the higher side completing shortly
	// after.
	time.Sleep(5 * time.Millisecond)
	if err := s.Finish(false, time.Second); err != nil {
		t.Fatalf("higher Finish: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("lower Finish: %v", err)
	}

	if err := s.StartDetach(true); err != nil {
		t.Fatalf("lower StartDetach: %v", err)
	}
	if err := s.WaitForDetach(time.Second); err != nil {
		t.Fatalf("WaitForDetach: %v", err)
	}

	lowerState, err := s.State(true)
	if err != nil || lowerState != Detach {
		t.Fatalf("lower state after detach = %v, %v; want Detach", lowerState, err)
	}
}

func TestSetupPointerRoundTrip(t *testing.T) {
	s := newTestSlot(t)
	want := region.NewSharedPtr(0, 128)
	if err := s.WriteSetupPointer(true, MessageTransport, want); err != nil {
		t.Fatalf("WriteSetupPointer: %v", err)
	}
	got, err := s.ReadSetupPointer(true, MessageTransport)
	if err != nil {
		t.Fatalf("ReadSetupPointer: %v", err)
	}
	if got != want {
		t.Fatalf("setup pointer round trip: got %s want %s", got, want)
	}
}

func TestFinishTimesOutWithoutPeer(t *testing.T) {
	s := newTestSlot(t)
	if err := s.Start(true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := s.Finish(true, 20*time.Millisecond)
	if status.Of(err) != status.Timeout {
		t.Fatalf("Finish: got %v, want Timeout", err)
	}
}
