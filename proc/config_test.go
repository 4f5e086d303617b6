package proc

import (
	"bytes"
	"testing"

	"github.com/ipcdev/ipc/gate"
	"github.com/ipcdev/ipc/gate/nameserver"
	"github.com/ipcdev/ipc/procsync"
	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

func newConfigTestSlot(t *testing.T) (*region.Registry, *region.CacheOps, *procsync.Slot) {
	t.Helper()
	r := region.NewRegistry()
	data := make([]byte, 8192)
	if err := r.Register(region.Entry{ID: 0, OwningCoreID: region.InvalidCoreID}, data, 1024); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ptr, err := r.Reserve(0, procsync.SlotSize)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	cache := region.NewCacheOps(r, nil)
	slot := procsync.New(r, cache, 0, ptr)
	if err := slot.Zero(); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	return r, cache, slot
}

// newConfigTestGate installs a default gate against r/cache so
// WriteConfig/RemoveConfig can be exercised the same way they run in a
// real cluster: every heap touch serialized under it.
func newConfigTestGate(t *testing.T, r *region.Registry, cache *region.CacheOps) *gate.Handle {
	t.Helper()
	spinlock := gate.NewSoftwareSpinlock()
	gates, err := gate.NewRegistry(r, cache, nameserver.New(), 0, gate.Config{
		LocalCoreID:  1,
		NumResources: [3]int{gate.System: 4},
	}, func(gate.ProtectionKind) gate.RemoteSpinlock { return spinlock })
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defaultPtr, err := gates.Install()
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h, err := gates.AttachDefaultGate(defaultPtr)
	if err != nil {
		t.Fatalf("AttachDefaultGate: %v", err)
	}
	return h
}

// TestWriteConfigThenReadConfig reproduces §8 scenario 6: peer A writes
// a tagged blob, peer B reads it back after attach and gets the same
// bytes.
func TestWriteConfigThenReadConfig(t *testing.T) {
	r, cache, slot := newConfigTestSlot(t)
	gh := newConfigTestGate(t, r, cache)

	blob := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if err := WriteConfig(r, cache, 0, slot, gh, true, 2, 1, 0x1234, blob); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	out := make([]byte, 16)
	if err := ReadConfig(r, cache, 0, slot, false, 0x1234, out); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if !bytes.Equal(out, blob) {
		t.Fatalf("read back %v, want %v", out, blob)
	}
}

func TestReadConfigSizeMismatch(t *testing.T) {
	r, cache, slot := newConfigTestSlot(t)
	gh := newConfigTestGate(t, r, cache)
	if err := WriteConfig(r, cache, 0, slot, gh, true, 2, 1, 0x1, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	out := make([]byte, 2)
	if err := ReadConfig(r, cache, 0, slot, false, 0x1, out); status.Of(err) != status.InvalidArgument {
		t.Fatalf("expected InvalidArgument on size mismatch, got %v", err)
	}
}

func TestReadConfigNotFound(t *testing.T) {
	r, cache, slot := newConfigTestSlot(t)
	out := make([]byte, 4)
	if err := ReadConfig(r, cache, 0, slot, false, 0xdead, out); status.Of(err) != status.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWriteConfigMultipleTagsAndRemove(t *testing.T) {
	r, cache, slot := newConfigTestSlot(t)
	gh := newConfigTestGate(t, r, cache)

	if err := WriteConfig(r, cache, 0, slot, gh, true, 2, 1, 1, []byte{1}); err != nil {
		t.Fatalf("WriteConfig tag 1: %v", err)
	}
	if err := WriteConfig(r, cache, 0, slot, gh, true, 2, 1, 2, []byte{2, 2}); err != nil {
		t.Fatalf("WriteConfig tag 2: %v", err)
	}

	out := make([]byte, 1)
	if err := ReadConfig(r, cache, 0, slot, false, 1, out); err != nil {
		t.Fatalf("ReadConfig tag 1: %v", err)
	}
	if out[0] != 1 {
		t.Fatalf("unexpected payload for tag 1: %v", out)
	}

	if err := RemoveConfig(r, cache, 0, slot, gh, true, 1, 1); err != nil {
		t.Fatalf("RemoveConfig tag 1: %v", err)
	}
	if err := ReadConfig(r, cache, 0, slot, false, 1, out); status.Of(err) != status.NotFound {
		t.Fatalf("expected tag 1 gone after remove, got %v", err)
	}

	out2 := make([]byte, 2)
	if err := ReadConfig(r, cache, 0, slot, false, 2, out2); err != nil {
		t.Fatalf("tag 2 should survive removing tag 1: %v", err)
	}
}
