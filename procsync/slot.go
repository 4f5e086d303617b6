// Package procsync implements the Reserved-Slot Handshake (C4): the
// procSyncStart/procSyncFinish three-state-per-side protocol that
// brings an ordered peer pair from UNINIT through START and FINISH to
// an attached state, and reverses it through DETACH on teardown.
//
// Every shared-memory touch point is wrapped in a small typed method
// bracketed by cache maintenance, the same idiom region.Registry uses
// for its reserved prefix.
package procsync

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ipcdev/ipc/region"
	"github.com/ipcdev/ipc/status"
)

// State is the per-half started-key, per §3's Reserved Slot data model.
type State uint32

const (
	Uninit State = iota
	Start
	Finish
	Detach
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "UNINIT"
	case Start:
		return "START"
	case Finish:
		return "FINISH"
	case Detach:
		return "DETACH"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// halfSize is the byte layout of one peer's half of a reserved slot:
// a cache-line-sized record (64 bytes) holding the started-key,
// config-list head and the three sub-protocol setup pointers, padded
// to a full line so the two halves never share a cache line — required
// for the non-coherent writeback/invalidate discipline to be race-free.
const halfSize = 64

const (
	offStartedKey       = 0
	offConfigListHead   = 4
	offNotifySetup      = 8
	offNameServerSetup  = 12
	offTransportSetup   = 16
)

// SlotSize is the total size of a per-pair reserved-slot record (two
// halves).
const SlotSize = 2 * halfSize

// Slot is a reserved-slot record for one ordered peer pair, backed by a
// region-0 reservation made at cluster bring-up.
type Slot struct {
	registry *region.Registry
	cache    *region.CacheOps
	regionID int
	ptr      region.SharedPtr
}

// New wraps an already-reserved region-0 range as a Slot. The caller
// obtains ptr via region.Registry.Reserve(regionID, SlotSize).
func New(registry *region.Registry, cache *region.CacheOps, regionID int, ptr region.SharedPtr) *Slot {
	return &Slot{registry: registry, cache: cache, regionID: regionID, ptr: ptr}
}

// Zero clears the slot to UNINIT/INVALID on both halves. Per §9's
// design note, this must be called once by the region-0 owner when
// region 0 is first registered, to avoid a restarted peer observing
// stale state from a previous attach cycle; peers that race this must
// tolerate a one-cycle NotReady.
func (s *Slot) Zero() error {
	buf, err := s.registry.GetPointer(s.ptr, SlotSize)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = 0
	}
	for _, half := range []uint32{0, halfSize} {
		binary.LittleEndian.PutUint32(buf[half+offConfigListHead:], uint32(region.Invalid))
		binary.LittleEndian.PutUint32(buf[half+offNotifySetup:], uint32(region.Invalid))
		binary.LittleEndian.PutUint32(buf[half+offNameServerSetup:], uint32(region.Invalid))
		binary.LittleEndian.PutUint32(buf[half+offTransportSetup:], uint32(region.Invalid))
	}
	s.cache.WritebackInvalidate(s.regionID, buf)
	return nil
}

// SetupPointer identifies one of the three sub-protocol setup pointers
// carried in a half.
type SetupPointer int

const (
	Notify SetupPointer = iota
	NameServer
	MessageTransport
)

func setupOffset(p SetupPointer) uint32 {
	switch p {
	case Notify:
		return offNotifySetup
	case NameServer:
		return offNameServerSetup
	case MessageTransport:
		return offTransportSetup
	default:
		panic("procsync: invalid setup pointer")
	}
}

func (s *Slot) half(isLower bool) ([]byte, error) {
	off := uint32(0)
	if !isLower {
		off = halfSize
	}
	return s.registry.GetPointer(region.NewSharedPtr(s.ptr.RegionID(), s.ptr.Offset()+off), halfSize)
}

// writeLocalState writes the local half's started-key and issues a
// writeback; the remote half is never touched.
func (s *Slot) writeLocalState(isLower bool, state State) error {
	buf, err := s.half(isLower)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[offStartedKey:], uint32(state))
	s.cache.Writeback(s.regionID, buf)
	return nil
}

// readState invalidates then reads the given half's started-key.
func (s *Slot) readState(isLower bool) (State, error) {
	buf, err := s.half(isLower)
	if err != nil {
		return Uninit, err
	}
	s.cache.Invalidate(s.regionID, buf)
	return State(binary.LittleEndian.Uint32(buf[offStartedKey:])), nil
}

// WriteSetupPointer writes a sub-protocol's shared pointer into the
// local half, for the lower-id peer to publish during attach (§4.8
// step 4).
func (s *Slot) WriteSetupPointer(isLower bool, which SetupPointer, ptr region.SharedPtr) error {
	buf, err := s.half(isLower)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[setupOffset(which):], uint32(ptr))
	s.cache.Writeback(s.regionID, buf)
	return nil
}

// ReadSetupPointer invalidates then reads a sub-protocol's shared
// pointer from the given half, for the higher-id peer to read the
// lower-id peer's allocation during attach.
func (s *Slot) ReadSetupPointer(isLower bool, which SetupPointer) (region.SharedPtr, error) {
	buf, err := s.half(isLower)
	if err != nil {
		return region.Invalid, err
	}
	s.cache.Invalidate(s.regionID, buf)
	return region.SharedPtr(binary.LittleEndian.Uint32(buf[setupOffset(which):])), nil
}

// ConfigListHead reads the given half's config-list head pointer.
func (s *Slot) ConfigListHead(isLower bool) (region.SharedPtr, error) {
	buf, err := s.half(isLower)
	if err != nil {
		return region.Invalid, err
	}
	s.cache.Invalidate(s.regionID, buf)
	return region.SharedPtr(binary.LittleEndian.Uint32(buf[offConfigListHead:])), nil
}

// SetConfigListHead writes the given half's config-list head pointer.
func (s *Slot) SetConfigListHead(isLower bool, ptr region.SharedPtr) error {
	buf, err := s.half(isLower)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[offConfigListHead:], uint32(ptr))
	s.cache.Writeback(s.regionID, buf)
	return nil
}

// pollInterval is how often Finish's busy-wait samples the remote
// half; it stands in for "yielding at reduced priority inside a task
// context" (§4.4), since a userspace Go daemon has no notion of
// cooperative task priority to lower.
const pollInterval = 100 * time.Microsecond

// Start performs procSyncStart for one side of the pair. isLower
// selects which half is "ours".
//
// The lower-id peer publishes its own START and returns at once; it does
// not read the higher-id half, so it never returns NotReady. The
// higher-id peer only publishes START once it observes the lower-id
// peer at START; until then it returns status.NotReady and the caller
// is expected to retry.
func (s *Slot) Start(isLower bool) error {
	if isLower {
		return s.writeLocalState(true, Start)
	}

	lowerState, err := s.readState(true)
	if err != nil {
		return err
	}
	if lowerState < Start {
		return status.New(status.NotReady, "peer has not reached START")
	}
	return s.writeLocalState(false, Start)
}

// Finish performs procSyncFinish for one side. It publishes FINISH on
// the local half, then busy-waits until the remote side has reached
// FINISH or DETACH, with a bounded poll interval standing in for the
// priority-lowered yield used on real RTOS targets.
func (s *Slot) Finish(isLower bool, timeout time.Duration) error {
	if err := s.writeLocalState(isLower, Finish); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		remote, err := s.readState(!isLower)
		if err != nil {
			return err
		}
		if remote == Finish || remote == Detach {
			return nil
		}
		if time.Now().After(deadline) {
			return status.New(status.Timeout, "peer did not reach FINISH in time")
		}
		time.Sleep(pollInterval)
	}
}

// StartDetach publishes DETACH on the local half. The higher-id side
// must, per §4.4, wait for the lower-id side to reach DETACH before
// freeing shared allocations — callers do that with WaitForDetach.
func (s *Slot) StartDetach(isLower bool) error {
	return s.writeLocalState(isLower, Detach)
}

// WaitForDetach busy-waits until the lower-id peer's half reaches
// DETACH. Only meaningful when called by the higher-id side.
func (s *Slot) WaitForDetach(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		lowerState, err := s.readState(true)
		if err != nil {
			return err
		}
		if lowerState == Detach {
			return nil
		}
		if time.Now().After(deadline) {
			return status.New(status.Timeout, "peer did not reach DETACH in time")
		}
		time.Sleep(pollInterval)
	}
}

// State returns the current started-key of the half isLower selects
// (the lower-id half when true), for callers (the Attach/Detach
// Orchestrator, tests) that need to check a side's progress without
// going through Start/Finish.
func (s *Slot) State(isLower bool) (State, error) {
	return s.readState(isLower)
}
