package restable

import "github.com/ipcdev/ipc/status"

// Config parameterizes a Processor run. AllowAlloc and MMUEnabled
// correspond to the §6 CLI/env overrides (MMU-enabled flag, per-remote
// carveout base/size); MapMask is the mapping-kind bitmask recorded on
// every produced MemoryEntry for the external MMU collaborator.
type Config struct {
	AllowAlloc bool
	MMUEnabled bool
	MapMask    uint32

	// DDRRangeBase is the device-address threshold at or above which a
	// DEVMEM entry is considered to reference the shared DDR range and
	// therefore eligible for the first-entry vring-window treatment of
	// §4.5 step 2; DEVMEM entries below it are always processed as
	// ordinary carveout reservations regardless of where they fall in
	// table order. The zero value accepts every DEVMEM entry, matching
	// deployments with no other DEVMEM entries to disambiguate against.
	//
	// This gates on DeviceAddr rather than the requested PhysAddr: the
	// vring-window entry's PhysAddr is typically left at 0 (the host is
	// expected to allocate and patch it back), so a PhysAddr-based gate
	// would reject exactly the entries that most need window treatment.
	DDRRangeBase uint32
}

// MemoryEntry is produced from the table (§3) to drive an external
// MMU/map collaborator.
type MemoryEntry struct {
	SlaveDeviceAddr uint32
	MasterPhysAddr  uint64
	Length          uint32
	MapMask         uint32
	CacheEnabled    bool
}

// VringAllocation records one vring's placement within the allocated
// vring pool.
type VringAllocation struct {
	DeviceAddr uint32
	NumBuffers uint32
	Align      uint32
}

// TraceDescriptor is the retrieved TRACE entry (§4.5 step 4).
type TraceDescriptor struct {
	DeviceAddr uint32
	Length     uint32
	Name       string
}

// Result is everything §4.5 says Process must output.
type Result struct {
	MemoryEntries     []MemoryEntry
	Vrings            []VringAllocation
	VringPoolPhysBase uint64
	VringPoolLength   uint64
	Trace             *TraceDescriptor
}

// allocRecord tracks one allocation made during a Process run, so a
// later failure can roll every earlier allocation in this run back
// (§4.5 "Error semantics: ... aborts the entire process and releases
// all allocations made so far for this remote").
type allocRecord struct {
	addr       uint64
	length     uint64
	fromWindow bool
}

// Processor runs the Resource Table Processor algorithm against one
// remote's configured carveout window and fallback allocator.
type Processor struct {
	window      *CarveoutWindow
	fallback    PhysAllocator
	cfg         Config
	vringExpect VringExpectations
}

// NewProcessor builds a Processor. fallback and vringExpect may be nil
// if AllowAlloc is false and no VDEV entries are expected, respectively.
func NewProcessor(window *CarveoutWindow, fallback PhysAllocator, cfg Config, vringExpect VringExpectations) *Processor {
	return &Processor{window: window, fallback: fallback, cfg: cfg, vringExpect: vringExpect}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

const oneMegabyte = 1 << 20

// vringBytes estimates the wire size of one vring's descriptor, avail
// and used rings (the virtio-style layout): not a protocol this repo
// needs to be byte-exact with, only large enough that the pool sizing
// in §4.5 step 3 is conservative.
func vringBytes(numBuffers, align uint32) uint64 {
	descAvail := uint64(numBuffers)*16 + uint64(6+2*numBuffers)
	used := uint64(6 + 8*numBuffers)
	return alignUp(descAvail, uint64(align)) + alignUp(used, uint64(align))
}

// reserveOrAlloc implements the shared CARVEOUT/DEVMEM allocation rule
// from §4.5 step 1: reserve the requested physical address inside the
// carveout window if one was given, or allocate a fresh chunk if it was
// left zero; fall back to the process-wide allocator when the window
// cannot satisfy the request and the caller has permitted it.
func (p *Processor) reserveOrAlloc(requestedPhys uint32, length uint64) (uint64, *allocRecord, error) {
	if requestedPhys != 0 {
		if err := p.window.Reserve(uint64(requestedPhys), length); err == nil {
			return uint64(requestedPhys), &allocRecord{addr: uint64(requestedPhys), length: length, fromWindow: true}, nil
		}
		if p.cfg.AllowAlloc && p.cfg.MMUEnabled && p.fallback != nil {
			addr, err := p.fallback.AllocContig(length)
			if err != nil {
				return 0, nil, err
			}
			return addr, &allocRecord{addr: addr, length: length, fromWindow: false}, nil
		}
		return 0, nil, status.New(status.Memory, "requested physical address %#x unavailable and allocation not permitted", requestedPhys)
	}

	addr, err := p.window.Alloc(length)
	if err == nil {
		return addr, &allocRecord{addr: addr, length: length, fromWindow: true}, nil
	}
	if p.cfg.AllowAlloc && p.cfg.MMUEnabled && p.fallback != nil {
		addr, ferr := p.fallback.AllocContig(length)
		if ferr != nil {
			return 0, nil, ferr
		}
		return addr, &allocRecord{addr: addr, length: length, fromWindow: false}, nil
	}
	return 0, nil, err
}

func (p *Processor) rollback(allocs []allocRecord) {
	for _, a := range allocs {
		if a.fromWindow {
			p.window.Free(a.addr, a.length)
		} else if p.fallback != nil {
			p.fallback.FreeContig(a.addr, a.length)
		}
	}
}

// Process walks t once, performing the algorithm of §4.5, and patches
// allocated physical addresses back into t so Bytes() reflects them for
// WriteBack.
func (p *Processor) Process(t *Table) (*Result, error) {
	result := &Result{}
	var allocs []allocRecord

	seenVDev := false
	vringWindowClaimed := false

	fail := func(format string, args ...interface{}) (*Result, error) {
		p.rollback(allocs)
		return nil, status.New(status.Fail, format, args...)
	}

	for i, e := range t.Entries {
		switch e.Type {
		case TypeCarveout:
			addr, rec, err := p.reserveOrAlloc(e.Carveout.PhysAddr, uint64(e.Carveout.Length))
			if err != nil {
				return fail("carveout %q: %v", e.Carveout.Name, err)
			}
			allocs = append(allocs, *rec)
			if err := t.PatchPhysAddr(i, uint32(addr)); err != nil {
				return fail("carveout %q: patching physical address: %v", e.Carveout.Name, err)
			}
			result.MemoryEntries = append(result.MemoryEntries, MemoryEntry{
				SlaveDeviceAddr: e.Carveout.DeviceAddr,
				MasterPhysAddr:  addr,
				Length:          e.Carveout.Length,
				MapMask:         p.cfg.MapMask,
				CacheEnabled:    true,
			})

		case TypeVDev:
			if p.vringExpect == nil {
				return fail("vdev entry present but no vring expectations collaborator configured")
			}
			var total uint64
			allocations := make([]VringAllocation, 0, len(e.VDev.Vrings))
			for _, vr := range e.VDev.Vrings {
				if err := p.vringExpect.Validate(len(e.VDev.Vrings), vr.NumBuffers, vr.Align); err != nil {
					return fail("vdev: %v", err)
				}
				total += vringBytes(vr.NumBuffers, vr.Align)
				total += uint64(vr.NumBuffers) * uint64(p.vringExpect.BufferSize())
				allocations = append(allocations, VringAllocation{
					DeviceAddr: vr.DeviceAddr,
					NumBuffers: vr.NumBuffers,
					Align:      vr.Align,
				})
			}
			total = alignUp(total, oneMegabyte)
			addr, rec, err := p.reserveOrAlloc(0, total)
			if err != nil {
				return fail("vdev ring pool: %v", err)
			}
			allocs = append(allocs, *rec)
			result.Vrings = append(result.Vrings, allocations...)
			result.VringPoolPhysBase = addr
			result.VringPoolLength = total
			seenVDev = true

		case TypeDevMem:
			if !vringWindowClaimed && e.DevMem.DeviceAddr >= p.cfg.DDRRangeBase {
				vringWindowClaimed = true
				if !seenVDev {
					return fail("devmem %q: VDEV entry must precede the vring-window DEVMEM entry", e.DevMem.Name)
				}
				want := result.VringPoolPhysBase
				if e.DevMem.PhysAddr != 0 && uint64(e.DevMem.PhysAddr) != want {
					return fail("devmem %q: requested address %#x does not match allocated vring pool %#x",
						e.DevMem.Name, e.DevMem.PhysAddr, want)
				}
				if err := t.PatchPhysAddr(i, uint32(want)); err != nil {
					return fail("devmem %q: patching physical address: %v", e.DevMem.Name, err)
				}
				result.MemoryEntries = append(result.MemoryEntries, MemoryEntry{
					SlaveDeviceAddr: e.DevMem.DeviceAddr,
					MasterPhysAddr:  want,
					Length:          e.DevMem.Length,
					MapMask:         p.cfg.MapMask,
					CacheEnabled:    true,
				})
				continue
			}

			addr, rec, err := p.reserveOrAlloc(e.DevMem.PhysAddr, uint64(e.DevMem.Length))
			if err != nil {
				return fail("devmem %q: %v", e.DevMem.Name, err)
			}
			allocs = append(allocs, *rec)
			if err := t.PatchPhysAddr(i, uint32(addr)); err != nil {
				return fail("devmem %q: patching physical address: %v", e.DevMem.Name, err)
			}
			result.MemoryEntries = append(result.MemoryEntries, MemoryEntry{
				SlaveDeviceAddr: e.DevMem.DeviceAddr,
				MasterPhysAddr:  addr,
				Length:          e.DevMem.Length,
				MapMask:         p.cfg.MapMask,
				CacheEnabled:    true,
			})

		case TypeTrace:
			result.Trace = &TraceDescriptor{
				DeviceAddr: e.Trace.DeviceAddr,
				Length:     e.Trace.Length,
				Name:       e.Trace.Name,
			}

		case TypeCrashDump:
			// recorded but not processed, per §4.5 step 5.
		}
	}

	return result, nil
}
