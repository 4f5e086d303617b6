package restable

import "github.com/ipcdev/ipc/status"

// carveoutRange is one free or reserved extent within a CarveoutWindow.
type carveoutRange struct {
	base   uint64
	length uint64
}

// CarveoutWindow is the physical memory window configured for one
// remote core (§6 CLI/env: "carveout base address and carveout size
// per remote core"). It hands out fixed-address reservations (when the
// remote specifies a physical address) and first-fit allocations (when
// it leaves the address unspecified), exactly the two CARVEOUT cases
// §4.5 step 1 describes.
type CarveoutWindow struct {
	base uint64
	size uint64
	free []carveoutRange
}

// NewCarveoutWindow configures a window of size bytes starting at base.
func NewCarveoutWindow(base, size uint64) *CarveoutWindow {
	return &CarveoutWindow{
		base: base,
		size: size,
		free: []carveoutRange{{base: base, length: size}},
	}
}

func (w *CarveoutWindow) contains(addr, length uint64) bool {
	return addr >= w.base && addr+length <= w.base+w.size
}

// Reserve carves out [addr, addr+length) at a caller-specified
// address, failing if any part of the range is not currently free.
func (w *CarveoutWindow) Reserve(addr, length uint64) error {
	if !w.contains(addr, length) {
		return status.New(status.InvalidArgument, "address %#x length %#x outside carveout window [%#x, %#x)",
			addr, length, w.base, w.base+w.size)
	}
	for i, r := range w.free {
		if addr >= r.base && addr+length <= r.base+r.length {
			w.splitLocked(i, addr, length)
			return nil
		}
	}
	return status.New(status.Memory, "address %#x length %#x not free in carveout window", addr, length)
}

// Alloc finds the first free extent of at least length bytes and
// reserves its lowest length bytes.
func (w *CarveoutWindow) Alloc(length uint64) (uint64, error) {
	for i, r := range w.free {
		if r.length >= length {
			addr := r.base
			w.splitLocked(i, addr, length)
			return addr, nil
		}
	}
	return 0, status.New(status.Memory, "carveout window [%#x, %#x) has no %#x-byte free extent", w.base, w.base+w.size, length)
}

// splitLocked removes [addr, addr+length) from free range i, replacing
// it with whatever remains on either side.
func (w *CarveoutWindow) splitLocked(i int, addr, length uint64) {
	r := w.free[i]
	w.free = append(w.free[:i], w.free[i+1:]...)
	if lead := addr - r.base; lead > 0 {
		w.free = append(w.free, carveoutRange{base: r.base, length: lead})
	}
	if trail := (r.base + r.length) - (addr + length); trail > 0 {
		w.free = append(w.free, carveoutRange{base: addr + length, length: trail})
	}
}

// Free returns [addr, addr+length) to the window's free list. Adjacent
// free extents are not coalesced; this mirrors the bring-up-only
// lifetime of carveout allocations (they are freed in bulk on a failed
// attach, never fragmented by steady-state churn).
func (w *CarveoutWindow) Free(addr, length uint64) {
	w.free = append(w.free, carveoutRange{base: addr, length: length})
}
