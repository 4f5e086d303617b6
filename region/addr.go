package region

import "unsafe"

// pointerOf returns the address of a byte slice's backing array, for
// address bookkeeping against a region's backing store.
func pointerOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
