package restable

import (
	"encoding/binary"

	"github.com/ipcdev/ipc/status"
)

// Wire format (a purpose-built encoding; real remoteproc resource
// tables vary by OS, but the shape — versioned header, dense offset
// array, typed entries — matches what RscTable.c parses):
//
//   header:       version uint32, numEntries uint32
//   offsets:      numEntries x uint32, each an absolute byte offset
//                 into the buffer where that entry's record begins
//   entry record: type uint32, then type-specific fields (see below)
//
// Strings are encoded as a uint32 length followed by that many bytes,
// no padding.

const headerSize = 8

func readString(data []byte, off uint32) (string, uint32, error) {
	if uint64(off)+4 > uint64(len(data)) {
		return "", 0, status.New(status.InvalidArgument, "truncated string length at %#x", off)
	}
	n := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if uint64(off)+uint64(n) > uint64(len(data)) {
		return "", 0, status.New(status.InvalidArgument, "truncated string body at %#x", off)
	}
	s := string(data[off : off+n])
	return s, off + n, nil
}

// parsedOffsets records, for CARVEOUT and DEVMEM entries, the absolute
// byte offset of the PhysAddr field within the original buffer, so
// Process can patch it in place for WriteBack.
type parsedOffsets struct {
	physAddrOffset map[int]uint32
}

// Parse decodes a resource table found at the start of data (the bytes
// read from the remote firmware's .resource_table section, per §6's
// loader collaborator).
func Parse(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, status.New(status.InvalidArgument, "buffer too small for header")
	}
	version := binary.LittleEndian.Uint32(data[0:])
	numEntries := binary.LittleEndian.Uint32(data[4:])

	offArrayEnd := uint64(headerSize) + uint64(numEntries)*4
	if offArrayEnd > uint64(len(data)) {
		return nil, status.New(status.InvalidArgument, "offset array of %d entries exceeds buffer", numEntries)
	}

	t := &Table{
		Version: version,
		Entries: make([]Entry, 0, numEntries),
	}
	physOffsets := make(map[int]uint32)

	for i := uint32(0); i < numEntries; i++ {
		entryOff := binary.LittleEndian.Uint32(data[headerSize+i*4:])
		e, physOff, err := parseEntry(data, entryOff)
		if err != nil {
			return nil, status.New(status.InvalidArgument, "entry %d: %v", i, err)
		}
		if physOff != 0 {
			physOffsets[len(t.Entries)] = physOff
		}
		t.Entries = append(t.Entries, e)
	}

	t.raw = append([]byte(nil), data...)
	t.physOffsets = physOffsets
	return t, nil
}

// parseEntry decodes one entry at off, returning the entry and, for
// CARVEOUT/DEVMEM, the absolute offset of its PhysAddr field (0 means
// "not applicable", since a table of meaningful size never has a
// PhysAddr field at offset 0 — the header occupies it).
func parseEntry(data []byte, off uint32) (Entry, uint32, error) {
	if uint64(off)+4 > uint64(len(data)) {
		return Entry{}, 0, status.New(status.InvalidArgument, "truncated entry header at %#x", off)
	}
	typ := EntryType(binary.LittleEndian.Uint32(data[off:]))
	p := off + 4

	switch typ {
	case TypeCarveout:
		if uint64(p)+12 > uint64(len(data)) {
			return Entry{}, 0, status.New(status.InvalidArgument, "truncated carveout at %#x", p)
		}
		da := binary.LittleEndian.Uint32(data[p:])
		physOff := p + 4
		pa := binary.LittleEndian.Uint32(data[physOff:])
		length := binary.LittleEndian.Uint32(data[p+8:])
		name, _, err := readString(data, p+12)
		if err != nil {
			return Entry{}, 0, err
		}
		return Entry{Type: typ, Carveout: &Carveout{DeviceAddr: da, PhysAddr: pa, Length: length, Name: name}}, physOff, nil

	case TypeDevMem:
		if uint64(p)+12 > uint64(len(data)) {
			return Entry{}, 0, status.New(status.InvalidArgument, "truncated devmem at %#x", p)
		}
		da := binary.LittleEndian.Uint32(data[p:])
		physOff := p + 4
		pa := binary.LittleEndian.Uint32(data[physOff:])
		length := binary.LittleEndian.Uint32(data[p+8:])
		name, _, err := readString(data, p+12)
		if err != nil {
			return Entry{}, 0, err
		}
		return Entry{Type: typ, DevMem: &DevMem{DeviceAddr: da, PhysAddr: pa, Length: length, Name: name}}, physOff, nil

	case TypeTrace:
		if uint64(p)+8 > uint64(len(data)) {
			return Entry{}, 0, status.New(status.InvalidArgument, "truncated trace at %#x", p)
		}
		da := binary.LittleEndian.Uint32(data[p:])
		length := binary.LittleEndian.Uint32(data[p+4:])
		name, _, err := readString(data, p+8)
		if err != nil {
			return Entry{}, 0, err
		}
		return Entry{Type: typ, Trace: &Trace{DeviceAddr: da, Length: length, Name: name}}, 0, nil

	case TypeVDev:
		if uint64(p)+4 > uint64(len(data)) {
			return Entry{}, 0, status.New(status.InvalidArgument, "truncated vdev at %#x", p)
		}
		n := binary.LittleEndian.Uint32(data[p:])
		p += 4
		vrings := make([]Vring, 0, n)
		for i := uint32(0); i < n; i++ {
			if uint64(p)+12 > uint64(len(data)) {
				return Entry{}, 0, status.New(status.InvalidArgument, "truncated vring %d at %#x", i, p)
			}
			vrings = append(vrings, Vring{
				NumBuffers: binary.LittleEndian.Uint32(data[p:]),
				Align:      binary.LittleEndian.Uint32(data[p+4:]),
				DeviceAddr: binary.LittleEndian.Uint32(data[p+8:]),
			})
			p += 12
		}
		return Entry{Type: typ, VDev: &VDev{Vrings: vrings}}, 0, nil

	case TypeCrashDump:
		if uint64(p)+8 > uint64(len(data)) {
			return Entry{}, 0, status.New(status.InvalidArgument, "truncated crashdump at %#x", p)
		}
		da := binary.LittleEndian.Uint32(data[p:])
		length := binary.LittleEndian.Uint32(data[p+4:])
		return Entry{Type: typ, CrashDump: &CrashDump{DeviceAddr: da, Length: length}}, 0, nil

	default:
		return Entry{}, 0, status.New(status.InvalidArgument, "unknown entry type %d at %#x", typ, off)
	}
}

// PatchPhysAddr overwrites the PhysAddr field of a previously parsed
// CARVEOUT or DEVMEM entry, both in the decoded Entries slice and in
// the raw buffer Bytes returns for writing back to the remote. It is
// a no-op error if entryIndex did not carry a PhysAddr field.
func (t *Table) PatchPhysAddr(entryIndex int, physAddr uint32) error {
	if entryIndex < 0 || entryIndex >= len(t.Entries) {
		return status.New(status.InvalidArgument, "entry index %d out of range", entryIndex)
	}
	off, ok := t.physOffsets[entryIndex]
	if !ok {
		return status.New(status.InvalidArgument, "entry %d has no PhysAddr field", entryIndex)
	}
	binary.LittleEndian.PutUint32(t.raw[off:], physAddr)

	switch e := t.Entries[entryIndex]; e.Type {
	case TypeCarveout:
		e.Carveout.PhysAddr = physAddr
	case TypeDevMem:
		e.DevMem.PhysAddr = physAddr
	}
	return nil
}

// Bytes returns the table's current encoding, including any
// PatchPhysAddr updates, ready to be written back to the remote's
// physical resource-table location before reset release (§4.5's
// "updated resource table must be written back").
func (t *Table) Bytes() []byte {
	return t.raw
}
