package restable

// AddrType distinguishes the address spaces the §6 MMU mapper
// collaborator moves between.
type AddrType int

const (
	MasterKernelVirtual AddrType = iota
	MasterUserVirtual
	SlaveVirtual
	Tiler
)

// AddrInfo is one mapping request: a physical/master address and the
// slave-visible range it must appear at.
type AddrInfo struct {
	MasterAddr uint64
	SlaveAddr  uint64
	Size       uint64
}

// MMU is the §6 MMU mapper collaborator.
type MMU interface {
	Map(mask uint32, info AddrInfo, srcType AddrType) error
	Unmap(mask uint32, info AddrInfo, srcType AddrType) error
	Translate(dstType AddrType, src uint64, srcType AddrType) (uint64, error)
}

// Loader is the §6 firmware-image collaborator: section lookup by
// name, and the load/unload/symbol/entry-point operations used around
// it. Nothing in this module calls Loader: Parse takes the bytes of
// the `.resource_table` section directly, and the Attach/Detach
// Orchestrator does not load firmware.
type Loader interface {
	GetSectionOffset(fileID int, name string) (offset, length, deviceAddr uint32, err error)
	Load(path string) (fileID int, err error)
	Unload(fileID int) error
	GetSymbolAddress(fileID int, symbol string) (uint32, error)
	GetEntryPoint(fileID int) (uint32, error)
}

// PhysAllocator is the process-wide contiguous-physical-memory
// allocator used as a fallback when no configured carveout region can
// satisfy a request (§4.5 step 1: "allocation falls back to the
// process-wide contiguous-physical allocator provided an allow-alloc
// flag is set and the MMU is enabled").
type PhysAllocator interface {
	AllocContig(length uint64) (physAddr uint64, err error)
	FreeContig(physAddr uint64, length uint64) error
}

// VringExpectations lets the message-transport collaborator assert its
// own requirements (number of vrings, buffers per ring, alignment)
// against what a VDEV entry actually declares (§4.5 step 3), and
// supplies the per-buffer size used to size the vring buffer region.
type VringExpectations interface {
	Validate(numVrings int, bufferCount uint32, align uint32) error
	BufferSize() uint32
}
