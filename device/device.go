// Package device defines the host-SDK surface the Current pipeline
// consumes: device and queue handles, DRAM and scratch buffers, circular
// buffer registration, kernel registration, and program dispatch.
//
// The interfaces mirror the accelerator vendor's host API one-to-one so
// a hardware-backed implementation is a thin cgo shim. The sibling
// package device/sim provides an in-memory implementation that executes
// synthesized programs functionally, which is what the tests and the
// command-line tools run against.
package device

// Coord is a core or NoC grid coordinate.
type Coord struct {
	X uint32
	Y uint32
}

// BufferType selects the storage tier of a device buffer.
type BufferType uint8

const (
	BufferDRAM BufferType = iota
	BufferL1
)

func (t BufferType) String() string {
	if t == BufferL1 {
		return "L1"
	}
	return "DRAM"
}

// Processor identifies one of the three per-core processors.
type Processor uint8

const (
	ProcDataMovement0 Processor = iota
	ProcDataMovement1
	ProcCompute
)

func (p Processor) String() string {
	switch p {
	case ProcDataMovement0:
		return "DataMovement0"
	case ProcDataMovement1:
		return "DataMovement1"
	}
	return "Compute"
}

// NocID selects which network-on-chip port a data-movement kernel uses.
type NocID uint8

const (
	Noc0 NocID = iota
	Noc1
)

// BufferConfig describes an interleaved device buffer allocation.
type BufferConfig struct {
	Size     uint64
	PageSize uint32
	Type     BufferType
}

// Buffer is an allocated device buffer.
type Buffer interface {
	Address() uint32
	NocCoords() Coord
	Size() uint64
}

// CBConfig describes one circular buffer on one core.
type CBConfig struct {
	ID       uint32
	PageSize uint32 // bytes per tile slot
	NumPages uint32 // slots; >= 2 for double buffering
	Format   uint8  // opaque format tag carried through to the SDK
}

// KernelConfig selects the processor and NoC port a kernel runs on.
type KernelConfig struct {
	Processor Processor
	Noc       NocID
}

// KernelHandle identifies a registered kernel within a program.
type KernelHandle uint32

// Program accumulates circular buffers, kernels, and runtime arguments
// for one dispatch.
type Program interface {
	// CreateCircularBuffer registers a circular buffer on core.
	CreateCircularBuffer(core Coord, cfg CBConfig) error

	// CreateKernel registers kernel source on a core processor. source is
	// the synthesized program text; ir optionally carries the structured
	// form for backends that execute it directly (the functional
	// simulator). Hardware backends compile source and ignore ir.
	CreateKernel(core Coord, source string, ir any, cfg KernelConfig) (KernelHandle, error)

	// SetRuntimeArgs installs the uint32 argument vector read by the
	// kernel through get_arg_val.
	SetRuntimeArgs(k KernelHandle, core Coord, args []uint32) error
}

// Queue is a device command queue.
type Queue interface {
	EnqueueWriteBuffer(b Buffer, data []uint32, blocking bool) error
	EnqueueReadBuffer(b Buffer, blocking bool) ([]uint32, error)
	EnqueueProgram(p Program, blocking bool) error
	Finish() error
}

// Device is an open accelerator.
type Device interface {
	Close() error

	// ComputeGrid returns the width and height of the compute core mesh.
	ComputeGrid() Coord

	// ScratchCapacityPerCore is the usable L1 bytes per core above the
	// reserved base.
	ScratchCapacityPerCore() uint32

	// ScratchReservedBase is the first L1 address available to user
	// allocations.
	ScratchReservedBase() uint32

	CommandQueue() Queue
	CreateProgram() Program
	CreateBuffer(cfg BufferConfig) (Buffer, error)

	// WriteScratch writes words directly into a core's L1 at addr.
	WriteScratch(core Coord, addr uint32, data []uint32) error

	// ReadScratch reads byteCount bytes from a core's L1 at addr.
	ReadScratch(core Coord, addr uint32, byteCount uint32) ([]uint32, error)
}
