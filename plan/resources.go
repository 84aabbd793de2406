package plan

import (
	"fmt"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/tile"
)

// BufferRef names one planned DRAM buffer. Refs are dense indices into
// the plan's buffer table; device handles are attached at execute time.
type BufferRef int

// BufferRole records why a DRAM buffer exists.
type BufferRole uint8

const (
	RoleStreamData  BufferRole = iota // host-visible stream storage
	RoleGatherData                    // expanded gather data, one elem per 32-byte slot
	RoleGatherIndex                   // gather index words
	RoleEdge                          // kernel-to-kernel intermediate
)

func (r BufferRole) String() string {
	switch r {
	case RoleStreamData:
		return "stream"
	case RoleGatherData:
		return "gather-data"
	case RoleGatherIndex:
		return "gather-index"
	}
	return "edge"
}

// DramSpec describes one DRAM buffer to materialize.
type DramSpec struct {
	Ref      BufferRef
	Role     BufferRole
	Stream   int // stream table index, -1 for edge buffers
	Edge     int // edge index, -1 for stream-backed buffers
	Size     uint64
	PageSize uint32
}

// ScratchSpec describes one per-core L1 region holding a scratch-tier
// gather data buffer.
type ScratchSpec struct {
	Core   device.Coord
	Stream int
	Addr   uint32
	Size   uint32
}

// CBSpec describes one circular buffer on one core.
type CBSpec struct {
	Core      device.Coord
	ID        uint32
	PageBytes uint32
	Tiles     uint32
	Format    tile.Format
}

// Circular buffer ids live in two disjoint per-core spaces, matching the
// device convention of input buffers at 0 and output buffers at 16.
const (
	cbInputBase  = 0
	cbOutputBase = 16
	cbSpaceSize  = 16
)

// CBAllocator assigns circular buffer ids per core, drawing from the
// reader-visible space for input buffers and the writer-visible space
// for output buffers.
type CBAllocator struct {
	nextIn  map[device.Coord]uint32
	nextOut map[device.Coord]uint32
}

// NewCBAllocator returns an empty allocator.
func NewCBAllocator() *CBAllocator {
	return &CBAllocator{
		nextIn:  make(map[device.Coord]uint32),
		nextOut: make(map[device.Coord]uint32),
	}
}

// TakeInput reserves the next reader-visible id on core.
func (a *CBAllocator) TakeInput(core device.Coord) (uint32, error) {
	n := a.nextIn[core]
	if n >= cbSpaceSize {
		return 0, fmt.Errorf("core (%d,%d): out of input circular buffer ids", core.X, core.Y)
	}
	a.nextIn[core] = n + 1
	return cbInputBase + n, nil
}

// TakeOutput reserves the next writer-visible id on core.
func (a *CBAllocator) TakeOutput(core device.Coord) (uint32, error) {
	n := a.nextOut[core]
	if n >= cbSpaceSize {
		return 0, fmt.Errorf("core (%d,%d): out of output circular buffer ids", core.X, core.Y)
	}
	a.nextOut[core] = n + 1
	return cbOutputBase + n, nil
}

// StreamBufferSize returns the DRAM byte size for a plain stream of the
// given tile count and format, padded to whole tiles.
func StreamBufferSize(tileCount uint32, f tile.Format) uint64 {
	return uint64(tileCount) * uint64(tile.Bytes(f))
}

// GatherDataBufferSize returns the DRAM byte size of an expanded gather
// data buffer: one element per aligned slot, rounded up so the tile-size
// page divides the total.
func GatherDataBufferSize(elemCount uint32, f tile.Format) uint64 {
	return tile.AlignUp(uint64(elemCount)*tile.DRAMAlign, uint64(tile.Bytes(f)))
}

// IndexBufferSize returns the DRAM byte size holding indexCount gather
// indices, padded to whole index tiles.
func IndexBufferSize(indexCount uint32) uint64 {
	return uint64(tile.CeilTiles(indexCount)) * tile.IndexTileBytes
}
