package current

import "github.com/sbl8/current/tile"

// Source is a data producer the Map can wire to a kernel input: a plain
// Stream or a GatherStream. Streams double as sinks.
type Source interface {
	Format() tile.Format
	isSource()
}

// Stream is a host-provided linear buffer of typed elements. The Map
// references it by identity; the host words are uploaded on execute. A
// sink's results are read with Map.ReadStream, which returns new words
// and leaves the sink's own host buffer unchanged.
type Stream struct {
	data      []uint32
	elemCount uint32
	format    tile.Format
}

// NewStream wraps packed host words holding elemCount elements of
// format f. elemCount need not be a multiple of the tile size; tail
// padding is the runtime's concern.
func NewStream(data []uint32, elemCount uint32, f tile.Format) *Stream {
	return &Stream{data: data, elemCount: elemCount, format: f}
}

func (s *Stream) isSource() {}

// Format returns the element format.
func (s *Stream) Format() tile.Format { return s.format }

// ElemCount returns the number of elements.
func (s *Stream) ElemCount() uint32 { return s.elemCount }

// Data returns the backing host words.
func (s *Stream) Data() []uint32 { return s.data }

// NumTiles returns the tile count covering the stream.
func (s *Stream) NumTiles() uint32 { return tile.CeilTiles(s.elemCount) }

// StorageTier selects where a gather stream's data buffer lives during
// execution.
type StorageTier uint8

const (
	// TierDRAM keeps the data off-chip; gathered elements are fetched
	// over the NoC one aligned slot at a time.
	TierDRAM StorageTier = iota
	// TierScratch copies the data into each consuming core's L1 once,
	// making every gathered fetch core-local.
	TierScratch
)

func (t StorageTier) String() string {
	if t == TierScratch {
		return "Scratch"
	}
	return "DRAM"
}

// GatherStream produces its output by indexing a data buffer with a
// separate index vector. Transport is driven by the indices: one output
// token per accessesPerToken consecutive indices.
type GatherStream struct {
	data             []uint32
	dataElemCount    uint32
	format           tile.Format
	indices          []uint32
	tier             StorageTier
	accessesPerToken uint32
}

// NewGatherStream wraps a packed data buffer of dataElemCount elements
// and a uint32 index vector. accessesPerToken is the number of
// consecutive gathered values folded into each output token; pass 1 for
// plain gathers.
func NewGatherStream(data []uint32, f tile.Format, dataElemCount uint32, indices []uint32, tier StorageTier, accessesPerToken uint32) *GatherStream {
	return &GatherStream{
		data:             data,
		dataElemCount:    dataElemCount,
		format:           f,
		indices:          indices,
		tier:             tier,
		accessesPerToken: accessesPerToken,
	}
}

func (g *GatherStream) isSource() {}

// Format returns the element format of the data buffer.
func (g *GatherStream) Format() tile.Format { return g.format }

// DataElemCount returns the number of addressable data elements.
func (g *GatherStream) DataElemCount() uint32 { return g.dataElemCount }

// Data returns the packed data buffer words.
func (g *GatherStream) Data() []uint32 { return g.data }

// Indices returns the index vector.
func (g *GatherStream) Indices() []uint32 { return g.indices }

// IndexCount returns the number of indices.
func (g *GatherStream) IndexCount() uint32 { return uint32(len(g.indices)) }

// Tier returns the storage tier of the data buffer.
func (g *GatherStream) Tier() StorageTier { return g.tier }

// AccessesPerToken returns the per-token gather width.
func (g *GatherStream) AccessesPerToken() uint32 { return g.accessesPerToken }

// tokens returns the number of output tokens the stream produces.
func (g *GatherStream) tokens() uint32 {
	if g.accessesPerToken == 0 {
		return 0
	}
	return g.IndexCount() / g.accessesPerToken
}
