package tile

// Device geometry constants shared by every layer of the pipeline.
const (
	// Size is the number of elements in one device tile. All on-device
	// transport and compute happens in whole tiles.
	Size = 1024

	// DRAMAlign is the byte alignment required for scalar DRAM reads
	// issued over the NoC. Gathered elements occupy one aligned slot each.
	DRAMAlign = 32

	// IndexBytes is the width of one gather-index element.
	IndexBytes = 4

	// DefaultTilesPerCB is the default circular-buffer depth in tiles.
	// Two tiles gives double buffering between producer and consumer.
	DefaultTilesPerCB = 2
)

// Format identifies the element type carried by a stream or port.
type Format uint8

const (
	FormatInvalid Format = iota
	Float16b             // bfloat16
	Float16              // IEEE half
	Float32
	UInt32
)

// Valid reports whether f names a supported element format.
func (f Format) Valid() bool {
	switch f {
	case Float16b, Float16, Float32, UInt32:
		return true
	}
	return false
}

// ElemBytes returns the width of one element in bytes, or 0 for an
// unsupported format.
func (f Format) ElemBytes() uint32 {
	switch f {
	case Float16b, Float16:
		return 2
	case Float32, UInt32:
		return 4
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case Float16b:
		return "Float16_b"
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case UInt32:
		return "UInt32"
	}
	return "Invalid"
}

// Bytes returns the byte size of one tile of format f.
func Bytes(f Format) uint32 {
	return Size * f.ElemBytes()
}

// IndexTileBytes is the byte size of one tile of gather indices.
const IndexTileBytes = Size * IndexBytes

// CeilTiles returns the number of tiles needed to hold n elements.
func CeilTiles(n uint32) uint32 {
	return (n + Size - 1) / Size
}

// Align32 rounds n up to the nearest 32-byte boundary.
func Align32(n uint64) uint64 { return (n + 31) &^ 31 }

// AlignUp rounds n up to the nearest multiple of align.
func AlignUp(n uint64, align uint64) uint64 {
	return (n + align - 1) / align * align
}
