// Package plan provides the mechanisms the Map compiler uses to spread
// edge work across cores and to lay out device resources: contiguous
// work slices, row-major core assignment, DRAM buffer and circular
// buffer specs, and per-core scratch allocation.
package plan

// WorkSlice is a contiguous tile range of one edge assigned to one core.
type WorkSlice struct {
	TileStart uint32
	TileCount uint32
}

// SplitWork splits total tiles into min(maxP, total) contiguous slices
// whose sizes differ by at most one. The remainder goes to the earliest
// slices, so when the split is uneven the last slice is the smallest and
// the tail core finishes first.
func SplitWork(total, maxP uint32) []WorkSlice {
	if total == 0 {
		return nil
	}
	p := maxP
	if p == 0 {
		p = 1
	}
	if p > total {
		p = total
	}
	base := total / p
	rem := total % p

	slices := make([]WorkSlice, p)
	var start uint32
	for i := range slices {
		count := base
		if uint32(i) < rem {
			count++
		}
		slices[i] = WorkSlice{TileStart: start, TileCount: count}
		start += count
	}
	return slices
}

// Scale multiplies a slice by factor and clamps it to limit tiles,
// mapping output-token slices back onto their k-times-larger input
// ranges for compressing kernels.
func Scale(s WorkSlice, factor, limit uint32) WorkSlice {
	start := s.TileStart * factor
	count := s.TileCount * factor
	if start > limit {
		start = limit
	}
	if start+count > limit {
		count = limit - start
	}
	return WorkSlice{TileStart: start, TileCount: count}
}

// TotalTiles sums the tile counts of slices.
func TotalTiles(slices []WorkSlice) uint32 {
	var n uint32
	for _, s := range slices {
		n += s.TileCount
	}
	return n
}
