package current

import "github.com/sbl8/current/tile"

// PropagateCounts assigns a tile count to every edge, walking kernels in
// topological order from the streams. Gather edges are counted in index
// tiles, rounded up to a whole number of per-token groups; kernel
// outputs inherit the compressed minimum of their inputs.
func (m *Map) PropagateCounts() error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.counted {
		return nil
	}

	outTiles := make(map[int]uint32, len(m.kernels)) // kernel index -> output tile count

	for _, ki := range m.topo {
		inEdges := m.inEdgesOf(ki)
		var (
			common    uint32
			commonSet bool
		)
		for _, ei := range inEdges {
			e := m.edges[ei]
			k := m.edgeCompression(e)
			switch e.src.kind {
			case epStream:
				switch src := m.streams[e.src.idx].(type) {
				case *Stream:
					e.tileCount = tile.CeilTiles(src.elemCount)
				case *GatherStream:
					// Indices, not data elements, drive transport. The count
					// covers whole token groups so each output tile consumes
					// exactly k index tiles; the planner pads the index
					// buffer to match.
					e.tileCount = tile.CeilTiles(src.tokens()) * k
				}
			case epKernel:
				e.tileCount = outTiles[e.src.idx]
			}
			if e.tileCount == 0 {
				return errf(ErrShape, "edge into port %q carries zero tiles", e.dst.port)
			}
			effective := e.tileCount / k
			if !commonSet {
				common = effective
				commonSet = true
			} else if effective != common {
				return errf(ErrShape, "kernel %d: input port %q carries %d tiles, siblings carry %d (after compression)",
					ki, e.dst.port, effective, common)
			}
		}

		outTiles[ki] = common
		for _, ei := range m.outEdgesOf(ki) {
			e := m.edges[ei]
			e.tileCount = common
			if e.dst.kind == epStream {
				sink, ok := m.streams[e.dst.idx].(*Stream)
				if ok && sink.NumTiles() != common {
					return errf(ErrShape, "sink stream covers %d tiles, kernel %d produces %d",
						sink.NumTiles(), ki, common)
				}
			}
		}
	}

	m.counted = true
	return nil
}

// edgeCompression returns the accesses-per-token factor the edge's
// source applies, 1 for everything but multi-access gather streams.
func (m *Map) edgeCompression(e *edge) uint32 {
	if e.src.kind != epStream {
		return 1
	}
	if g, ok := m.streams[e.src.idx].(*GatherStream); ok && g.accessesPerToken > 1 {
		return g.accessesPerToken
	}
	return 1
}

// TileCount reports the planned tile count of the edge feeding the
// given kernel input port, for inspection and tests.
func (m *Map) TileCount(k *Kernel, inputPort string) (uint32, bool) {
	ki, ok := m.kernelIdx[k]
	if !ok {
		return 0, false
	}
	for _, e := range m.edges {
		if e.dst.kind == epKernel && e.dst.idx == ki && e.dst.port == inputPort {
			return e.tileCount, true
		}
	}
	return 0, false
}
