package current

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/sbl8/current/tile"
)

// validate checks the assembled topology: every port bound exactly once,
// stream and gather invariants hold, and the kernel graph is acyclic.
// On success the kernel topological order is cached for count
// propagation.
func (m *Map) validate() error {
	if m.validated {
		return nil
	}
	if len(m.kernels) == 0 {
		return errf(ErrGraph, "map has no kernels")
	}

	for ki, k := range m.kernels {
		if len(k.inputs) == 0 {
			return errf(ErrGraph, "kernel %d has no input ports", ki)
		}
		if len(k.outputs) == 0 {
			return errf(ErrGraph, "kernel %d has no output ports", ki)
		}
		for _, p := range k.inputs {
			if !m.inputBound(ki, p.Name) {
				return errf(ErrGraph, "input port %q of kernel %d is disconnected", p.Name, ki)
			}
		}
		for _, p := range k.outputs {
			if !m.outputBound(ki, p.Name) {
				return errf(ErrGraph, "output port %q of kernel %d is disconnected", p.Name, ki)
			}
		}
	}

	for si, s := range m.streams {
		switch v := s.(type) {
		case *Stream:
			if v.elemCount == 0 {
				return errf(ErrShape, "stream %d has zero elements", si)
			}
		case *GatherStream:
			if err := m.validateGather(si, v); err != nil {
				return err
			}
		}
	}

	if err := m.sortKernels(); err != nil {
		return err
	}
	m.validated = true
	return nil
}

func (m *Map) validateGather(si int, g *GatherStream) error {
	if g.accessesPerToken < 1 {
		return errf(ErrConfig, "gather stream %d: accesses per token must be at least 1", si)
	}
	if tile.Size%g.accessesPerToken != 0 {
		return errf(ErrShape, "gather stream %d: accesses per token %d does not divide the tile size", si, g.accessesPerToken)
	}
	if g.IndexCount() == 0 {
		return errf(ErrShape, "gather stream %d has no indices", si)
	}
	if g.IndexCount()%g.accessesPerToken != 0 {
		return errf(ErrShape, "gather stream %d: index count %d is not a multiple of accesses per token %d",
			si, g.IndexCount(), g.accessesPerToken)
	}
	if g.dataElemCount == 0 {
		return errf(ErrShape, "gather stream %d has an empty data buffer", si)
	}
	for i, idx := range g.indices {
		if idx >= g.dataElemCount {
			return errf(ErrShape, "gather stream %d: index %d at position %d exceeds data element count %d",
				si, idx, i, g.dataElemCount)
		}
	}
	need := uint64(g.dataElemCount) * uint64(g.format.ElemBytes())
	if uint64(len(g.data))*4 < need {
		return errf(ErrConfig, "gather stream %d: data buffer holds %d bytes, needs %d", si, len(g.data)*4, need)
	}
	return nil
}

// sortKernels builds the kernel dependency DAG and caches a topological
// order, rejecting cycles.
func (m *Map) sortKernels() error {
	g := simple.NewDirectedGraph()
	for ki := range m.kernels {
		g.AddNode(simple.Node(ki))
	}
	for _, e := range m.edges {
		if e.src.kind == epKernel && e.dst.kind == epKernel {
			g.SetEdge(g.NewEdge(simple.Node(e.src.idx), simple.Node(e.dst.idx)))
		}
	}
	order, err := topo.SortStabilized(g, nil)
	if err != nil {
		return errf(ErrGraph, "cycle between kernels: %v", err)
	}
	m.topo = m.topo[:0]
	for _, n := range order {
		m.topo = append(m.topo, int(n.ID()))
	}
	return nil
}
