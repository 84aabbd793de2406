package current

import (
	"go.uber.org/zap"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/expr"
	"github.com/sbl8/current/plan"
	"github.com/sbl8/current/runtime"
	"github.com/sbl8/current/synth"
	"github.com/sbl8/current/tile"
)

type endpointKind uint8

const (
	epStream endpointKind = iota
	epKernel
)

// endpoint addresses one side of an edge by table index, never by user
// pointer.
type endpoint struct {
	kind endpointKind
	idx  int
	port string // kernel port name; empty for streams
}

// edge is one typed connection. tileCount and slices are filled by the
// planners and sealed at compile time.
type edge struct {
	src       endpoint
	dst       endpoint
	format    tile.Format
	tileCount uint32
	slices    []plan.WorkSlice
}

// kernelPlan is the per-kernel compile product: assigned cores, the
// output-token tile split, and circular buffer ids per incident edge.
type kernelPlan struct {
	inEdges     []int // edge indices in input port order
	outEdges    []int // edge indices in output port order
	compression uint32
	outTiles    uint32
	cores       []device.Coord
	outSlices   []plan.WorkSlice
	inCB        map[int]uint32 // edge index -> data CB id
	idxCB       map[int]uint32 // edge index -> gather index CB id
	outCB       map[int]uint32 // edge index -> output CB id
	stmts       []expr.Lowered
	bindings    []synth.LoadBinding
}

// Option configures a Map.
type Option func(*Map)

// WithLogger attaches a structured logger; the default discards logs.
func WithLogger(l *zap.Logger) Option {
	return func(m *Map) {
		if l != nil {
			m.log = l
		}
	}
}

// Map owns a dataflow graph and everything compiled from it. It is not
// safe for concurrent use; one goroutine drives construction, compile,
// and execution.
type Map struct {
	log        *zap.Logger
	maxPar     uint32
	tilesPerCB uint32

	kernels   []*Kernel
	streams   []Source
	kernelIdx map[*Kernel]int
	streamIdx map[Source]int

	edges []*edge
	topo  []int // kernel indices in topological order

	validated bool
	counted   bool
	compiled  bool

	kplans    []kernelPlan
	buffers   []plan.DramSpec
	cbs       []plan.CBSpec
	scratch   []plan.ScratchSpec
	streamBuf map[int]plan.BufferRef
	indexBuf  map[int]plan.BufferRef
	edgeBuf   map[int]plan.BufferRef
	programs  []synth.CoreProgram

	dev  device.Device
	orch *runtime.Orchestrator
	bufs map[plan.BufferRef]device.Buffer
}

// NewMap registers the graph's kernels and streams and fixes the
// parallelization factor and circular-buffer depth. tilesPerCB must be
// at least 2 so every pipeline stage is double-buffered.
func NewMap(kernels []*Kernel, streams []Source, maxParallelizationFactor, tilesPerCB uint32, opts ...Option) (*Map, error) {
	if maxParallelizationFactor < 1 {
		return nil, errf(ErrConfig, "max parallelization factor must be at least 1, got %d", maxParallelizationFactor)
	}
	if tilesPerCB < 2 {
		return nil, errf(ErrConfig, "tiles per circular buffer must be at least 2, got %d", tilesPerCB)
	}

	m := &Map{
		log:        zap.NewNop(),
		maxPar:     maxParallelizationFactor,
		tilesPerCB: tilesPerCB,
		kernelIdx:  make(map[*Kernel]int, len(kernels)),
		streamIdx:  make(map[Source]int, len(streams)),
		streamBuf:  make(map[int]plan.BufferRef),
		indexBuf:   make(map[int]plan.BufferRef),
		edgeBuf:    make(map[int]plan.BufferRef),
	}
	for _, o := range opts {
		o(m)
	}

	for _, k := range kernels {
		if k == nil {
			return nil, errf(ErrConfig, "nil kernel")
		}
		if _, dup := m.kernelIdx[k]; dup {
			return nil, errf(ErrConfig, "kernel registered twice")
		}
		m.kernelIdx[k] = len(m.kernels)
		m.kernels = append(m.kernels, k)
	}
	for _, s := range streams {
		if s == nil {
			return nil, errf(ErrConfig, "nil stream")
		}
		if !s.Format().Valid() {
			return nil, errf(ErrConfig, "stream has unsupported format %d", s.Format())
		}
		if _, dup := m.streamIdx[s]; dup {
			return nil, errf(ErrConfig, "stream registered twice")
		}
		if st, ok := s.(*Stream); ok {
			need := uint64(st.elemCount) * uint64(st.format.ElemBytes())
			if uint64(len(st.data))*4 < need {
				return nil, errf(ErrConfig, "stream host buffer holds %d bytes, needs %d", len(st.data)*4, need)
			}
		}
		m.streamIdx[s] = len(m.streams)
		m.streams = append(m.streams, s)
	}
	return m, nil
}

func (m *Map) invalidate() {
	m.validated = false
	m.counted = false
	m.compiled = false
}

// AddConnection wires a stream or gather stream to a kernel input port.
func (m *Map) AddConnection(src Source, dst *Kernel, port string) error {
	if m.compiled {
		return errf(ErrGraph, "graph is sealed after compilation")
	}
	si, ok := m.streamIdx[src]
	if !ok {
		return errf(ErrGraph, "source stream is not registered with this map")
	}
	ki, ok := m.kernelIdx[dst]
	if !ok {
		return errf(ErrGraph, "destination kernel is not registered with this map")
	}
	pi, ok := dst.inputPort(port)
	if !ok {
		return errf(ErrGraph, "kernel has no input port %q", port)
	}
	if src.Format() != dst.inputs[pi].Format {
		return errf(ErrGraph, "format mismatch on %q: stream is %s, port is %s", port, src.Format(), dst.inputs[pi].Format)
	}
	if m.inputBound(ki, port) {
		return errf(ErrGraph, "input port %q is already bound", port)
	}
	m.edges = append(m.edges, &edge{
		src:    endpoint{kind: epStream, idx: si},
		dst:    endpoint{kind: epKernel, idx: ki, port: port},
		format: src.Format(),
	})
	m.invalidate()
	return nil
}

// AddKernelConnection wires a kernel output port to another kernel's
// input port.
func (m *Map) AddKernelConnection(src *Kernel, srcPort string, dst *Kernel, dstPort string) error {
	if m.compiled {
		return errf(ErrGraph, "graph is sealed after compilation")
	}
	si, ok := m.kernelIdx[src]
	if !ok {
		return errf(ErrGraph, "source kernel is not registered with this map")
	}
	di, ok := m.kernelIdx[dst]
	if !ok {
		return errf(ErrGraph, "destination kernel is not registered with this map")
	}
	if si == di {
		return errf(ErrGraph, "kernel cannot feed itself")
	}
	spi, ok := src.outputPort(srcPort)
	if !ok {
		return errf(ErrGraph, "kernel has no output port %q", srcPort)
	}
	dpi, ok := dst.inputPort(dstPort)
	if !ok {
		return errf(ErrGraph, "kernel has no input port %q", dstPort)
	}
	if src.outputs[spi].Format != dst.inputs[dpi].Format {
		return errf(ErrGraph, "format mismatch: %q is %s, %q is %s",
			srcPort, src.outputs[spi].Format, dstPort, dst.inputs[dpi].Format)
	}
	if m.outputBound(si, srcPort) {
		return errf(ErrGraph, "output port %q is already bound", srcPort)
	}
	if m.inputBound(di, dstPort) {
		return errf(ErrGraph, "input port %q is already bound", dstPort)
	}
	m.edges = append(m.edges, &edge{
		src:    endpoint{kind: epKernel, idx: si, port: srcPort},
		dst:    endpoint{kind: epKernel, idx: di, port: dstPort},
		format: src.outputs[spi].Format,
	})
	m.invalidate()
	return nil
}

// AddSinkConnection wires a kernel output port to a sink stream.
func (m *Map) AddSinkConnection(src *Kernel, srcPort string, dst *Stream) error {
	if m.compiled {
		return errf(ErrGraph, "graph is sealed after compilation")
	}
	ki, ok := m.kernelIdx[src]
	if !ok {
		return errf(ErrGraph, "source kernel is not registered with this map")
	}
	si, ok := m.streamIdx[dst]
	if !ok {
		return errf(ErrGraph, "sink stream is not registered with this map")
	}
	pi, ok := src.outputPort(srcPort)
	if !ok {
		return errf(ErrGraph, "kernel has no output port %q", srcPort)
	}
	if src.outputs[pi].Format != dst.format {
		return errf(ErrGraph, "format mismatch on %q: port is %s, sink is %s", srcPort, src.outputs[pi].Format, dst.format)
	}
	if m.outputBound(ki, srcPort) {
		return errf(ErrGraph, "output port %q is already bound", srcPort)
	}
	for _, e := range m.edges {
		if e.dst.kind == epStream && e.dst.idx == si {
			return errf(ErrGraph, "stream is already bound as a sink")
		}
	}
	m.edges = append(m.edges, &edge{
		src:    endpoint{kind: epKernel, idx: ki, port: srcPort},
		dst:    endpoint{kind: epStream, idx: si},
		format: dst.format,
	})
	m.invalidate()
	return nil
}

func (m *Map) inputBound(kernel int, port string) bool {
	for _, e := range m.edges {
		if e.dst.kind == epKernel && e.dst.idx == kernel && e.dst.port == port {
			return true
		}
	}
	return false
}

func (m *Map) outputBound(kernel int, port string) bool {
	for _, e := range m.edges {
		if e.src.kind == epKernel && e.src.idx == kernel && e.src.port == port {
			return true
		}
	}
	return false
}

// inEdgesOf returns the kernel's input edge indices in port order.
func (m *Map) inEdgesOf(kernel int) []int {
	k := m.kernels[kernel]
	out := make([]int, 0, len(k.inputs))
	for _, p := range k.inputs {
		for ei, e := range m.edges {
			if e.dst.kind == epKernel && e.dst.idx == kernel && e.dst.port == p.Name {
				out = append(out, ei)
			}
		}
	}
	return out
}

// outEdgesOf returns the kernel's output edge indices in port order.
func (m *Map) outEdgesOf(kernel int) []int {
	k := m.kernels[kernel]
	out := make([]int, 0, len(k.outputs))
	for _, p := range k.outputs {
		for ei, e := range m.edges {
			if e.src.kind == epKernel && e.src.idx == kernel && e.src.port == p.Name {
				out = append(out, ei)
			}
		}
	}
	return out
}
