package current

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/expr"
	"github.com/sbl8/current/plan"
	"github.com/sbl8/current/synth"
	"github.com/sbl8/current/tile"
)

// GenerateDeviceKernels compiles the graph for the given device: splits
// work across cores, plans DRAM, scratch, and circular buffers, lowers
// compute expressions, and synthesizes the per-core reader, compute, and
// writer programs. The result is cached until the graph or device
// changes.
func (m *Map) GenerateDeviceKernels(dev device.Device) error {
	if dev == nil {
		return errf(ErrConfig, "nil device")
	}
	if err := m.PropagateCounts(); err != nil {
		return err
	}
	if m.compiled && m.dev == dev {
		return nil
	}

	m.kplans = make([]kernelPlan, len(m.kernels))
	m.buffers = nil
	m.cbs = nil
	m.scratch = nil
	m.programs = nil
	m.streamBuf = make(map[int]plan.BufferRef)
	m.indexBuf = make(map[int]plan.BufferRef)
	m.edgeBuf = make(map[int]plan.BufferRef)
	m.dev = dev
	m.orch = nil
	m.bufs = nil

	if err := m.planParallelization(dev); err != nil {
		return err
	}
	if err := m.lowerExpressions(); err != nil {
		return err
	}
	if err := m.planResources(dev); err != nil {
		return err
	}
	m.buildPrograms()

	m.compiled = true
	m.log.Info("compiled device kernels",
		zap.Int("kernels", len(m.kernels)),
		zap.Int("cores", len(m.programs)),
		zap.String("cache_key", synth.CacheKey(m.programs)[:16]))
	return nil
}

// planParallelization splits every kernel's output tiles into per-core
// work slices and assigns cores row-major across the grid. Input edges
// take the output split scaled by their compression factor, so all edges
// of a kernel agree on the core set.
func (m *Map) planParallelization(dev device.Device) error {
	alloc := plan.NewCoreAllocator(dev.ComputeGrid())

	for _, ki := range m.topo {
		kp := &m.kplans[ki]
		kp.inEdges = m.inEdgesOf(ki)
		kp.outEdges = m.outEdgesOf(ki)
		kp.compression = m.kernelCompression(kp)
		kp.outTiles = m.edges[kp.outEdges[0]].tileCount

		if m.maxPar > kp.outTiles {
			m.log.Warn("parallelization factor exceeds tile count, clamping",
				zap.Int("kernel", ki),
				zap.Uint32("factor", m.maxPar),
				zap.Uint32("tiles", kp.outTiles))
		}
		kp.outSlices = plan.SplitWork(kp.outTiles, m.maxPar)

		cores, err := alloc.Take(uint32(len(kp.outSlices)))
		if err != nil {
			return wrap(ErrResource, err)
		}
		kp.cores = cores

		for _, ei := range kp.inEdges {
			e := m.edges[ei]
			k := m.edgeCompression(e)
			e.slices = make([]plan.WorkSlice, len(kp.outSlices))
			for i, s := range kp.outSlices {
				e.slices[i] = plan.Scale(s, k, e.tileCount)
			}
		}
		for _, ei := range kp.outEdges {
			m.edges[ei].slices = append([]plan.WorkSlice(nil), kp.outSlices...)
		}
	}
	return nil
}

// kernelCompression returns the accesses-per-token factor of the
// kernel's gather-fed input, 1 when none applies.
func (m *Map) kernelCompression(kp *kernelPlan) uint32 {
	for _, ei := range kp.inEdges {
		if k := m.edgeCompression(m.edges[ei]); k > 1 {
			return k
		}
	}
	return 1
}

// lowerExpressions resolves each kernel's compute body against its
// identifier environment and lowers it to tile-ALU programs. A kernel
// fed by a multi-access gather sees virtual identifiers in0..in{k-1},
// one per access slot of each token.
func (m *Map) lowerExpressions() error {
	for _, ki := range m.topo {
		kp := &m.kplans[ki]
		k := m.kernels[ki]

		if kp.compression > 1 && len(kp.inEdges) != 1 {
			return errf(ErrCompile, "kernel %d: a multi-access gather input must be the kernel's only input", ki)
		}

		if k.Passthrough() {
			if kp.compression > 1 {
				return errf(ErrCompile, "kernel %d: multi-access gather input requires a compute expression", ki)
			}
			if len(k.inputs) != len(k.outputs) {
				return errf(ErrCompile, "kernel %d: passthrough needs matching port counts, has %d inputs and %d outputs",
					ki, len(k.inputs), len(k.outputs))
			}
			continue
		}

		stmts, err := expr.Parse(k.computeSrc)
		if err != nil {
			return wrap(ErrCompile, err)
		}

		var idents []string
		var bindings []synth.LoadBinding
		if kp.compression > 1 {
			for j := uint32(0); j < kp.compression; j++ {
				name := fmt.Sprintf("in%d", j)
				idents = append(idents, name)
				bindings = append(bindings, synth.LoadBinding{Name: name, Input: 0, Access: j})
			}
		} else {
			for i, p := range k.inputs {
				idents = append(idents, p.Name)
				bindings = append(bindings, synth.LoadBinding{Name: p.Name, Input: i})
			}
		}

		outputs := make([]string, len(k.outputs))
		for i, p := range k.outputs {
			outputs[i] = p.Name
		}

		lowered, err := expr.Lower(stmts, idents, outputs)
		if err != nil {
			return wrap(ErrCompile, err)
		}
		kp.stmts = lowered
		kp.bindings = bindings
	}
	return nil
}

// planResources lays out DRAM buffers, scratch regions, and circular
// buffers for the sliced graph.
func (m *Map) planResources(dev device.Device) error {
	addBuf := func(role plan.BufferRole, stream, edgeIdx int, size uint64, page uint32) plan.BufferRef {
		ref := plan.BufferRef(len(m.buffers))
		m.buffers = append(m.buffers, plan.DramSpec{
			Ref:      ref,
			Role:     role,
			Stream:   stream,
			Edge:     edgeIdx,
			Size:     size,
			PageSize: page,
		})
		return ref
	}

	scratchAlloc := plan.NewScratchAllocator(dev.ScratchReservedBase(), dev.ScratchCapacityPerCore())

	for si, s := range m.streams {
		switch v := s.(type) {
		case *Stream:
			m.streamBuf[si] = addBuf(plan.RoleStreamData, si, -1,
				plan.StreamBufferSize(v.NumTiles(), v.format), tile.Bytes(v.format))
		case *GatherStream:
			idxTiles := tile.CeilTiles(v.tokens()) * v.accessesPerToken
			m.indexBuf[si] = addBuf(plan.RoleGatherIndex, si, -1,
				uint64(idxTiles)*tile.IndexTileBytes, tile.IndexTileBytes)
			if v.tier == TierDRAM {
				m.streamBuf[si] = addBuf(plan.RoleGatherData, si, -1,
					plan.GatherDataBufferSize(v.dataElemCount, v.format), tile.Bytes(v.format))
				continue
			}
			denseBytes := v.dataElemCount * v.format.ElemBytes()
			if denseBytes > dev.ScratchCapacityPerCore() {
				return errf(ErrResource, "gather stream %d: %d data bytes exceed the %d-byte scratch capacity",
					si, denseBytes, dev.ScratchCapacityPerCore())
			}
			for _, core := range m.consumingCores(si) {
				addr, err := scratchAlloc.Alloc(core, denseBytes)
				if err != nil {
					return wrap(ErrResource, err)
				}
				m.scratch = append(m.scratch, plan.ScratchSpec{Core: core, Stream: si, Addr: addr, Size: denseBytes})
			}
		}
	}

	for ei, e := range m.edges {
		if e.src.kind == epKernel && e.dst.kind == epKernel {
			m.edgeBuf[ei] = addBuf(plan.RoleEdge, -1, ei,
				uint64(e.tileCount)*uint64(tile.Bytes(e.format)), tile.Bytes(e.format))
		}
	}

	cbAlloc := plan.NewCBAllocator()
	for _, ki := range m.topo {
		kp := &m.kplans[ki]
		kp.inCB = make(map[int]uint32, len(kp.inEdges))
		kp.idxCB = make(map[int]uint32)
		kp.outCB = make(map[int]uint32, len(kp.outEdges))
		anchor := kp.cores[0]

		for _, ei := range kp.inEdges {
			id, err := cbAlloc.TakeInput(anchor)
			if err != nil {
				return wrap(ErrResource, err)
			}
			kp.inCB[ei] = id
			if m.gatherSource(m.edges[ei]) != nil {
				idx, err := cbAlloc.TakeInput(anchor)
				if err != nil {
					return wrap(ErrResource, err)
				}
				kp.idxCB[ei] = idx
			}
		}
		for _, ei := range kp.outEdges {
			id, err := cbAlloc.TakeOutput(anchor)
			if err != nil {
				return wrap(ErrResource, err)
			}
			kp.outCB[ei] = id
		}

		for _, core := range kp.cores {
			for _, ei := range kp.inEdges {
				e := m.edges[ei]
				k := m.edgeCompression(e)
				// A compressed input's buffer must hold one whole
				// iteration group per pipeline stage.
				m.cbs = append(m.cbs, plan.CBSpec{
					Core: core, ID: kp.inCB[ei],
					PageBytes: tile.Bytes(e.format), Tiles: m.tilesPerCB * k, Format: e.format,
				})
				if idx, ok := kp.idxCB[ei]; ok {
					m.cbs = append(m.cbs, plan.CBSpec{
						Core: core, ID: idx,
						PageBytes: tile.IndexTileBytes, Tiles: m.tilesPerCB, Format: tile.UInt32,
					})
				}
			}
			for _, ei := range kp.outEdges {
				e := m.edges[ei]
				m.cbs = append(m.cbs, plan.CBSpec{
					Core: core, ID: kp.outCB[ei],
					PageBytes: tile.Bytes(e.format), Tiles: m.tilesPerCB, Format: e.format,
				})
			}
		}
	}
	return nil
}

// gatherSource returns the gather stream feeding the edge, or nil.
func (m *Map) gatherSource(e *edge) *GatherStream {
	if e.src.kind != epStream {
		return nil
	}
	g, _ := m.streams[e.src.idx].(*GatherStream)
	return g
}

// consumingCores lists the cores of every kernel fed by stream si, in
// plan order.
func (m *Map) consumingCores(si int) []device.Coord {
	var cores []device.Coord
	for _, ki := range m.topo {
		for _, ei := range m.kplans[ki].inEdges {
			e := m.edges[ei]
			if e.src.kind == epStream && e.src.idx == si {
				cores = append(cores, m.kplans[ki].cores...)
				break
			}
		}
	}
	return cores
}

// buildPrograms synthesizes the three per-core programs for every
// kernel slice, in deterministic kernel and core order.
func (m *Map) buildPrograms() {
	for _, ki := range m.topo {
		kp := &m.kplans[ki]
		k := m.kernels[ki]
		for ci, core := range kp.cores {
			m.programs = append(m.programs, synth.CoreProgram{
				Core:    core,
				Reader:  m.buildReader(kp, ci),
				Compute: m.buildCompute(k, kp, ci),
				Writer:  m.buildWriter(kp, ci),
			})
		}
	}
}

func (m *Map) buildReader(kp *kernelPlan, ci int) synth.Proc {
	args := &synth.ArgList{}
	ir := &synth.ReaderIR{}

	for _, ei := range kp.inEdges {
		e := m.edges[ei]
		slice := e.slices[ci]
		in := synth.ReaderInput{
			Port:           e.dst.port,
			DataCB:         kp.inCB[ei],
			TileBytes:      tile.Bytes(e.format),
			ElemBytes:      e.format.ElemBytes(),
			TilesPerIter:   m.edgeCompression(e),
			ArgIndexAddr:   -1,
			ArgIndexNocX:   -1,
			ArgIndexNocY:   -1,
			ArgScratchAddr: -1,
		}
		if g := m.gatherSource(e); g != nil {
			in.IndexCB = kp.idxCB[ei]
			idxRef := m.indexBuf[e.src.idx]
			if g.tier == TierDRAM {
				in.Kind = synth.InputGatherDRAM
				dataRef := m.streamBuf[e.src.idx]
				in.ArgDataAddr = args.BufAddr(dataRef)
				in.ArgDataNocX, in.ArgDataNocY = args.BufNoc(dataRef)
			} else {
				in.Kind = synth.InputGatherScratch
				in.ArgScratchAddr = args.ScratchBase(e.src.idx)
			}
			in.ArgIndexAddr = args.BufAddr(idxRef)
			in.ArgIndexNocX, in.ArgIndexNocY = args.BufNoc(idxRef)
		} else {
			in.Kind = synth.InputStream
			var ref plan.BufferRef
			if e.src.kind == epKernel {
				ref = m.edgeBuf[ei]
			} else {
				ref = m.streamBuf[e.src.idx]
			}
			in.ArgDataAddr = args.BufAddr(ref)
			in.ArgDataNocX, in.ArgDataNocY = args.BufNoc(ref)
		}
		in.ArgTileStart = args.Literal(slice.TileStart)
		in.ArgTileCount = args.Literal(slice.TileCount)
		ir.Inputs = append(ir.Inputs, in)
	}

	return synth.Proc{Name: "reader", Source: synth.RenderReader(ir), IR: ir, Args: args.Syms()}
}

func (m *Map) buildCompute(k *Kernel, kp *kernelPlan, ci int) synth.Proc {
	args := &synth.ArgList{}
	ir := &synth.ComputeIR{
		Passthrough: k.Passthrough(),
		Stmts:       kp.stmts,
		Bindings:    kp.bindings,
		NumTiles:    kp.outSlices[ci].TileCount,
		UseArgCount: k.usesRuntimeArgs,
	}
	for _, ei := range kp.inEdges {
		e := m.edges[ei]
		ir.Inputs = append(ir.Inputs, synth.ComputeInput{
			Port:         e.dst.port,
			CB:           kp.inCB[ei],
			TilesPerIter: m.edgeCompression(e),
		})
	}
	for _, ei := range kp.outEdges {
		e := m.edges[ei]
		ir.Outputs = append(ir.Outputs, synth.ComputeOutput{Port: e.src.port, CB: kp.outCB[ei]})
	}
	if ir.UseArgCount {
		ir.ArgNumTiles = args.Literal(kp.outSlices[ci].TileCount)
	}
	return synth.Proc{Name: "compute", Source: synth.RenderCompute(ir), IR: ir, Args: args.Syms()}
}

func (m *Map) buildWriter(kp *kernelPlan, ci int) synth.Proc {
	args := &synth.ArgList{}
	ir := &synth.WriterIR{}

	for _, ei := range kp.outEdges {
		e := m.edges[ei]
		slice := kp.outSlices[ci]
		ref := m.edgeBuf[ei]
		if e.dst.kind == epStream {
			ref = m.streamBuf[e.dst.idx]
		}
		out := synth.WriterOutput{
			Port:      e.src.port,
			CB:        kp.outCB[ei],
			TileBytes: tile.Bytes(e.format),
		}
		out.ArgDstAddr = args.BufAddr(ref)
		out.ArgDstNocX, out.ArgDstNocY = args.BufNoc(ref)
		out.ArgTileStart = args.Literal(slice.TileStart)
		out.ArgTileCount = args.Literal(slice.TileCount)
		ir.Outputs = append(ir.Outputs, out)
	}

	return synth.Proc{Name: "writer", Source: synth.RenderWriter(ir), IR: ir, Args: args.Syms()}
}

// Programs returns the synthesized per-core programs of the last
// compile.
func (m *Map) Programs() []synth.CoreProgram {
	return append([]synth.CoreProgram(nil), m.programs...)
}

// CacheKey returns the deterministic hash of the compiled program IR.
func (m *Map) CacheKey() string { return synth.CacheKey(m.programs) }
