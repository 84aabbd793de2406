// Package current implements a dataflow compiler and runtime for tiled
// spatial accelerators.
//
// A computation is described as a bipartite graph of streams (typed data
// sources and sinks) and kernels (typed compute operators with named
// ports). The Map compiles that graph into a device program: it
// validates the topology, assigns a tile count to every edge, splits
// work across cores, plans DRAM, scratch, and circular-buffer resources,
// and synthesizes the three cooperating per-core programs (reader,
// compute, writer) that move and transform tiles.
//
// # Architecture Overview
//
// The pipeline runs leaf packages in sequence under the Map:
//
//   - tile: element formats, tile geometry, host-word packing
//   - expr: the compute expression language and its tile-ALU lowering
//   - plan: work slicing, core assignment, resource layout
//   - synth: per-core program IR and deterministic source emission
//   - device: the host-SDK seam; device/sim is the functional simulator
//   - runtime: buffer materialization, upload, dispatch, readback
//
// # Basic Usage
//
//	k := current.NewKernel()
//	k.AddInputPort("in0", tile.Float16b)
//	k.AddInputPort("in1", tile.Float16b)
//	k.AddOutputPort("out0", tile.Float16b)
//	k.SetComputeKernel("out0 = in0 * 2.0 + in1;", false)
//
//	src0 := current.NewStream(data0, count, tile.Float16b)
//	src1 := current.NewStream(data1, count, tile.Float16b)
//	sink := current.NewStream(out, count, tile.Float16b)
//
//	m, err := current.NewMap([]*current.Kernel{k},
//		[]current.Source{src0, src1, sink}, 4, tile.DefaultTilesPerCB)
//	m.AddConnection(src0, k, "in0")
//	m.AddConnection(src1, k, "in1")
//	m.AddSinkConnection(k, "out0", sink)
//
//	dev, err := sim.Open(0)
//	err = m.Execute(ctx, dev)
//	words, err := m.ReadStream(sink)
//
// Every public operation returns one of the six error kinds (ErrConfig,
// ErrGraph, ErrShape, ErrResource, ErrCompile, ErrDevice); errors.Is
// distinguishes them. The one exception is an Execute whose context is
// cancelled or expires: it returns the context's own error. All errors
// are fatal to the run. Validation, planning and compile errors stop
// Execute before anything is uploaded or launched; a device error may
// surface after the program was launched.
package current
