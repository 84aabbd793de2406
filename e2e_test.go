package current

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sbl8/current/device/sim"
	"github.com/sbl8/current/synth"
	"github.com/sbl8/current/tile"
)

// quantize mirrors the precision loss of storing a value as bfloat16.
func quantize(v float32) float32 {
	return tile.UnpackBFloat16(tile.PackBFloat16([]float32{v}))[0]
}

func randomBF16(rng *rand.Rand, n uint32) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = quantize(rng.Float32()*20 - 10)
	}
	return vals
}

func bf16Stream(vals []float32, elems uint32) *Stream {
	return NewStream(tile.PackBFloat16(vals), elems, tile.Float16b)
}

func emptyBF16Stream(elems uint32) *Stream {
	return NewStream(make([]uint32, tile.WordsForElems(elems, tile.Float16b)), elems, tile.Float16b)
}

func TestE2ESAXPY(t *testing.T) {
	const elems = 1024 * 512
	rng := rand.New(rand.NewSource(7))
	in0 := randomBF16(rng, elems)
	in1 := randomBF16(rng, elems)

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddInputPort("in1", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))
	require.NoError(t, k.SetComputeKernel("out0 = in0 * 2.0 + in1;", false))

	src0 := bf16Stream(in0, elems)
	src1 := bf16Stream(in1, elems)
	sink := emptyBF16Stream(elems)

	m, err := NewMap([]*Kernel{k}, []Source{src0, src1, sink}, 4, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src0, k, "in0"))
	require.NoError(t, m.AddConnection(src1, k, "in1"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))

	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	require.GreaterOrEqual(t, len(out), elems)

	for i := 0; i < elems; i++ {
		want := quantize(in0[i]*2 + in1[i])
		require.Truef(t, tile.IsClose(out[i], want),
			"out[%d] = %v, want %v (in0=%v in1=%v)", i, out[i], want, in0[i], in1[i])
	}
}

func TestE2EExecuteTwiceOverwritesSink(t *testing.T) {
	const elems = tile.Size * 3
	rng := rand.New(rand.NewSource(11))
	in := randomBF16(rng, elems)

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))

	src := bf16Stream(in, elems)
	sink := emptyBF16Stream(elems)

	m, err := NewMap([]*Kernel{k}, []Source{src, sink}, 2, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Execute(ctx, dev))
	require.NoError(t, m.Execute(ctx, dev))
	require.EqualValues(t, 2, dev.Stats().ProgramsRun)

	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := 0; i < elems; i++ {
		require.Equal(t, in[i], out[i], "element %d", i)
	}
}

func TestE2ERoundTripPassthroughUnaligned(t *testing.T) {
	// Element count is deliberately not a multiple of the tile size;
	// padding stays invisible.
	const elems = tile.Size*2 + 500
	src := NewStream(sequentialWords(elems), elems, tile.UInt32)
	sink := NewStream(make([]uint32, elems), elems, tile.UInt32)

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.UInt32))
	require.NoError(t, k.AddOutputPort("out0", tile.UInt32))

	m, err := NewMap([]*Kernel{k}, []Source{src, sink}, 2, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))
	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	require.Equal(t, src.Data(), words[:elems])
}

func sequentialWords(n uint32) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = uint32(i) * 3
	}
	return words
}

func TestE2EPipeline(t *testing.T) {
	const elems = tile.Size * 16
	rng := rand.New(rand.NewSource(3))
	in := randomBF16(rng, elems)

	ka := NewKernel()
	require.NoError(t, ka.AddInputPort("in0", tile.Float16b))
	require.NoError(t, ka.AddOutputPort("out0", tile.Float16b))
	kb := NewKernel()
	require.NoError(t, kb.AddInputPort("in0", tile.Float16b))
	require.NoError(t, kb.AddOutputPort("out0", tile.Float16b))

	src := bf16Stream(in, elems)
	sink := emptyBF16Stream(elems)

	m, err := NewMap([]*Kernel{ka, kb}, []Source{src, sink}, 2, 4)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, ka, "in0"))
	require.NoError(t, m.AddKernelConnection(ka, "out0", kb, "in0"))
	require.NoError(t, m.AddSinkConnection(kb, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))
	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := 0; i < elems; i++ {
		require.Equal(t, in[i], out[i], "element %d", i)
	}
}

func gatherFixture(t *testing.T, tier StorageTier, accesses uint32, numIndices, dataElems uint32, seed int64) (*Map, *GatherStream, *Stream, []float32, []uint32) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := randomBF16(rng, dataElems)
	idx := make([]uint32, numIndices)
	for i := range idx {
		idx[i] = uint32(rng.Intn(int(dataElems)))
	}

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))
	if accesses == 2 {
		require.NoError(t, k.SetComputeKernel("out0 = (in0 + in1) * 0.5;", false))
	}

	tokens := numIndices / accesses
	gs := NewGatherStream(tile.PackBFloat16(data), tile.Float16b, dataElems, idx, tier, accesses)
	sink := emptyBF16Stream(tokens)

	m, err := NewMap([]*Kernel{k}, []Source{gs, sink}, 2, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(gs, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))
	return m, gs, sink, data, idx
}

func TestE2EGatherDRAM(t *testing.T) {
	const numIndices = 32768
	const dataElems = 4096
	m, gs, sink, data, idx := gatherFixture(t, TierDRAM, 1, numIndices, dataElems, 13)

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))

	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := uint32(0); i < numIndices; i++ {
		require.Equal(t, data[idx[i]], out[i], "index %d", i)
	}

	// The expanded device layout places element j at slot j, sixteen
	// bfloat16 positions apart.
	raw, err := m.ReadGatherStream(gs, true)
	require.NoError(t, err)
	expanded := tile.UnpackBFloat16(raw)
	for i := uint32(0); i < 64; i++ {
		require.Equal(t, data[idx[i]], expanded[idx[i]*16], "expanded slot of index %d", i)
	}
}

func TestE2EGatherScratch(t *testing.T) {
	const numIndices = 8192
	const dataElems = 4096 // 8 KiB dense, well under scratch capacity
	m, gs, sink, data, idx := gatherFixture(t, TierScratch, 1, numIndices, dataElems, 17)

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))

	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := uint32(0); i < numIndices; i++ {
		require.Equal(t, data[idx[i]], out[i], "index %d", i)
	}

	// Scratch-tier gathers never touch DRAM for data.
	stats := dev.Stats()
	require.Zero(t, stats.DRAMGatherReads)
	require.NotZero(t, stats.ScratchGatherReads)

	// The dense scratch copy reads back unchanged.
	raw, err := m.ReadGatherStream(gs, false)
	require.NoError(t, err)
	back := tile.UnpackBFloat16(raw)
	for i := uint32(0); i < dataElems; i++ {
		require.Equal(t, data[i], back[i], "scratch element %d", i)
	}
}

func TestE2EGatherScratchTooLarge(t *testing.T) {
	const dataElems = 600000 // 1.2 MB of bf16, over the 1 MiB capacity
	idx := make([]uint32, tile.Size)
	data := make([]uint32, tile.WordsForElems(dataElems, tile.Float16b))

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))

	gs := NewGatherStream(data, tile.Float16b, dataElems, idx, TierScratch, 1)
	sink := emptyBF16Stream(tile.Size)

	m, err := NewMap([]*Kernel{k}, []Source{gs, sink}, 1, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(gs, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()

	err = m.Execute(context.Background(), dev)
	require.ErrorIs(t, err, ErrResource)
}

func TestE2EGatherMultiAccessAverage(t *testing.T) {
	const numIndices = 4096
	const dataElems = 2048
	m, _, sink, data, idx := gatherFixture(t, TierDRAM, 2, numIndices, dataElems, 23)

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))

	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := uint32(0); i < numIndices/2; i++ {
		want := quantize((data[idx[i*2]] + data[idx[i*2+1]]) * 0.5)
		require.Truef(t, tile.IsClose(out[i], want),
			"token %d: out = %v, want mean(%v, %v)", i, out[i], data[idx[i*2]], data[idx[i*2+1]])
	}
}

func TestE2EGatherAllZeroIndices(t *testing.T) {
	const numIndices = 2048
	const dataElems = 512
	rng := rand.New(rand.NewSource(29))
	data := randomBF16(rng, dataElems)
	idx := make([]uint32, numIndices) // degenerate fan-in on element 0

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))

	gs := NewGatherStream(tile.PackBFloat16(data), tile.Float16b, dataElems, idx, TierDRAM, 1)
	sink := emptyBF16Stream(numIndices)

	m, err := NewMap([]*Kernel{k}, []Source{gs, sink}, 2, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(gs, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))
	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := uint32(0); i < numIndices; i++ {
		require.Equal(t, data[0], out[i], "token %d", i)
	}
}

func TestE2EBoxBlur(t *testing.T) {
	const width, height = 128, 64
	const pixels = width * height
	const accesses = 4 // left, center, right, zero filler

	rng := rand.New(rand.NewSource(31))
	img := make([]float32, pixels)
	for i := range img {
		img[i] = quantize(rng.Float32()) // [0, 1) grayscale
	}

	idx := make([]uint32, 0, pixels*accesses)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			left, right := x-1, x+1
			if left < 0 {
				left = 0
			}
			if right > width-1 {
				right = width - 1
			}
			idx = append(idx,
				uint32(y*width+left),
				uint32(y*width+x),
				uint32(y*width+right),
				0)
		}
	}

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))
	require.NoError(t, k.SetComputeKernel("out0 = (in0 + in1 + in2) * 0.33;", false))

	gs := NewGatherStream(tile.PackBFloat16(img), tile.Float16b, pixels, idx, TierScratch, accesses)
	sink := emptyBF16Stream(pixels)

	m, err := NewMap([]*Kernel{k}, []Source{gs, sink}, 2, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(gs, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))
	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			left, right := x-1, x+1
			if left < 0 {
				left = 0
			}
			if right > width-1 {
				right = width - 1
			}
			ref := (img[y*width+left] + img[y*width+x] + img[y*width+right]) * 0.33
			got := out[y*width+x]
			require.LessOrEqualf(t, absDiff(got, ref), float32(1.0/255.0),
				"pixel (%d,%d): got %v, reference %v", x, y, got, ref)
		}
	}
}

func absDiff(a, b float32) float32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestE2EParallelizationClampWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	const elems = tile.Size // a single tile of work
	rng := rand.New(rand.NewSource(37))
	in := randomBF16(rng, elems)

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))

	src := bf16Stream(in, elems)
	sink := emptyBF16Stream(elems)

	m, err := NewMap([]*Kernel{k}, []Source{src, sink}, 8, tile.DefaultTilesPerCB, WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))
	require.Len(t, m.Programs(), 1, "single tile must clamp to one core")

	found := false
	for _, entry := range logs.All() {
		if entry.Level == zap.WarnLevel {
			found = true
		}
	}
	require.True(t, found, "clamping must emit a warning")

	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := 0; i < elems; i++ {
		require.Equal(t, in[i], out[i])
	}
}

func TestE2EDeterministicSynthesis(t *testing.T) {
	build := func() *Map {
		k := NewKernel()
		require.NoError(t, k.AddInputPort("in0", tile.Float16b))
		require.NoError(t, k.AddInputPort("in1", tile.Float16b))
		require.NoError(t, k.AddOutputPort("out0", tile.Float16b))
		require.NoError(t, k.SetComputeKernel("out0 = in0 * 2.0 + in1;", false))

		const elems = tile.Size * 8
		src0 := emptyBF16Stream(elems)
		src1 := emptyBF16Stream(elems)
		sink := emptyBF16Stream(elems)
		m, err := NewMap([]*Kernel{k}, []Source{src0, src1, sink}, 3, tile.DefaultTilesPerCB)
		require.NoError(t, err)
		require.NoError(t, m.AddConnection(src0, k, "in0"))
		require.NoError(t, m.AddConnection(src1, k, "in1"))
		require.NoError(t, m.AddSinkConnection(k, "out0", sink))
		return m
	}

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()

	ma, mb := build(), build()
	require.NoError(t, ma.GenerateDeviceKernels(dev))
	require.NoError(t, mb.GenerateDeviceKernels(dev))

	require.Equal(t, ma.CacheKey(), mb.CacheKey())
	pa, pb := ma.Programs(), mb.Programs()
	require.Equal(t, len(pa), len(pb))
	for i := range pa {
		require.Equal(t, pa[i].Reader.Source, pb[i].Reader.Source, "reader %d", i)
		require.Equal(t, pa[i].Compute.Source, pb[i].Compute.Source, "compute %d", i)
		require.Equal(t, pa[i].Writer.Source, pb[i].Writer.Source, "writer %d", i)
	}
}

func TestE2ESliceConservation(t *testing.T) {
	const elems = tile.Size * 10
	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))

	src := emptyBF16Stream(elems)
	sink := emptyBF16Stream(elems)
	m, err := NewMap([]*Kernel{k}, []Source{src, sink}, 4, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, m.GenerateDeviceKernels(dev))
	progs := m.Programs()
	require.Len(t, progs, 4)

	// Per-core slices must partition the edge's tile range exactly.
	var total uint32
	next := uint32(0)
	for _, cp := range progs {
		ir, ok := cp.Reader.IR.(*synth.ReaderIR)
		require.True(t, ok)
		in := ir.Inputs[0]
		start := cp.Reader.Args[in.ArgTileStart].Val
		count := cp.Reader.Args[in.ArgTileCount].Val
		require.Equal(t, next, start)
		require.NotZero(t, count)
		next = start + count
		total += count
	}
	require.EqualValues(t, 10, total)
}

func TestE2EUsesRuntimeArgs(t *testing.T) {
	const elems = tile.Size * 4
	rng := rand.New(rand.NewSource(41))
	in := randomBF16(rng, elems)

	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))
	require.NoError(t, k.SetComputeKernel("out0 = in0 * -1.0;", true))

	src := bf16Stream(in, elems)
	sink := emptyBF16Stream(elems)

	m, err := NewMap([]*Kernel{k}, []Source{src, sink}, 2, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()
	defer m.Close()

	require.NoError(t, m.Execute(context.Background(), dev))
	words, err := m.ReadStream(sink)
	require.NoError(t, err)
	out := tile.UnpackBFloat16(words)
	for i := 0; i < elems; i++ {
		require.Equal(t, quantize(-in[i]), out[i], "element %d", i)
	}
}

func TestE2EUndefinedIdentifier(t *testing.T) {
	k := NewKernel()
	require.NoError(t, k.AddInputPort("in0", tile.Float16b))
	require.NoError(t, k.AddOutputPort("out0", tile.Float16b))
	require.NoError(t, k.SetComputeKernel("out0 = in0 + bogus;", false))

	src := emptyBF16Stream(tile.Size)
	sink := emptyBF16Stream(tile.Size)
	m, err := NewMap([]*Kernel{k}, []Source{src, sink}, 1, tile.DefaultTilesPerCB)
	require.NoError(t, err)
	require.NoError(t, m.AddConnection(src, k, "in0"))
	require.NoError(t, m.AddSinkConnection(k, "out0", sink))

	dev, err := sim.Open(0)
	require.NoError(t, err)
	defer dev.Close()

	err = m.GenerateDeviceKernels(dev)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCompile))
}
