// currentrun executes a demo dataflow pipeline on the functional
// simulator and verifies the result against a host-side reference.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"go.uber.org/zap"

	"github.com/sbl8/current"
	"github.com/sbl8/current/device/sim"
	"github.com/sbl8/current/tile"
)

func main() {
	var (
		demo     = flag.String("demo", "saxpy", "Demo to run: saxpy, gather")
		elems    = flag.Uint("elems", 1024*128, "Elements per stream")
		parallel = flag.Uint("parallel", 4, "Max parallelization factor")
		seed     = flag.Int64("seed", 1, "Random seed")
		verbose  = flag.Bool("verbose", false, "Enable runtime logging")
	)
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "currentrun: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	switch *demo {
	case "saxpy":
		err = runSAXPY(uint32(*elems), uint32(*parallel), *seed, log)
	case "gather":
		err = runGather(uint32(*elems), uint32(*parallel), *seed, log)
	default:
		err = fmt.Errorf("unknown demo %q", *demo)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "currentrun: %v\n", err)
		os.Exit(1)
	}
}

func runSAXPY(elems, parallel uint32, seed int64, log *zap.Logger) error {
	rng := rand.New(rand.NewSource(seed))
	in0 := randomValues(rng, elems)
	in1 := randomValues(rng, elems)

	k := current.NewKernel()
	k.AddInputPort("in0", tile.Float16b)
	k.AddInputPort("in1", tile.Float16b)
	k.AddOutputPort("out0", tile.Float16b)
	if err := k.SetComputeKernel("out0 = in0 * 2.0 + in1;", false); err != nil {
		return err
	}

	src0 := current.NewStream(tile.PackBFloat16(in0), elems, tile.Float16b)
	src1 := current.NewStream(tile.PackBFloat16(in1), elems, tile.Float16b)
	sink := current.NewStream(make([]uint32, tile.WordsForElems(elems, tile.Float16b)), elems, tile.Float16b)

	m, err := current.NewMap([]*current.Kernel{k}, []current.Source{src0, src1, sink},
		parallel, tile.DefaultTilesPerCB, current.WithLogger(log))
	if err != nil {
		return err
	}
	if err := m.AddConnection(src0, k, "in0"); err != nil {
		return err
	}
	if err := m.AddConnection(src1, k, "in1"); err != nil {
		return err
	}
	if err := m.AddSinkConnection(k, "out0", sink); err != nil {
		return err
	}

	dev, err := sim.Open(0)
	if err != nil {
		return err
	}
	defer dev.Close()
	defer m.Close()

	if err := m.Execute(context.Background(), dev); err != nil {
		return err
	}
	words, err := m.ReadStream(sink)
	if err != nil {
		return err
	}

	out := tile.UnpackBFloat16(words)
	bad := 0
	for i := uint32(0); i < elems; i++ {
		want := quantize(quantize(in0[i])*2 + quantize(in1[i]))
		if !tile.IsClose(out[i], want) {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("saxpy: %d of %d elements out of tolerance", bad, elems)
	}
	fmt.Printf("saxpy: %d elements verified\n", elems)
	return nil
}

func runGather(indices, parallel uint32, seed int64, log *zap.Logger) error {
	const dataElems = 1 << 16
	rng := rand.New(rand.NewSource(seed))
	data := randomValues(rng, dataElems)

	idx := make([]uint32, indices)
	for i := range idx {
		idx[i] = uint32(rng.Intn(dataElems))
	}

	k := current.NewKernel()
	k.AddInputPort("in0", tile.Float16b)
	k.AddOutputPort("out0", tile.Float16b)

	gs := current.NewGatherStream(tile.PackBFloat16(data), tile.Float16b, dataElems, idx, current.TierDRAM, 1)
	sink := current.NewStream(make([]uint32, tile.WordsForElems(indices, tile.Float16b)), indices, tile.Float16b)

	m, err := current.NewMap([]*current.Kernel{k}, []current.Source{gs, sink},
		parallel, tile.DefaultTilesPerCB, current.WithLogger(log))
	if err != nil {
		return err
	}
	if err := m.AddConnection(gs, k, "in0"); err != nil {
		return err
	}
	if err := m.AddSinkConnection(k, "out0", sink); err != nil {
		return err
	}

	dev, err := sim.Open(0)
	if err != nil {
		return err
	}
	defer dev.Close()
	defer m.Close()

	if err := m.Execute(context.Background(), dev); err != nil {
		return err
	}
	words, err := m.ReadStream(sink)
	if err != nil {
		return err
	}

	out := tile.UnpackBFloat16(words)
	for i := uint32(0); i < indices; i++ {
		if out[i] != quantize(data[idx[i]]) {
			return fmt.Errorf("gather: out[%d] = %v, want data[%d] = %v", i, out[i], idx[i], data[idx[i]])
		}
	}
	fmt.Printf("gather: %d lookups verified\n", indices)
	return nil
}

func randomValues(rng *rand.Rand, n uint32) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = rng.Float32()*20 - 10
	}
	return vals
}

// quantize mirrors the bfloat16 precision loss the device applies.
func quantize(v float32) float32 {
	packed := tile.PackBFloat16([]float32{v})
	return tile.UnpackBFloat16(packed)[0]
}
