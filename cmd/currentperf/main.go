// currentperf times demo pipelines on the functional simulator at
// growing sizes, reporting wall time and effective throughput per run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sbl8/current"
	"github.com/sbl8/current/device/sim"
	"github.com/sbl8/current/tile"
)

var (
	parallel = flag.Uint("parallel", 4, "Max parallelization factor")
	iter     = flag.Int("iter", 3, "Runs per size")
	maxTiles = flag.Uint("max-tiles", 512, "Largest size in tiles")
)

func main() {
	flag.Parse()

	fmt.Printf("Current Performance Tool\n")
	fmt.Printf("========================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("CPUs: %d\n\n", runtime.NumCPU())

	for tiles := uint32(8); tiles <= uint32(*maxTiles); tiles *= 4 {
		if err := timeSAXPY(tiles); err != nil {
			fmt.Fprintf(os.Stderr, "currentperf: %v\n", err)
			os.Exit(1)
		}
	}
}

func timeSAXPY(tiles uint32) error {
	elems := tiles * tile.Size
	words := tile.WordsForElems(elems, tile.Float16b)

	k := current.NewKernel()
	k.AddInputPort("in0", tile.Float16b)
	k.AddInputPort("in1", tile.Float16b)
	k.AddOutputPort("out0", tile.Float16b)
	if err := k.SetComputeKernel("out0 = in0 * 2.0 + in1;", false); err != nil {
		return err
	}

	src0 := current.NewStream(make([]uint32, words), elems, tile.Float16b)
	src1 := current.NewStream(make([]uint32, words), elems, tile.Float16b)
	sink := current.NewStream(make([]uint32, words), elems, tile.Float16b)

	m, err := current.NewMap([]*current.Kernel{k}, []current.Source{src0, src1, sink},
		uint32(*parallel), tile.DefaultTilesPerCB)
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

	var total time.Duration
	for i := 0; i < *iter; i++ {
		start := time.Now()
		if err := m.Execute(context.Background(), dev); err != nil {
			return err
		}
		total += time.Since(start)
	}
	avg := total / time.Duration(*iter)
	bytes := uint64(elems) * 2 * 3 // two sources in, one sink out
	rate := float64(bytes) / avg.Seconds() / (1 << 20)
	fmt.Printf("%6d tiles: %10v avg over %d runs (%.1f MiB/s)\n", tiles, avg, *iter, rate)
	return nil
}
