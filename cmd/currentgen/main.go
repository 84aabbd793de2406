// currentgen compiles a demo dataflow graph and dumps the synthesized
// per-core kernel sources, either to stdout or into a directory laid out
// as <dir>/core_x_y/{reader,compute,writer}.cpp.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbl8/current"
	"github.com/sbl8/current/device/sim"
	"github.com/sbl8/current/tile"
)

func main() {
	var (
		outDir   = flag.String("o", "", "Write kernel sources under this directory instead of stdout")
		parallel = flag.Uint("parallel", 2, "Max parallelization factor")
		tilesCB  = flag.Uint("tiles-per-cb", tile.DefaultTilesPerCB, "Circular buffer depth in tiles")
		elems    = flag.Uint("elems", 1024*64, "Elements per stream")
	)
	flag.Parse()

	m, err := buildDemo(uint32(*elems), uint32(*parallel), uint32(*tilesCB))
	if err != nil {
		fmt.Fprintf(os.Stderr, "currentgen: %v\n", err)
		os.Exit(1)
	}

	dev, err := sim.Open(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "currentgen: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	if err := m.GenerateDeviceKernels(dev); err != nil {
		fmt.Fprintf(os.Stderr, "currentgen: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("cache key: %s\n", m.CacheKey())
	for _, cp := range m.Programs() {
		if *outDir == "" {
			fmt.Printf("==== core (%d,%d) reader ====\n%s\n", cp.Core.X, cp.Core.Y, cp.Reader.Source)
			fmt.Printf("==== core (%d,%d) compute ====\n%s\n", cp.Core.X, cp.Core.Y, cp.Compute.Source)
			fmt.Printf("==== core (%d,%d) writer ====\n%s\n", cp.Core.X, cp.Core.Y, cp.Writer.Source)
			continue
		}
		dir := filepath.Join(*outDir, fmt.Sprintf("core_%d_%d", cp.Core.X, cp.Core.Y))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "currentgen: %v\n", err)
			os.Exit(1)
		}
		files := map[string]string{
			"reader.cpp":  cp.Reader.Source,
			"compute.cpp": cp.Compute.Source,
			"writer.cpp":  cp.Writer.Source,
		}
		for name, src := range files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "currentgen: %v\n", err)
				os.Exit(1)
			}
		}
	}
	if *outDir != "" {
		fmt.Printf("wrote %d core programs under %s\n", len(m.Programs()), *outDir)
	}
}

// buildDemo wires the SAXPY example graph: out0 = in0 * 2.0 + in1.
func buildDemo(elems, parallel, tilesPerCB uint32) (*current.Map, error) {
	k := current.NewKernel()
	if err := k.AddInputPort("in0", tile.Float16b); err != nil {
		return nil, err
	}
	if err := k.AddInputPort("in1", tile.Float16b); err != nil {
		return nil, err
	}
	if err := k.AddOutputPort("out0", tile.Float16b); err != nil {
		return nil, err
	}
	if err := k.SetComputeKernel("out0 = in0 * 2.0 + in1;", false); err != nil {
		return nil, err
	}

	words := tile.WordsForElems(elems, tile.Float16b)
	src0 := current.NewStream(make([]uint32, words), elems, tile.Float16b)
	src1 := current.NewStream(make([]uint32, words), elems, tile.Float16b)
	sink := current.NewStream(make([]uint32, words), elems, tile.Float16b)

	m, err := current.NewMap([]*current.Kernel{k}, []current.Source{src0, src1, sink}, parallel, tilesPerCB)
	if err != nil {
		return nil, err
	}
	if err := m.AddConnection(src0, k, "in0"); err != nil {
		return nil, err
	}
	if err := m.AddConnection(src1, k, "in1"); err != nil {
		return nil, err
	}
	if err := m.AddSinkConnection(k, "out0", sink); err != nil {
		return nil, err
	}
	return m, nil
}
