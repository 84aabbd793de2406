package sim

import (
	"fmt"
	"sync"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/synth"
)

// coreKernels is the trio of programs dispatched to one core.
type coreKernels struct {
	reader  *kernel
	compute *kernel
	writer  *kernel
}

// run executes the program: every populated core gets three goroutines
// wired together by channel-backed circular buffers. The call returns
// when all cores drain or any processor fails.
func (p *program) run() error {
	p.mu.Lock()
	cores := make(map[device.Coord]*coreKernels)
	for _, k := range p.kernels {
		ck, ok := cores[k.core]
		if !ok {
			ck = &coreKernels{}
			cores[k.core] = ck
		}
		switch k.cfg.Processor {
		case device.ProcDataMovement0:
			ck.reader = k
		case device.ProcDataMovement1:
			ck.writer = k
		case device.ProcCompute:
			ck.compute = k
		}
	}
	p.mu.Unlock()

	if len(cores) == 0 {
		return fmt.Errorf("sim: program has no kernels")
	}
	for core, ck := range cores {
		if ck.reader == nil || ck.compute == nil || ck.writer == nil {
			return fmt.Errorf("sim: core (%d,%d) is missing one of its three kernels", core.X, core.Y)
		}
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		firstEr error
		done    = make(chan struct{})
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstEr = err
			close(done)
		})
	}

	for core, ck := range cores {
		cfgs := p.cbs[core]
		chans := make(map[uint32]chan []byte, len(cfgs))
		for id, cfg := range cfgs {
			chans[id] = make(chan []byte, cfg.numPages)
		}

		run := func(k *kernel, f func() error) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := f(); err != nil {
					fail(fmt.Errorf("core (%d,%d) %s: %w", k.core.X, k.core.Y, k.cfg.Processor, err))
				}
			}()
		}

		core := core
		rd := ck.reader
		cp := ck.compute
		wr := ck.writer
		run(rd, func() error {
			ir, ok := rd.ir.(*synth.ReaderIR)
			if !ok {
				return fmt.Errorf("reader kernel carries no IR")
			}
			return p.dev.runReader(core, ir, rd.args, chans, done)
		})
		run(cp, func() error {
			ir, ok := cp.ir.(*synth.ComputeIR)
			if !ok {
				return fmt.Errorf("compute kernel carries no IR")
			}
			return p.dev.runCompute(ir, cp.args, chans, cfgs, done)
		})
		run(wr, func() error {
			ir, ok := wr.ir.(*synth.WriterIR)
			if !ok {
				return fmt.Errorf("writer kernel carries no IR")
			}
			return p.dev.runWriter(ir, wr.args, chans, done)
		})
	}

	wg.Wait()
	if firstEr != nil {
		return firstEr
	}
	p.dev.programsRun.Add(1)
	return nil
}

func send(ch chan<- []byte, t []byte, done <-chan struct{}) error {
	select {
	case ch <- t:
		return nil
	case <-done:
		return fmt.Errorf("aborted while pushing tile")
	}
}

func recv(ch <-chan []byte, done <-chan struct{}) ([]byte, error) {
	select {
	case t := <-ch:
		return t, nil
	case <-done:
		return nil, fmt.Errorf("aborted while waiting for tile")
	}
}

func argVal(args []uint32, i int) (uint32, error) {
	if i < 0 || i >= len(args) {
		return 0, fmt.Errorf("runtime arg %d missing (have %d)", i, len(args))
	}
	return args[i], nil
}

func (d *Device) runReader(core device.Coord, ir *synth.ReaderIR, args []uint32, chans map[uint32]chan []byte, done <-chan struct{}) error {
	if len(ir.Inputs) == 0 {
		return fmt.Errorf("reader has no inputs")
	}
	first := ir.Inputs[0]
	count, err := argVal(args, first.ArgTileCount)
	if err != nil {
		return err
	}
	iters := count / first.TilesPerIter

	for it := uint32(0); it < iters; it++ {
		for i := range ir.Inputs {
			in := &ir.Inputs[i]
			switch in.Kind {
			case synth.InputStream:
				if err := d.readStreamTile(in, args, it, chans, done); err != nil {
					return fmt.Errorf("input %s: %w", in.Port, err)
				}
			case synth.InputGatherDRAM, synth.InputGatherScratch:
				if err := d.readGatherTiles(core, in, args, it, chans, done); err != nil {
					return fmt.Errorf("input %s: %w", in.Port, err)
				}
			default:
				return fmt.Errorf("input %s: unknown kind %d", in.Port, in.Kind)
			}
		}
	}
	return nil
}

func (d *Device) readStreamTile(in *synth.ReaderInput, args []uint32, it uint32, chans map[uint32]chan []byte, done <-chan struct{}) error {
	addr, err := argVal(args, in.ArgDataAddr)
	if err != nil {
		return err
	}
	start, err := argVal(args, in.ArgTileStart)
	if err != nil {
		return err
	}
	reg, off, err := d.resolve(addr)
	if err != nil {
		return err
	}
	tileIdx := uint64(start + it)
	lo := uint64(off) + tileIdx*uint64(in.TileBytes)
	hi := lo + uint64(in.TileBytes)
	if hi > uint64(len(reg.mem)) {
		return fmt.Errorf("tile %d overruns buffer of %d bytes", tileIdx, len(reg.mem))
	}
	t := make([]byte, in.TileBytes)
	copy(t, reg.mem[lo:hi])
	ch, ok := chans[in.DataCB]
	if !ok {
		return fmt.Errorf("circular buffer %d not registered", in.DataCB)
	}
	return send(ch, t, done)
}

func (d *Device) readGatherTiles(core device.Coord, in *synth.ReaderInput, args []uint32, it uint32, chans map[uint32]chan []byte, done <-chan struct{}) error {
	idxAddr, err := argVal(args, in.ArgIndexAddr)
	if err != nil {
		return err
	}
	start, err := argVal(args, in.ArgTileStart)
	if err != nil {
		return err
	}
	idxReg, idxOff, err := d.resolve(idxAddr)
	if err != nil {
		return err
	}
	ch, ok := chans[in.DataCB]
	if !ok {
		return fmt.Errorf("circular buffer %d not registered", in.DataCB)
	}

	var (
		dataReg     *region
		dataOff     uint32
		scratch     []byte
		scratchBase uint32
	)
	if in.Kind == synth.InputGatherDRAM {
		dataAddr, err := argVal(args, in.ArgDataAddr)
		if err != nil {
			return err
		}
		if dataReg, dataOff, err = d.resolve(dataAddr); err != nil {
			return err
		}
	} else {
		addr, err := argVal(args, in.ArgScratchAddr)
		if err != nil {
			return err
		}
		scratch = d.scratchFor(core)
		scratchBase = addr - defaultScratchBase
	}

	eb := uint64(in.ElemBytes)
	for j := uint32(0); j < in.TilesPerIter; j++ {
		tileIdx := uint64(start + it*in.TilesPerIter + j)
		idxLo := uint64(idxOff) + tileIdx*4096
		if idxLo+4096 > uint64(len(idxReg.mem)) {
			return fmt.Errorf("index tile %d overruns index buffer", tileIdx)
		}
		t := make([]byte, in.TileBytes)
		for e := uint64(0); e < 1024; e++ {
			index := uint64(getWord(idxReg.mem[idxLo+e*4:]))
			if in.Kind == synth.InputGatherDRAM {
				src := uint64(dataOff) + index*32
				if src+eb > uint64(len(dataReg.mem)) {
					return fmt.Errorf("gather index %d outside data buffer", index)
				}
				copy(t[e*eb:], dataReg.mem[src:src+eb])
				d.dramGatherReads.Add(1)
			} else {
				src := uint64(scratchBase) + index*eb
				if src+eb > uint64(len(scratch)) {
					return fmt.Errorf("gather index %d outside scratch region", index)
				}
				copy(t[e*eb:], scratch[src:src+eb])
				d.scratchGatherReads.Add(1)
			}
		}
		if err := send(ch, t, done); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) runCompute(ir *synth.ComputeIR, args []uint32, chans map[uint32]chan []byte, cfgs map[uint32]cbConfig, done <-chan struct{}) error {
	if len(ir.Inputs) == 0 || len(ir.Outputs) == 0 {
		return fmt.Errorf("compute kernel has no ports")
	}
	n := ir.NumTiles
	if ir.UseArgCount {
		v, err := argVal(args, ir.ArgNumTiles)
		if err != nil {
			return err
		}
		n = v
	}

	for i := uint32(0); i < n; i++ {
		groups := make([][][]byte, len(ir.Inputs))
		for idx, in := range ir.Inputs {
			ch, ok := chans[in.CB]
			if !ok {
				return fmt.Errorf("circular buffer %d not registered", in.CB)
			}
			group := make([][]byte, in.TilesPerIter)
			for j := range group {
				t, err := recv(ch, done)
				if err != nil {
					return err
				}
				group[j] = t
			}
			groups[idx] = group
		}

		if ir.Passthrough {
			for oi, out := range ir.Outputs {
				ch, ok := chans[out.CB]
				if !ok {
					return fmt.Errorf("circular buffer %d not registered", out.CB)
				}
				if err := send(ch, groups[oi][0], done); err != nil {
					return err
				}
			}
			continue
		}

		views := make([][]float32, len(ir.Inputs))
		for idx, in := range ir.Inputs {
			views[idx] = tilesToFloats(groups[idx], cfgs[in.CB].format)
		}
		for _, stmt := range ir.Stmts {
			vals, err := evalStmt(ir, stmt, views)
			if err != nil {
				return err
			}
			out, ok := computeOutput(ir, stmt.Out)
			if !ok {
				return fmt.Errorf("statement writes unknown output %q", stmt.Out)
			}
			ch, chOK := chans[out.CB]
			if !chOK {
				return fmt.Errorf("circular buffer %d not registered", out.CB)
			}
			if err := send(ch, floatsToTile(vals, cfgs[out.CB].format), done); err != nil {
				return err
			}
		}
	}
	return nil
}

func computeOutput(ir *synth.ComputeIR, port string) (synth.ComputeOutput, bool) {
	for _, out := range ir.Outputs {
		if out.Port == port {
			return out, true
		}
	}
	return synth.ComputeOutput{}, false
}

func (d *Device) runWriter(ir *synth.WriterIR, args []uint32, chans map[uint32]chan []byte, done <-chan struct{}) error {
	if len(ir.Outputs) == 0 {
		return fmt.Errorf("writer has no outputs")
	}
	iters, err := argVal(args, ir.Outputs[0].ArgTileCount)
	if err != nil {
		return err
	}

	for it := uint32(0); it < iters; it++ {
		for i := range ir.Outputs {
			out := &ir.Outputs[i]
			ch, ok := chans[out.CB]
			if !ok {
				return fmt.Errorf("circular buffer %d not registered", out.CB)
			}
			t, err := recv(ch, done)
			if err != nil {
				return err
			}
			addr, err := argVal(args, out.ArgDstAddr)
			if err != nil {
				return err
			}
			start, err := argVal(args, out.ArgTileStart)
			if err != nil {
				return err
			}
			reg, off, err := d.resolve(addr)
			if err != nil {
				return err
			}
			lo := uint64(off) + uint64(start+it)*uint64(out.TileBytes)
			hi := lo + uint64(out.TileBytes)
			if hi > uint64(len(reg.mem)) {
				return fmt.Errorf("output %s: tile %d overruns buffer", out.Port, start+it)
			}
			copy(reg.mem[lo:hi], t)
		}
	}
	return nil
}
