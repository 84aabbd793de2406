// Package runtime drives a compiled Current plan on a device.
//
// The orchestrator owns the execute-time half of the pipeline: it
// materializes planned DRAM buffers, uploads host data as given
// (DRAM-tier gather data arrives already expanded into aligned element
// slots), broadcasts
// scratch-tier gather data into each consuming core's L1, registers
// circular buffers and the three per-core kernels, resolves symbolic
// runtime arguments against the materialized buffer addresses, enqueues
// the program, and waits for completion. Readback of sink buffers goes
// through the same queue with blocking reads.
package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/plan"
	"github.com/sbl8/current/synth"
)

// Upload is host data destined for one planned DRAM buffer.
type Upload struct {
	Ref   plan.BufferRef
	Words []uint32
}

// ScratchUpload is host data destined for one core's L1 region.
type ScratchUpload struct {
	Core  device.Coord
	Addr  uint32
	Words []uint32
}

// Plan is everything the orchestrator needs for one dispatch.
type Plan struct {
	Buffers        []plan.DramSpec
	Scratch        []plan.ScratchSpec
	CBs            []plan.CBSpec
	Programs       []synth.CoreProgram
	Uploads        []Upload
	ScratchUploads []ScratchUpload
}

// Options configures an Orchestrator.
type Options struct {
	Logger *zap.Logger
}

// Orchestrator executes plans against one open device.
type Orchestrator struct {
	dev   device.Device
	queue device.Queue
	log   *zap.Logger
}

// New wraps an open device. A nil logger disables logging.
func New(dev device.Device, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{dev: dev, queue: dev.CommandQueue(), log: log}
}

// Execute runs one plan to completion and returns the materialized
// buffers keyed by ref so the caller can read sinks back. Passing the
// buffer map of a previous run reuses those allocations, so repeated
// executions overwrite sinks instead of leaking device memory.
func (o *Orchestrator) Execute(ctx context.Context, p *Plan, existing map[plan.BufferRef]device.Buffer) (map[plan.BufferRef]device.Buffer, error) {
	bufs := existing
	if bufs == nil {
		var err error
		if bufs, err = o.materialize(p); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return bufs, err
	}
	if err := o.upload(p, bufs); err != nil {
		return bufs, err
	}
	if err := ctx.Err(); err != nil {
		return bufs, err
	}
	if err := o.launch(p, bufs); err != nil {
		return bufs, err
	}
	o.log.Info("program finished",
		zap.Int("cores", len(p.Programs)),
		zap.Int("buffers", len(bufs)))
	return bufs, nil
}

func (o *Orchestrator) materialize(p *Plan) (map[plan.BufferRef]device.Buffer, error) {
	bufs := make(map[plan.BufferRef]device.Buffer, len(p.Buffers))
	for _, spec := range p.Buffers {
		b, err := o.dev.CreateBuffer(device.BufferConfig{
			Size:     spec.Size,
			PageSize: spec.PageSize,
			Type:     device.BufferDRAM,
		})
		if err != nil {
			return nil, fmt.Errorf("allocating %s buffer of %d bytes: %w", spec.Role, spec.Size, err)
		}
		bufs[spec.Ref] = b
		o.log.Debug("allocated dram buffer",
			zap.String("role", spec.Role.String()),
			zap.Uint64("size", spec.Size),
			zap.Uint32("address", b.Address()))
	}
	return bufs, nil
}

func (o *Orchestrator) upload(p *Plan, bufs map[plan.BufferRef]device.Buffer) error {
	for _, up := range p.Uploads {
		b, ok := bufs[up.Ref]
		if !ok {
			return fmt.Errorf("upload targets unplanned buffer %d", up.Ref)
		}
		if err := o.queue.EnqueueWriteBuffer(b, up.Words, true); err != nil {
			return fmt.Errorf("uploading buffer %d: %w", up.Ref, err)
		}
	}
	for _, up := range p.ScratchUploads {
		if err := o.dev.WriteScratch(up.Core, up.Addr, up.Words); err != nil {
			return fmt.Errorf("uploading scratch on core (%d,%d): %w", up.Core.X, up.Core.Y, err)
		}
	}
	return nil
}

func (o *Orchestrator) launch(p *Plan, bufs map[plan.BufferRef]device.Buffer) error {
	prog := o.dev.CreateProgram()

	for _, cb := range p.CBs {
		err := prog.CreateCircularBuffer(cb.Core, device.CBConfig{
			ID:       cb.ID,
			PageSize: cb.PageBytes,
			NumPages: cb.Tiles,
			Format:   uint8(cb.Format),
		})
		if err != nil {
			return fmt.Errorf("registering circular buffer %d on core (%d,%d): %w", cb.ID, cb.Core.X, cb.Core.Y, err)
		}
	}

	scratchAddr := make(map[scratchKey]uint32, len(p.Scratch))
	for _, s := range p.Scratch {
		scratchAddr[scratchKey{core: s.Core, stream: s.Stream}] = s.Addr
	}

	for _, cp := range p.Programs {
		if err := o.registerProc(prog, cp.Core, &cp.Reader, device.ProcDataMovement0, device.Noc0, bufs, scratchAddr); err != nil {
			return err
		}
		if err := o.registerProc(prog, cp.Core, &cp.Compute, device.ProcCompute, device.Noc0, bufs, scratchAddr); err != nil {
			return err
		}
		if err := o.registerProc(prog, cp.Core, &cp.Writer, device.ProcDataMovement1, device.Noc1, bufs, scratchAddr); err != nil {
			return err
		}
	}

	if err := o.queue.EnqueueProgram(prog, false); err != nil {
		return fmt.Errorf("enqueueing program: %w", err)
	}
	return o.queue.Finish()
}

type scratchKey struct {
	core   device.Coord
	stream int
}

func (o *Orchestrator) registerProc(prog device.Program, core device.Coord, proc *synth.Proc, pr device.Processor, noc device.NocID, bufs map[plan.BufferRef]device.Buffer, scratchAddr map[scratchKey]uint32) error {
	h, err := prog.CreateKernel(core, proc.Source, proc.IR, device.KernelConfig{Processor: pr, Noc: noc})
	if err != nil {
		return fmt.Errorf("registering %s kernel on core (%d,%d): %w", proc.Name, core.X, core.Y, err)
	}
	args, err := resolveArgs(core, proc.Args, bufs, scratchAddr)
	if err != nil {
		return fmt.Errorf("%s kernel on core (%d,%d): %w", proc.Name, core.X, core.Y, err)
	}
	if err := prog.SetRuntimeArgs(h, core, args); err != nil {
		return fmt.Errorf("setting args for %s kernel on core (%d,%d): %w", proc.Name, core.X, core.Y, err)
	}
	return nil
}

// resolveArgs turns symbolic argument slots into the uint32 vector the
// device reads through get_arg_val.
func resolveArgs(core device.Coord, syms []synth.ArgSym, bufs map[plan.BufferRef]device.Buffer, scratchAddr map[scratchKey]uint32) ([]uint32, error) {
	args := make([]uint32, len(syms))
	for i, s := range syms {
		switch s.Kind {
		case synth.ArgLiteral:
			args[i] = s.Val
		case synth.ArgBufAddr, synth.ArgBufNocX, synth.ArgBufNocY:
			b, ok := bufs[s.Buf]
			if !ok {
				return nil, fmt.Errorf("arg %d references unplanned buffer %d", i, s.Buf)
			}
			switch s.Kind {
			case synth.ArgBufAddr:
				args[i] = b.Address()
			case synth.ArgBufNocX:
				args[i] = b.NocCoords().X
			default:
				args[i] = b.NocCoords().Y
			}
		case synth.ArgScratchBase:
			addr, ok := scratchAddr[scratchKey{core: core, stream: s.Stream}]
			if !ok {
				return nil, fmt.Errorf("arg %d references missing scratch region for stream %d", i, s.Stream)
			}
			args[i] = addr
		default:
			return nil, fmt.Errorf("arg %d has unknown kind %d", i, s.Kind)
		}
	}
	return args, nil
}

// ReadBuffer blocking-reads a materialized buffer back into host words.
func (o *Orchestrator) ReadBuffer(b device.Buffer) ([]uint32, error) {
	return o.queue.EnqueueReadBuffer(b, true)
}

// ReadScratch reads a core's L1 region back into host words.
func (o *Orchestrator) ReadScratch(core device.Coord, addr, byteCount uint32) ([]uint32, error) {
	return o.dev.ReadScratch(core, addr, byteCount)
}
