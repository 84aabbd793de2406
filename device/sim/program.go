package sim

import (
	"fmt"
	"sync"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/synth"
)

type cbConfig struct {
	pageSize uint32
	numPages uint32
	format   uint8
}

type kernel struct {
	core   device.Coord
	cfg    device.KernelConfig
	source string
	ir     any
	args   []uint32
}

// program collects circular buffers, kernels, and runtime args for one
// dispatch, mirroring the host SDK's Program object.
type program struct {
	dev     *Device
	mu      sync.Mutex
	cbs     map[device.Coord]map[uint32]cbConfig
	kernels []*kernel
}

func newProgram(d *Device) *program {
	return &program{
		dev: d,
		cbs: make(map[device.Coord]map[uint32]cbConfig),
	}
}

func (p *program) CreateCircularBuffer(core device.Coord, cfg device.CBConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.NumPages < 2 {
		return fmt.Errorf("sim: circular buffer %d on core (%d,%d) has %d pages, need at least 2",
			cfg.ID, core.X, core.Y, cfg.NumPages)
	}
	byID, ok := p.cbs[core]
	if !ok {
		byID = make(map[uint32]cbConfig)
		p.cbs[core] = byID
	}
	if _, dup := byID[cfg.ID]; dup {
		return fmt.Errorf("sim: circular buffer id %d registered twice on core (%d,%d)", cfg.ID, core.X, core.Y)
	}
	byID[cfg.ID] = cbConfig{pageSize: cfg.PageSize, numPages: cfg.NumPages, format: cfg.Format}
	return nil
}

func (p *program) CreateKernel(core device.Coord, source string, ir any, cfg device.KernelConfig) (device.KernelHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ir.(type) {
	case *synth.ReaderIR, *synth.ComputeIR, *synth.WriterIR, nil:
	default:
		return 0, fmt.Errorf("sim: unknown kernel IR type %T", ir)
	}
	for _, k := range p.kernels {
		if k.core == core && k.cfg.Processor == cfg.Processor {
			return 0, fmt.Errorf("sim: processor %s on core (%d,%d) already has a kernel",
				cfg.Processor, core.X, core.Y)
		}
	}
	p.kernels = append(p.kernels, &kernel{core: core, cfg: cfg, source: source, ir: ir})
	return device.KernelHandle(len(p.kernels) - 1), nil
}

func (p *program) SetRuntimeArgs(k device.KernelHandle, core device.Coord, args []uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(k) >= len(p.kernels) {
		return fmt.Errorf("sim: unknown kernel handle %d", k)
	}
	kn := p.kernels[k]
	if kn.core != core {
		return fmt.Errorf("sim: kernel %d registered on core (%d,%d), args set for (%d,%d)",
			k, kn.core.X, kn.core.Y, core.X, core.Y)
	}
	kn.args = append([]uint32(nil), args...)
	return nil
}
