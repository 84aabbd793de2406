// Package sim is an in-memory implementation of the device seam.
//
// It models the accelerator functionally, not cycle-accurately: DRAM is
// a flat byte arena, each core's three processors are goroutines, and
// circular buffers are bounded channels carrying whole tiles, which
// reproduces the single-producer single-consumer credit semantics of the
// hardware. Kernels registered with their structured IR are interpreted
// directly; the rendered source text is carried but not compiled.
//
// The simulator exists to check the semantic correctness of synthesized
// programs in isolation from real silicon, and is what the test suite
// and the command-line tools execute against.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/tile"
)

// Defaults mirror a mid-size part: an 8x8 compute mesh with 1 MiB of
// usable L1 per core above the reserved region.
const (
	defaultGridX          = 8
	defaultGridY          = 8
	defaultScratchBase    = 0x10000
	defaultScratchPerCore = 1 << 20
)

// Stats counts simulator activity that tests assert on.
type Stats struct {
	// DRAMGatherReads is the number of scalar gather fetches served from
	// DRAM-resident data buffers.
	DRAMGatherReads uint64
	// ScratchGatherReads is the number served from core-local L1.
	ScratchGatherReads uint64
	// ProgramsRun counts completed program dispatches.
	ProgramsRun uint64
}

// Device is an open simulated accelerator.
type Device struct {
	mu      sync.Mutex
	closed  bool
	grid    device.Coord
	nextVA  uint32
	regions []*region
	scratch map[device.Coord][]byte
	queue   *queue

	dramGatherReads    atomic.Uint64
	scratchGatherReads atomic.Uint64
	programsRun        atomic.Uint64
}

type region struct {
	base uint32
	mem  []byte
	noc  device.Coord
	page uint32
}

// Open creates a simulated device. The index is accepted for interface
// parity with the hardware SDK; every index opens a fresh device.
func Open(index int) (*Device, error) {
	if index < 0 {
		return nil, fmt.Errorf("sim: invalid device index %d", index)
	}
	d := &Device{
		grid:    device.Coord{X: defaultGridX, Y: defaultGridY},
		nextVA:  0x1000,
		scratch: make(map[device.Coord][]byte),
	}
	d.queue = &queue{dev: d}
	return d, nil
}

// Stats returns a snapshot of the activity counters.
func (d *Device) Stats() Stats {
	return Stats{
		DRAMGatherReads:    d.dramGatherReads.Load(),
		ScratchGatherReads: d.scratchGatherReads.Load(),
		ProgramsRun:        d.programsRun.Load(),
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("sim: device already closed")
	}
	d.closed = true
	return nil
}

func (d *Device) ComputeGrid() device.Coord { return d.grid }

func (d *Device) ScratchCapacityPerCore() uint32 { return defaultScratchPerCore }

func (d *Device) ScratchReservedBase() uint32 { return defaultScratchBase }

func (d *Device) CommandQueue() device.Queue { return d.queue }

func (d *Device) CreateProgram() device.Program { return newProgram(d) }

// CreateBuffer allocates a buffer in the flat DRAM arena. NoC bank
// coordinates are derived from the allocation order, which keeps them
// stable across identical runs.
func (d *Device) CreateBuffer(cfg device.BufferConfig) (device.Buffer, error) {
	if cfg.Size == 0 {
		return nil, fmt.Errorf("sim: zero-size buffer")
	}
	if cfg.PageSize == 0 || cfg.Size%uint64(cfg.PageSize) != 0 {
		return nil, fmt.Errorf("sim: page size %d does not divide buffer size %d", cfg.PageSize, cfg.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("sim: device closed")
	}
	bank := uint32(len(d.regions))
	r := &region{
		base: d.nextVA,
		mem:  make([]byte, cfg.Size),
		noc:  device.Coord{X: 1 + bank%4, Y: bank / 4 % 8},
		page: cfg.PageSize,
	}
	d.regions = append(d.regions, r)
	d.nextVA += uint32(tile.AlignUp(cfg.Size, tile.DRAMAlign))
	return &buffer{dev: d, region: r}, nil
}

// resolve maps a device address to its backing region and offset.
func (d *Device) resolve(addr uint32) (*region, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.regions {
		if addr >= r.base && addr < r.base+uint32(len(r.mem)) {
			return r, addr - r.base, nil
		}
	}
	return nil, 0, fmt.Errorf("sim: address %#x maps to no buffer", addr)
}

func (d *Device) scratchFor(core device.Coord) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.scratch[core]
	if !ok {
		s = make([]byte, defaultScratchPerCore)
		d.scratch[core] = s
	}
	return s
}

// WriteScratch writes words into a core's L1 at addr.
func (d *Device) WriteScratch(core device.Coord, addr uint32, data []uint32) error {
	if core.X >= d.grid.X || core.Y >= d.grid.Y {
		return fmt.Errorf("sim: core (%d,%d) outside grid", core.X, core.Y)
	}
	if addr < defaultScratchBase {
		return fmt.Errorf("sim: scratch write below reserved base: %#x", addr)
	}
	s := d.scratchFor(core)
	off := addr - defaultScratchBase
	if uint64(off)+uint64(len(data))*4 > uint64(len(s)) {
		return fmt.Errorf("sim: scratch write overruns L1 on core (%d,%d)", core.X, core.Y)
	}
	for i, w := range data {
		putWord(s[off+uint32(i)*4:], w)
	}
	return nil
}

// ReadScratch reads byteCount bytes from a core's L1 at addr.
func (d *Device) ReadScratch(core device.Coord, addr uint32, byteCount uint32) ([]uint32, error) {
	if addr < defaultScratchBase {
		return nil, fmt.Errorf("sim: scratch read below reserved base: %#x", addr)
	}
	s := d.scratchFor(core)
	off := addr - defaultScratchBase
	if uint64(off)+uint64(byteCount) > uint64(len(s)) {
		return nil, fmt.Errorf("sim: scratch read overruns L1 on core (%d,%d)", core.X, core.Y)
	}
	words := make([]uint32, (byteCount+3)/4)
	for i := range words {
		words[i] = getWord(s[off+uint32(i)*4:])
	}
	return words, nil
}

type buffer struct {
	dev    *Device
	region *region
}

func (b *buffer) Address() uint32         { return b.region.base }
func (b *buffer) NocCoords() device.Coord { return b.region.noc }
func (b *buffer) Size() uint64            { return uint64(len(b.region.mem)) }

type queue struct {
	dev     *Device
	mu      sync.Mutex
	pending sync.WaitGroup
	err     error
}

func (q *queue) EnqueueWriteBuffer(b device.Buffer, data []uint32, blocking bool) error {
	sb, ok := b.(*buffer)
	if !ok {
		return fmt.Errorf("sim: foreign buffer handle")
	}
	if uint64(len(data))*4 > uint64(len(sb.region.mem)) {
		return fmt.Errorf("sim: write of %d words overruns %d-byte buffer", len(data), len(sb.region.mem))
	}
	for i, w := range data {
		putWord(sb.region.mem[i*4:], w)
	}
	return nil
}

func (q *queue) EnqueueReadBuffer(b device.Buffer, blocking bool) ([]uint32, error) {
	sb, ok := b.(*buffer)
	if !ok {
		return nil, fmt.Errorf("sim: foreign buffer handle")
	}
	words := make([]uint32, len(sb.region.mem)/4)
	for i := range words {
		words[i] = getWord(sb.region.mem[i*4:])
	}
	return words, nil
}

func (q *queue) EnqueueProgram(p device.Program, blocking bool) error {
	sp, ok := p.(*program)
	if !ok {
		return fmt.Errorf("sim: foreign program handle")
	}
	if blocking {
		return sp.run()
	}
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		if err := sp.run(); err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		}
	}()
	return nil
}

func (q *queue) Finish() error {
	q.pending.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

func putWord(b []byte, w uint32) {
	b[0] = byte(w)
	b[1] = byte(w >> 8)
	b[2] = byte(w >> 16)
	b[3] = byte(w >> 24)
}

func getWord(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
