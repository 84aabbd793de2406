package plan

import (
	"fmt"

	"github.com/sbl8/current/device"
)

// ScratchAllocator bump-allocates per-core L1 regions above the device's
// reserved base. Allocations are 32-byte aligned so gathered scalar
// reads never straddle an alignment boundary.
type ScratchAllocator struct {
	base     uint32
	capacity uint32
	offset   map[device.Coord]uint32
}

// NewScratchAllocator allocates within [base, base+capacity) on every core.
func NewScratchAllocator(base, capacity uint32) *ScratchAllocator {
	return &ScratchAllocator{
		base:     base,
		capacity: capacity,
		offset:   make(map[device.Coord]uint32),
	}
}

// Alloc reserves size bytes on core and returns the L1 address.
func (a *ScratchAllocator) Alloc(core device.Coord, size uint32) (uint32, error) {
	aligned := uint32((uint64(size) + 31) &^ 31)
	off := a.offset[core]
	if off+aligned > a.capacity {
		return 0, fmt.Errorf("core (%d,%d): scratch exhausted: need %d bytes, %d of %d in use",
			core.X, core.Y, aligned, off, a.capacity)
	}
	a.offset[core] = off + aligned
	return a.base + off, nil
}

// Used returns the bytes allocated on core so far.
func (a *ScratchAllocator) Used(core device.Coord) uint32 { return a.offset[core] }
