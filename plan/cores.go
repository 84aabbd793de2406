package plan

import (
	"fmt"

	"github.com/sbl8/current/device"
)

// CoreAllocator hands out compute cores in row-major order from (0,0).
// Each kernel takes a disjoint set, so no core ever hosts two compute
// kernels.
type CoreAllocator struct {
	grid device.Coord
	next uint32
}

// NewCoreAllocator allocates over a grid of the given width and height.
func NewCoreAllocator(grid device.Coord) *CoreAllocator {
	return &CoreAllocator{grid: grid}
}

// Take reserves n cores and returns their coordinates.
func (a *CoreAllocator) Take(n uint32) ([]device.Coord, error) {
	total := a.grid.X * a.grid.Y
	if a.next+n > total {
		return nil, fmt.Errorf("core grid exhausted: need %d more cores, %d of %d in use", n, a.next, total)
	}
	cores := make([]device.Coord, n)
	for i := range cores {
		idx := a.next + uint32(i)
		cores[i] = device.Coord{X: idx % a.grid.X, Y: idx / a.grid.X}
	}
	a.next += n
	return cores, nil
}

// InUse returns the number of cores handed out so far.
func (a *CoreAllocator) InUse() uint32 { return a.next }
