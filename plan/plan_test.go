package plan

import (
	"testing"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/tile"
)

func TestSplitWork(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		total uint32
		maxP  uint32
		want  []WorkSlice
	}{
		{
			name:  "even split",
			total: 8,
			maxP:  4,
			want: []WorkSlice{
				{TileStart: 0, TileCount: 2},
				{TileStart: 2, TileCount: 2},
				{TileStart: 4, TileCount: 2},
				{TileStart: 6, TileCount: 2},
			},
		},
		{
			name:  "remainder lands early, last slice smallest",
			total: 10,
			maxP:  4,
			want: []WorkSlice{
				{TileStart: 0, TileCount: 3},
				{TileStart: 3, TileCount: 3},
				{TileStart: 6, TileCount: 2},
				{TileStart: 8, TileCount: 2},
			},
		},
		{
			name:  "odd parallelization factor",
			total: 7,
			maxP:  3,
			want: []WorkSlice{
				{TileStart: 0, TileCount: 3},
				{TileStart: 3, TileCount: 2},
				{TileStart: 5, TileCount: 2},
			},
		},
		{
			name:  "clamp to tile count",
			total: 3,
			maxP:  8,
			want: []WorkSlice{
				{TileStart: 0, TileCount: 1},
				{TileStart: 1, TileCount: 1},
				{TileStart: 2, TileCount: 1},
			},
		},
		{
			name:  "single tile",
			total: 1,
			maxP:  4,
			want:  []WorkSlice{{TileStart: 0, TileCount: 1}},
		},
		{
			name:  "serial",
			total: 5,
			maxP:  1,
			want:  []WorkSlice{{TileStart: 0, TileCount: 5}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitWork(tt.total, tt.maxP)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("slice[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
			if TotalTiles(got) != tt.total {
				t.Errorf("conservation violated: sum = %d, want %d", TotalTiles(got), tt.total)
			}
			for _, s := range got {
				if s.TileCount == 0 {
					t.Error("zero-tile slice emitted")
				}
			}
		})
	}
}

func TestSplitWorkLarge(t *testing.T) {
	t.Parallel()
	// Tile counts beyond 2^16 must split cleanly.
	const total = 1 << 20
	slices := SplitWork(total, 7)
	if TotalTiles(slices) != total {
		t.Fatalf("conservation violated at %d tiles", total)
	}
	if len(slices) != 7 {
		t.Fatalf("len = %d, want 7", len(slices))
	}
}

func TestScale(t *testing.T) {
	t.Parallel()
	s := Scale(WorkSlice{TileStart: 2, TileCount: 3}, 4, 20)
	if s != (WorkSlice{TileStart: 8, TileCount: 12}) {
		t.Errorf("Scale = %+v", s)
	}
	// Clamped to the input tile count when the scaled range overruns.
	s = Scale(WorkSlice{TileStart: 2, TileCount: 3}, 4, 18)
	if s != (WorkSlice{TileStart: 8, TileCount: 10}) {
		t.Errorf("Scale clamped = %+v", s)
	}
}

func TestCoreAllocatorRowMajor(t *testing.T) {
	t.Parallel()
	a := NewCoreAllocator(device.Coord{X: 4, Y: 2})
	cores, err := a.Take(5)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	want := []device.Coord{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}, {X: 3, Y: 0}, {X: 0, Y: 1}}
	for i := range want {
		if cores[i] != want[i] {
			t.Errorf("cores[%d] = %+v, want %+v", i, cores[i], want[i])
		}
	}

	if _, err := a.Take(4); err == nil {
		t.Error("Take() past grid capacity: error = nil, want exhaustion")
	}
}

func TestCBAllocatorSpaces(t *testing.T) {
	t.Parallel()
	a := NewCBAllocator()
	core := device.Coord{X: 0, Y: 0}

	in0, _ := a.TakeInput(core)
	in1, _ := a.TakeInput(core)
	out0, _ := a.TakeOutput(core)
	if in0 != 0 || in1 != 1 {
		t.Errorf("input ids = %d, %d, want 0, 1", in0, in1)
	}
	if out0 != 16 {
		t.Errorf("output id = %d, want 16", out0)
	}

	// Separate cores draw from separate id spaces.
	other := device.Coord{X: 1, Y: 0}
	if id, _ := a.TakeInput(other); id != 0 {
		t.Errorf("fresh core input id = %d, want 0", id)
	}

	// Exhaustion after 16 ids per space.
	for i := 2; i < 16; i++ {
		if _, err := a.TakeInput(core); err != nil {
			t.Fatalf("TakeInput #%d error = %v", i, err)
		}
	}
	if _, err := a.TakeInput(core); err == nil {
		t.Error("TakeInput past capacity: error = nil, want exhaustion")
	}
}

func TestScratchAllocator(t *testing.T) {
	t.Parallel()
	a := NewScratchAllocator(0x1000, 256)
	core := device.Coord{X: 0, Y: 0}

	addr, err := a.Alloc(core, 40)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if addr != 0x1000 {
		t.Errorf("first addr = %#x, want 0x1000", addr)
	}

	// 40 rounds up to 64; the next region starts there.
	addr, err = a.Alloc(core, 32)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if addr != 0x1040 {
		t.Errorf("second addr = %#x, want 0x1040", addr)
	}

	if _, err := a.Alloc(core, 1024); err == nil {
		t.Error("Alloc past capacity: error = nil, want exhaustion")
	}
}

func TestBufferSizes(t *testing.T) {
	t.Parallel()
	if got := StreamBufferSize(3, 0); got != 0 {
		t.Errorf("invalid format size = %d, want 0", got)
	}
	if got := GatherDataBufferSize(1000, tile.Float16b); got != 32768 {
		t.Errorf("GatherDataBufferSize(1000, Float16_b) = %d, want 32768", got)
	}
	if got := IndexBufferSize(1025); got != 2*4096 {
		t.Errorf("IndexBufferSize(1025) = %d, want 8192", got)
	}
}
