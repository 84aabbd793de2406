package tile

import "testing"

func TestElemBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		format Format
		want   uint32
	}{
		{name: "bfloat16", format: Float16b, want: 2},
		{name: "float16", format: Float16, want: 2},
		{name: "float32", format: Float32, want: 4},
		{name: "uint32", format: UInt32, want: 4},
		{name: "invalid", format: FormatInvalid, want: 0},
		{name: "out of range", format: Format(200), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.ElemBytes(); got != tt.want {
				t.Errorf("ElemBytes() = %d, want %d", got, tt.want)
			}
			if valid := tt.format.Valid(); valid != (tt.want != 0) {
				t.Errorf("Valid() = %v for %s", valid, tt.format)
			}
		})
	}
}

func TestBytes(t *testing.T) {
	t.Parallel()
	if got := Bytes(Float16b); got != 2048 {
		t.Errorf("Bytes(Float16b) = %d, want 2048", got)
	}
	if got := Bytes(UInt32); got != 4096 {
		t.Errorf("Bytes(UInt32) = %d, want 4096", got)
	}
}

func TestCeilTiles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		elems uint32
		want  uint32
	}{
		{elems: 0, want: 0},
		{elems: 1, want: 1},
		{elems: Size, want: 1},
		{elems: Size + 1, want: 2},
		{elems: Size*7 - 1, want: 7},
		{elems: Size * 512, want: 512},
	}

	for _, tt := range tests {
		if got := CeilTiles(tt.elems); got != tt.want {
			t.Errorf("CeilTiles(%d) = %d, want %d", tt.elems, got, tt.want)
		}
	}
}

func TestAlign32(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    uint64
		want uint64
	}{
		{0, 0},
		{1, 32},
		{31, 32},
		{32, 32},
		{33, 64},
	}
	for _, tt := range tests {
		if got := Align32(tt.n); got != tt.want {
			t.Errorf("Align32(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	if got := AlignUp(5, 4); got != 8 {
		t.Errorf("AlignUp(5, 4) = %d, want 8", got)
	}
	if got := AlignUp(4096, 2048); got != 4096 {
		t.Errorf("AlignUp(4096, 2048) = %d, want 4096", got)
	}
}
