package tile

import (
	"math"

	"github.com/ajroetker/go-highway/hwy"
)

// Host buffers travel to and from the device as packed little-endian
// uint32 words, two half-width elements per word with the even element
// in the low half. These helpers convert between packed words and
// float32 slices for each supported format.

// PackBFloat16 packs vals into uint32 words, two bfloat16 per word.
// An odd trailing element occupies the low half of the final word.
func PackBFloat16(vals []float32) []uint32 {
	words := make([]uint32, (len(vals)+1)/2)
	for i, v := range vals {
		bits := uint32(hwy.Float32ToBFloat16(v).Bits())
		if i%2 == 0 {
			words[i/2] |= bits
		} else {
			words[i/2] |= bits << 16
		}
	}
	return words
}

// UnpackBFloat16 expands packed words into float32 values, two per word.
func UnpackBFloat16(words []uint32) []float32 {
	vals := make([]float32, len(words)*2)
	for i, w := range words {
		vals[i*2] = hwy.BFloat16ToFloat32(hwy.BFloat16FromBits(uint16(w)))
		vals[i*2+1] = hwy.BFloat16ToFloat32(hwy.BFloat16FromBits(uint16(w >> 16)))
	}
	return vals
}

// PackFloat16 packs vals into uint32 words, two IEEE halves per word.
func PackFloat16(vals []float32) []uint32 {
	words := make([]uint32, (len(vals)+1)/2)
	for i, v := range vals {
		bits := uint32(hwy.Float32ToFloat16(v).Bits())
		if i%2 == 0 {
			words[i/2] |= bits
		} else {
			words[i/2] |= bits << 16
		}
	}
	return words
}

// UnpackFloat16 expands packed words into float32 values, two per word.
func UnpackFloat16(words []uint32) []float32 {
	vals := make([]float32, len(words)*2)
	for i, w := range words {
		vals[i*2] = hwy.Float16ToFloat32(hwy.Float16FromBits(uint16(w)))
		vals[i*2+1] = hwy.Float16ToFloat32(hwy.Float16FromBits(uint16(w >> 16)))
	}
	return vals
}

// PackFloat32 stores each value's bit pattern in its own word.
func PackFloat32(vals []float32) []uint32 {
	words := make([]uint32, len(vals))
	for i, v := range vals {
		words[i] = math.Float32bits(v)
	}
	return words
}

// UnpackFloat32 reinterprets each word as a float32.
func UnpackFloat32(words []uint32) []float32 {
	vals := make([]float32, len(words))
	for i, w := range words {
		vals[i] = math.Float32frombits(w)
	}
	return vals
}

// WordsForElems returns the host-word count covering n elements of f.
func WordsForElems(n uint32, f Format) uint32 {
	bytes := uint64(n) * uint64(f.ElemBytes())
	return uint32((bytes + 3) / 4)
}

// IsClose reports whether a and b agree within bfloat16-scale tolerance,
// matching the comparison used by the device test harness.
func IsClose(a, b float32) bool {
	return IsCloseTol(a, b, 0.06, 0.02)
}

// IsCloseTol compares with explicit relative and absolute tolerances.
func IsCloseTol(a, b float32, rtol, atol float64) bool {
	fa, fb := float64(a), float64(b)
	diff := math.Abs(fa - fb)
	return diff <= atol+rtol*math.Abs(fb)
}
