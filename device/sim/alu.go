package sim

import (
	"fmt"
	"math"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/sbl8/current/expr"
	"github.com/sbl8/current/synth"
	"github.com/sbl8/current/tile"
)

// The compute interpreter works in float32, promoting half-width
// elements on load and demoting on store, the same promote-compute-
// demote pattern the device's math units use for bfloat16 tiles.

func tilesToFloats(tiles [][]byte, format uint8) []float32 {
	f := tile.Format(format)
	vals := make([]float32, 0, len(tiles)*tile.Size)
	for _, t := range tiles {
		switch f {
		case tile.Float16b:
			for e := 0; e < tile.Size; e++ {
				bits := uint16(t[e*2]) | uint16(t[e*2+1])<<8
				vals = append(vals, hwy.BFloat16ToFloat32(hwy.BFloat16FromBits(bits)))
			}
		case tile.Float16:
			for e := 0; e < tile.Size; e++ {
				bits := uint16(t[e*2]) | uint16(t[e*2+1])<<8
				vals = append(vals, hwy.Float16ToFloat32(hwy.Float16FromBits(bits)))
			}
		case tile.UInt32:
			for e := 0; e < tile.Size; e++ {
				vals = append(vals, float32(getWord(t[e*4:])))
			}
		default: // Float32
			for e := 0; e < tile.Size; e++ {
				vals = append(vals, math.Float32frombits(getWord(t[e*4:])))
			}
		}
	}
	return vals
}

func floatsToTile(vals []float32, format uint8) []byte {
	f := tile.Format(format)
	t := make([]byte, tile.Size*f.ElemBytes())
	switch f {
	case tile.Float16b:
		for e, v := range vals {
			bits := hwy.Float32ToBFloat16(v).Bits()
			t[e*2] = byte(bits)
			t[e*2+1] = byte(bits >> 8)
		}
	case tile.Float16:
		for e, v := range vals {
			bits := hwy.Float32ToFloat16(v).Bits()
			t[e*2] = byte(bits)
			t[e*2+1] = byte(bits >> 8)
		}
	case tile.UInt32:
		for e, v := range vals {
			putWord(t[e*4:], uint32(int64(v)))
		}
	default:
		for e, v := range vals {
			putWord(t[e*4:], math.Float32bits(v))
		}
	}
	return t
}

// evalStmt runs one lowered statement over the iteration's input token
// views and returns the output tile values.
func evalStmt(ir *synth.ComputeIR, stmt expr.Lowered, views [][]float32) ([]float32, error) {
	var regs [expr.MaxRegs][]float32
	for _, ins := range stmt.Instrs {
		switch ins.Op {
		case expr.ALULoad:
			bind, ok := ir.Binding(ins.Port)
			if !ok {
				return nil, fmt.Errorf("identifier %q has no load binding", ins.Port)
			}
			in := ir.Inputs[bind.Input]
			view := views[bind.Input]
			dst := make([]float32, tile.Size)
			k := in.TilesPerIter
			for e := uint32(0); e < tile.Size; e++ {
				dst[e] = view[e*k+bind.Access]
			}
			regs[ins.Dst] = dst
		case expr.ALUConst:
			dst := make([]float32, tile.Size)
			v := float32(ins.Imm)
			for e := range dst {
				dst[e] = v
			}
			regs[ins.Dst] = dst
		case expr.ALUNeg:
			for e, v := range regs[ins.Dst] {
				regs[ins.Dst][e] = -v
			}
		case expr.ALUAdd:
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] += regs[ins.Src][e]
			}
		case expr.ALUSub:
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] -= regs[ins.Src][e]
			}
		case expr.ALUMul:
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] *= regs[ins.Src][e]
			}
		case expr.ALUDiv:
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] /= regs[ins.Src][e]
			}
		case expr.ALUAddImm:
			v := float32(ins.Imm)
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] += v
			}
		case expr.ALUSubImm:
			v := float32(ins.Imm)
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] -= v
			}
		case expr.ALUMulImm:
			v := float32(ins.Imm)
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] *= v
			}
		case expr.ALUDivImm:
			v := float32(ins.Imm)
			for e := range regs[ins.Dst] {
				regs[ins.Dst][e] /= v
			}
		default:
			return nil, fmt.Errorf("unknown ALU op %d", ins.Op)
		}
	}
	res := regs[stmt.Result]
	if res == nil {
		return nil, fmt.Errorf("statement result register %d never written", stmt.Result)
	}
	return res, nil
}
