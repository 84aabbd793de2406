package synth

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"

	"github.com/sbl8/current/expr"
)

// The IR has a stable little-endian binary form. Hashing it gives a
// cache key the host SDK can use to skip recompiling programs it has
// already seen; identical graphs always serialize identically.

// CacheKey hashes the IR of every core program into a hex digest.
func CacheKey(programs []CoreProgram) string {
	h := sha256.New()
	for _, cp := range programs {
		writeU32(h, cp.Core.X)
		writeU32(h, cp.Core.Y)
		serializeProc(h, &cp.Reader)
		serializeProc(h, &cp.Compute)
		serializeProc(h, &cp.Writer)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func serializeProc(w io.Writer, p *Proc) {
	writeStr(w, p.Name)
	writeU32(w, uint32(len(p.Args)))
	for _, a := range p.Args {
		writeU32(w, uint32(a.Kind))
		writeU32(w, uint32(a.Buf))
		writeU32(w, uint32(a.Stream))
		writeU32(w, a.Val)
	}
	switch ir := p.IR.(type) {
	case *ReaderIR:
		writeU32(w, 1)
		writeU32(w, uint32(len(ir.Inputs)))
		for _, in := range ir.Inputs {
			writeStr(w, in.Port)
			writeU32(w, uint32(in.Kind))
			writeU32(w, in.DataCB)
			writeU32(w, in.IndexCB)
			writeU32(w, in.TileBytes)
			writeU32(w, in.ElemBytes)
			writeU32(w, in.TilesPerIter)
		}
	case *ComputeIR:
		writeU32(w, 2)
		writeU32(w, uint32(len(ir.Inputs)))
		for _, in := range ir.Inputs {
			writeStr(w, in.Port)
			writeU32(w, in.CB)
			writeU32(w, in.TilesPerIter)
		}
		writeU32(w, uint32(len(ir.Outputs)))
		for _, out := range ir.Outputs {
			writeStr(w, out.Port)
			writeU32(w, out.CB)
		}
		if ir.Passthrough {
			writeU32(w, 1)
		} else {
			writeU32(w, 0)
		}
		writeU32(w, ir.NumTiles)
		for _, stmt := range ir.Stmts {
			writeStr(w, stmt.Out)
			writeU32(w, uint32(len(stmt.Instrs)))
			for _, ins := range stmt.Instrs {
				serializeInstr(w, ins)
			}
		}
		for _, bind := range ir.Bindings {
			writeStr(w, bind.Name)
			writeU32(w, uint32(bind.Input))
			writeU32(w, bind.Access)
		}
	case *WriterIR:
		writeU32(w, 3)
		writeU32(w, uint32(len(ir.Outputs)))
		for _, out := range ir.Outputs {
			writeStr(w, out.Port)
			writeU32(w, out.CB)
			writeU32(w, out.TileBytes)
		}
	}
}

func serializeInstr(w io.Writer, ins expr.Instr) {
	writeU32(w, uint32(ins.Op))
	writeU32(w, uint32(ins.Dst))
	writeU32(w, uint32(ins.Src))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(ins.Imm))
	w.Write(buf[:])
	writeStr(w, ins.Port)
}

func writeU32(w io.Writer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func writeStr(w io.Writer, s string) {
	writeU32(w, uint32(len(s)))
	io.WriteString(w, s)
}
