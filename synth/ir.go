// Package synth turns planned per-core work into device kernel programs.
//
// Each core gets three programs, one per processor: a reader that moves
// input tiles from DRAM or scratch into circular buffers, a compute
// program that runs the lowered expression arithmetic, and a writer that
// moves output tiles back to DRAM. Programs are built as a structured
// intermediate representation first; the IR is rendered to deterministic
// source text for the host SDK and carried alongside so the functional
// simulator can execute it directly. Hashing the IR yields a stable
// cache key for compiled program reuse.
package synth

import (
	"github.com/sbl8/current/device"
	"github.com/sbl8/current/expr"
	"github.com/sbl8/current/plan"
)

// ArgKind classifies one runtime-argument slot.
type ArgKind uint8

const (
	// ArgLiteral is a value known at plan time (tile starts and tile
	// counts).
	ArgLiteral ArgKind = iota
	// ArgBufAddr resolves to a DRAM buffer's device address.
	ArgBufAddr
	// ArgBufNocX and ArgBufNocY resolve to the buffer's NoC coordinates.
	ArgBufNocX
	ArgBufNocY
	// ArgScratchBase resolves to the core-local L1 address of a
	// scratch-tier gather data region.
	ArgScratchBase
)

// ArgSym is one symbolic runtime argument. The orchestrator resolves
// symbols to uint32 values once device buffers exist.
type ArgSym struct {
	Kind   ArgKind
	Buf    plan.BufferRef // ArgBufAddr / ArgBufNocX / ArgBufNocY
	Stream int            // ArgScratchBase: stream table index
	Val    uint32         // ArgLiteral
}

// ArgList accumulates a kernel's runtime argument vector and hands back
// slot indices for the text emitter.
type ArgList struct {
	syms []ArgSym
}

func (l *ArgList) add(s ArgSym) int {
	l.syms = append(l.syms, s)
	return len(l.syms) - 1
}

// Literal appends a plan-time constant slot.
func (l *ArgList) Literal(v uint32) int { return l.add(ArgSym{Kind: ArgLiteral, Val: v}) }

// BufAddr appends a buffer-address slot.
func (l *ArgList) BufAddr(ref plan.BufferRef) int { return l.add(ArgSym{Kind: ArgBufAddr, Buf: ref}) }

// BufNoc appends the buffer's NoC x and y slots and returns both indices.
func (l *ArgList) BufNoc(ref plan.BufferRef) (int, int) {
	x := l.add(ArgSym{Kind: ArgBufNocX, Buf: ref})
	y := l.add(ArgSym{Kind: ArgBufNocY, Buf: ref})
	return x, y
}

// ScratchBase appends a per-core scratch address slot for a stream.
func (l *ArgList) ScratchBase(stream int) int {
	return l.add(ArgSym{Kind: ArgScratchBase, Stream: stream})
}

// Syms returns the accumulated argument vector.
func (l *ArgList) Syms() []ArgSym { return l.syms }

// InputKind selects the reader template for one input edge.
type InputKind uint8

const (
	InputStream InputKind = iota
	InputGatherDRAM
	InputGatherScratch
)

// ReaderInput is one input edge of a core's reader program, in port
// order.
type ReaderInput struct {
	Port         string
	Kind         InputKind
	DataCB       uint32
	IndexCB      uint32 // gather staging buffer; unused otherwise
	TileBytes    uint32
	ElemBytes    uint32
	TilesPerIter uint32 // accesses-per-token compression factor, 1 otherwise

	// Runtime-argument slots.
	ArgDataAddr    int
	ArgDataNocX    int
	ArgDataNocY    int
	ArgIndexAddr   int // gather only, -1 otherwise
	ArgIndexNocX   int
	ArgIndexNocY   int
	ArgScratchAddr int // scratch gather only, -1 otherwise
	ArgTileStart   int
	ArgTileCount   int
}

// ReaderIR is the reader program of one core. Inputs are transferred
// round-robin one iteration at a time so no circular buffer has to hold
// more than its credit while siblings catch up.
type ReaderIR struct {
	Inputs []ReaderInput
}

// LoadBinding resolves a compute identifier to an input and, for
// multi-access gather inputs, the access slot within each token.
type LoadBinding struct {
	Name   string
	Input  int
	Access uint32
}

// ComputeInput is one input circular buffer of a compute program.
type ComputeInput struct {
	Port         string
	CB           uint32
	TilesPerIter uint32
}

// ComputeOutput is one output circular buffer of a compute program.
type ComputeOutput struct {
	Port string
	CB   uint32
}

// ComputeIR is the compute program of one core.
type ComputeIR struct {
	Inputs      []ComputeInput
	Outputs     []ComputeOutput
	Passthrough bool
	Stmts       []expr.Lowered
	Bindings    []LoadBinding // input-port order, or access order for a multi-access gather
	NumTiles    uint32        // baked iteration count
	UseArgCount bool          // read the count from runtime args instead
	ArgNumTiles int
}

// Binding looks up a load binding by identifier.
func (c *ComputeIR) Binding(name string) (LoadBinding, bool) {
	for _, b := range c.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return LoadBinding{}, false
}

// WriterOutput is one output edge of a core's writer program.
type WriterOutput struct {
	Port      string
	CB        uint32
	TileBytes uint32

	ArgDstAddr   int
	ArgDstNocX   int
	ArgDstNocY   int
	ArgTileStart int
	ArgTileCount int
}

// WriterIR is the writer program of one core.
type WriterIR struct {
	Outputs []WriterOutput
}

// Proc is one synthesized per-processor program.
type Proc struct {
	Name   string
	Source string
	IR     any // *ReaderIR, *ComputeIR, or *WriterIR
	Args   []ArgSym
}

// CoreProgram is the three cooperating programs of one core.
type CoreProgram struct {
	Core    device.Coord
	Reader  Proc
	Compute Proc
	Writer  Proc
}
