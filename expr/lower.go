package expr

import "fmt"

// ALUOp is one virtual tile-ALU operation. The form is two-address: the
// destination register is also the left operand, matching the device's
// binary tile intrinsics.
type ALUOp uint8

const (
	ALULoad   ALUOp = iota // Dst <- input tile named by Port
	ALUConst               // Dst <- broadcast of Imm
	ALUNeg                 // Dst <- -Dst
	ALUAdd                 // Dst <- Dst + reg Src
	ALUSub                 // Dst <- Dst - reg Src
	ALUMul                 // Dst <- Dst * reg Src
	ALUDiv                 // Dst <- Dst / reg Src
	ALUAddImm              // Dst <- Dst + Imm
	ALUSubImm              // Dst <- Dst - Imm
	ALUMulImm              // Dst <- Dst * Imm
	ALUDivImm              // Dst <- Dst / Imm
)

// Instr is one lowered tile-ALU instruction.
type Instr struct {
	Op   ALUOp
	Dst  int
	Src  int
	Imm  float64
	Port string
}

// Lowered is the register program for one output statement.
type Lowered struct {
	Out    string
	Instrs []Instr
	Result int // register holding the final tile
}

// MaxRegs is the number of destination tile registers the compute
// processor exposes to a single statement.
const MaxRegs = 8

type regAlloc struct {
	free []int
	next int
}

func (a *regAlloc) get() (int, error) {
	if n := len(a.free); n > 0 {
		r := a.free[n-1]
		a.free = a.free[:n-1]
		return r, nil
	}
	if a.next >= MaxRegs {
		return 0, fmt.Errorf("expression needs more than %d tile registers", MaxRegs)
	}
	r := a.next
	a.next++
	return r, nil
}

func (a *regAlloc) put(r int) { a.free = append(a.free, r) }

// Lower checks statements against the identifier environment and lowers
// each to a two-address register program. inputs is the set of valid
// identifiers; outputs is the ordered list of output ports, each of
// which must be assigned exactly once. The result is ordered by outputs,
// not by statement order, so synthesis stays deterministic.
func Lower(stmts []Stmt, inputs, outputs []string) ([]Lowered, error) {
	inSet := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		inSet[in] = true
	}

	byOut := make(map[string]Stmt, len(stmts))
	outSet := make(map[string]bool, len(outputs))
	for _, out := range outputs {
		outSet[out] = true
	}
	for _, s := range stmts {
		if !outSet[s.Out] {
			return nil, fmt.Errorf("unknown output name %q", s.Out)
		}
		if _, dup := byOut[s.Out]; dup {
			return nil, fmt.Errorf("duplicate statement for output %q", s.Out)
		}
		byOut[s.Out] = s
	}

	lowered := make([]Lowered, 0, len(outputs))
	for _, out := range outputs {
		s, ok := byOut[out]
		if !ok {
			return nil, fmt.Errorf("no statement for output port %q", out)
		}
		l := Lowered{Out: out}
		alloc := &regAlloc{}
		res, err := lowerNode(Fold(s.RHS), inSet, alloc, &l.Instrs)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out, err)
		}
		l.Result = res
		lowered = append(lowered, l)
	}
	return lowered, nil
}

func lowerNode(n Node, inputs map[string]bool, alloc *regAlloc, out *[]Instr) (int, error) {
	switch v := n.(type) {
	case Num:
		r, err := alloc.get()
		if err != nil {
			return 0, err
		}
		*out = append(*out, Instr{Op: ALUConst, Dst: r, Imm: v.Val})
		return r, nil
	case Ident:
		if !inputs[v.Name] {
			return 0, fmt.Errorf("undefined identifier %q", v.Name)
		}
		r, err := alloc.get()
		if err != nil {
			return 0, err
		}
		*out = append(*out, Instr{Op: ALULoad, Dst: r, Port: v.Name})
		return r, nil
	case Neg:
		r, err := lowerNode(v.X, inputs, alloc, out)
		if err != nil {
			return 0, err
		}
		*out = append(*out, Instr{Op: ALUNeg, Dst: r})
		return r, nil
	case Binary:
		l, err := lowerNode(v.L, inputs, alloc, out)
		if err != nil {
			return 0, err
		}
		// A literal right operand lowers to the immediate form instead of
		// occupying a second register.
		if num, ok := v.R.(Num); ok {
			*out = append(*out, Instr{Op: immOp(v.Op), Dst: l, Imm: num.Val})
			return l, nil
		}
		r, err := lowerNode(v.R, inputs, alloc, out)
		if err != nil {
			return 0, err
		}
		*out = append(*out, Instr{Op: regOp(v.Op), Dst: l, Src: r})
		alloc.put(r)
		return l, nil
	}
	return 0, fmt.Errorf("unsupported expression node %T", n)
}

func regOp(o Op) ALUOp {
	switch o {
	case OpAdd:
		return ALUAdd
	case OpSub:
		return ALUSub
	case OpMul:
		return ALUMul
	}
	return ALUDiv
}

func immOp(o Op) ALUOp {
	switch o {
	case OpAdd:
		return ALUAddImm
	case OpSub:
		return ALUSubImm
	case OpMul:
		return ALUMulImm
	}
	return ALUDivImm
}
