package expr

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) []Stmt {
	t.Helper()
	stmts, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", src, err)
	}
	return stmts
}

func TestLowerSAXPY(t *testing.T) {
	t.Parallel()
	stmts := mustParse(t, "out0 = in0 * 2.0 + in1;")
	lowered, err := Lower(stmts, []string{"in0", "in1"}, []string{"out0"})
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}
	if len(lowered) != 1 {
		t.Fatalf("len(lowered) = %d, want 1", len(lowered))
	}
	l := lowered[0]
	want := []Instr{
		{Op: ALULoad, Dst: 0, Port: "in0"},
		{Op: ALUMulImm, Dst: 0, Imm: 2},
		{Op: ALULoad, Dst: 1, Port: "in1"},
		{Op: ALUAdd, Dst: 0, Src: 1},
	}
	if len(l.Instrs) != len(want) {
		t.Fatalf("len(Instrs) = %d, want %d: %+v", len(l.Instrs), len(want), l.Instrs)
	}
	for i := range want {
		if l.Instrs[i] != want[i] {
			t.Errorf("Instrs[%d] = %+v, want %+v", i, l.Instrs[i], want[i])
		}
	}
	if l.Result != 0 {
		t.Errorf("Result = %d, want 0", l.Result)
	}
}

func TestLowerRegisterReuse(t *testing.T) {
	t.Parallel()
	// Left-leaning sums should only ever hold two registers alive.
	stmts := mustParse(t, "out0 = in0 + in1 + in2 + in3 + in4 + in5;")
	lowered, err := Lower(stmts, []string{"in0", "in1", "in2", "in3", "in4", "in5"}, []string{"out0"})
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}
	for _, ins := range lowered[0].Instrs {
		if ins.Dst > 1 || ins.Src > 1 {
			t.Fatalf("register pressure leak: %+v", ins)
		}
	}
}

func TestLowerErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		src     string
		inputs  []string
		outputs []string
		errSub  string
	}{
		{
			name:    "undefined identifier",
			src:     "out0 = in0 + bogus;",
			inputs:  []string{"in0"},
			outputs: []string{"out0"},
			errSub:  "undefined identifier",
		},
		{
			name:    "unknown output",
			src:     "out9 = in0;",
			inputs:  []string{"in0"},
			outputs: []string{"out0"},
			errSub:  "unknown output",
		},
		{
			name:    "duplicate output",
			src:     "out0 = in0; out0 = in0;",
			inputs:  []string{"in0"},
			outputs: []string{"out0"},
			errSub:  "duplicate statement",
		},
		{
			name:    "missing output",
			src:     "out0 = in0;",
			inputs:  []string{"in0"},
			outputs: []string{"out0", "out1"},
			errSub:  "no statement for output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts := mustParse(t, tt.src)
			_, err := Lower(stmts, tt.inputs, tt.outputs)
			if err == nil {
				t.Fatal("Lower() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("error %q does not mention %q", err, tt.errSub)
			}
		})
	}
}

func TestLowerOrderedByOutputs(t *testing.T) {
	t.Parallel()
	stmts := mustParse(t, "out1 = in0 - in1; out0 = in0 + in1;")
	lowered, err := Lower(stmts, []string{"in0", "in1"}, []string{"out0", "out1"})
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}
	if lowered[0].Out != "out0" || lowered[1].Out != "out1" {
		t.Errorf("lowered order = [%s %s], want [out0 out1]", lowered[0].Out, lowered[1].Out)
	}
}
