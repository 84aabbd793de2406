package synth

import (
	"fmt"
	"math"
	"strings"

	"github.com/sbl8/current/expr"
)

// RenderCompute emits the math-processor source for one core. The loop
// waits on every input circular buffer before each iteration so sibling
// edges stay in lockstep, then runs the lowered register program per
// output statement against the tile ALU.
func RenderCompute(ir *ComputeIR) string {
	var b strings.Builder
	b.WriteString("#include <cstdint>\n\n#include \"compute_kernel_api.h\"\n\nnamespace NAMESPACE {\nvoid MAIN {\n")

	for _, in := range ir.Inputs {
		fmt.Fprintf(&b, "    constexpr uint32_t cb_%s = %d;\n", in.Port, in.CB)
	}
	for _, out := range ir.Outputs {
		fmt.Fprintf(&b, "    constexpr uint32_t cb_%s = %d;\n", out.Port, out.CB)
	}
	if ir.UseArgCount {
		fmt.Fprintf(&b, "    const uint32_t n_tiles = get_arg_val<uint32_t>(%d);\n", ir.ArgNumTiles)
	} else {
		fmt.Fprintf(&b, "    constexpr uint32_t n_tiles = %du;\n", ir.NumTiles)
	}

	in0 := ir.Inputs[0].Port
	in1 := in0
	if len(ir.Inputs) > 1 {
		in1 = ir.Inputs[1].Port
	}
	fmt.Fprintf(&b, "    binary_op_init_common(cb_%s, cb_%s, cb_%s);\n", in0, in1, ir.Outputs[0].Port)

	b.WriteString("\n    for (uint32_t i = 0; i < n_tiles; i++) {\n")
	for _, in := range ir.Inputs {
		fmt.Fprintf(&b, "        cb_wait_front(cb_%s, %d);\n", in.Port, in.TilesPerIter)
	}
	b.WriteString("        tile_regs_acquire();\n")

	if ir.Passthrough {
		for i := range ir.Outputs {
			fmt.Fprintf(&b, "        copy_tile(cb_%s, 0, %d);\n", ir.Inputs[i].Port, i)
		}
	} else {
		for _, stmt := range ir.Stmts {
			for _, ins := range stmt.Instrs {
				renderInstr(&b, ir, ins)
			}
		}
	}

	b.WriteString("        tile_regs_commit();\n")
	b.WriteString("        tile_regs_wait();\n")
	for i, out := range ir.Outputs {
		fmt.Fprintf(&b, "        cb_reserve_back(cb_%s, 1);\n", out.Port)
		reg := i
		if !ir.Passthrough {
			reg = ir.Stmts[i].Result
		}
		fmt.Fprintf(&b, "        pack_tile(%d, cb_%s);\n", reg, out.Port)
		fmt.Fprintf(&b, "        cb_push_back(cb_%s, 1);\n", out.Port)
	}
	b.WriteString("        tile_regs_release();\n")
	for _, in := range ir.Inputs {
		fmt.Fprintf(&b, "        cb_pop_front(cb_%s, %d);\n", in.Port, in.TilesPerIter)
	}
	b.WriteString("    }\n}\n}  // namespace NAMESPACE\n")
	return b.String()
}

func renderInstr(b *strings.Builder, ir *ComputeIR, ins expr.Instr) {
	switch ins.Op {
	case expr.ALULoad:
		bind, _ := ir.Binding(ins.Port)
		in := ir.Inputs[bind.Input]
		if in.TilesPerIter > 1 {
			// De-interleave one access slot of each token out of the
			// iteration's tile group.
			fmt.Fprintf(b, "        copy_strided_tile(cb_%s, %du, %du, %d);\n", in.Port, bind.Access, in.TilesPerIter, ins.Dst)
		} else {
			fmt.Fprintf(b, "        copy_tile(cb_%s, 0, %d);\n", in.Port, ins.Dst)
		}
	case expr.ALUConst:
		fmt.Fprintf(b, "        fill_tile(%d, %s);\n", ins.Dst, floatBits(ins.Imm))
	case expr.ALUNeg:
		fmt.Fprintf(b, "        negative_tile(%d);\n", ins.Dst)
	case expr.ALUAdd:
		fmt.Fprintf(b, "        add_binary_tile(%d, %d);\n", ins.Dst, ins.Src)
	case expr.ALUSub:
		fmt.Fprintf(b, "        sub_binary_tile(%d, %d);\n", ins.Dst, ins.Src)
	case expr.ALUMul:
		fmt.Fprintf(b, "        mul_binary_tile(%d, %d);\n", ins.Dst, ins.Src)
	case expr.ALUDiv:
		fmt.Fprintf(b, "        div_binary_tile(%d, %d);\n", ins.Dst, ins.Src)
	case expr.ALUAddImm:
		fmt.Fprintf(b, "        add_unary_tile(%d, %s);\n", ins.Dst, floatBits(ins.Imm))
	case expr.ALUSubImm:
		fmt.Fprintf(b, "        sub_unary_tile(%d, %s);\n", ins.Dst, floatBits(ins.Imm))
	case expr.ALUMulImm:
		fmt.Fprintf(b, "        mul_unary_tile(%d, %s);\n", ins.Dst, floatBits(ins.Imm))
	case expr.ALUDivImm:
		fmt.Fprintf(b, "        div_unary_tile(%d, %s);\n", ins.Dst, floatBits(ins.Imm))
	}
}

func floatBits(v float64) string {
	return fmt.Sprintf("0x%08xu", math.Float32bits(float32(v)))
}
