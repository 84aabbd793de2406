package synth

import (
	"fmt"
	"strings"
)

// RenderWriter emits the data-movement source for a core's writer. Each
// output edge drains its circular buffer tile by tile into the
// destination DRAM slice, with a write barrier before the credit is
// released.
func RenderWriter(ir *WriterIR) string {
	var b strings.Builder
	b.WriteString("#include <stdint.h>\n\n#include \"dataflow_api.h\"\n\nvoid kernel_main() {\n")

	for _, out := range ir.Outputs {
		p := out.Port
		fmt.Fprintf(&b, "    // %s: sink\n", p)
		fmt.Fprintf(&b, "    uint32_t %s_addr = get_arg_val<uint32_t>(%d);\n", p, out.ArgDstAddr)
		fmt.Fprintf(&b, "    uint32_t %s_noc_x = get_arg_val<uint32_t>(%d);\n", p, out.ArgDstNocX)
		fmt.Fprintf(&b, "    uint32_t %s_noc_y = get_arg_val<uint32_t>(%d);\n", p, out.ArgDstNocY)
		fmt.Fprintf(&b, "    uint32_t %s_tile_start = get_arg_val<uint32_t>(%d);\n", p, out.ArgTileStart)
		fmt.Fprintf(&b, "    uint32_t %s_n_tiles = get_arg_val<uint32_t>(%d);\n", p, out.ArgTileCount)
	}
	b.WriteString("\n")

	for _, out := range ir.Outputs {
		p := out.Port
		fmt.Fprintf(&b, "    constexpr uint32_t %s_cb = %d;\n", p, out.CB)
		fmt.Fprintf(&b, "    const uint64_t %s_noc_addr = get_noc_addr(%s_noc_x, %s_noc_y, %s_addr);\n", p, p, p, p)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "    const uint32_t n_iters = %s_n_tiles;\n", ir.Outputs[0].Port)
	b.WriteString("    for (uint32_t it = 0; it < n_iters; it++) {\n")
	for _, out := range ir.Outputs {
		p := out.Port
		fmt.Fprintf(&b, "        cb_wait_front(%s_cb, 1);\n", p)
		b.WriteString("        {\n")
		fmt.Fprintf(&b, "            uint32_t l1_addr = get_read_ptr(%s_cb);\n", p)
		fmt.Fprintf(&b, "            uint32_t tile = %s_tile_start + it;\n", p)
		fmt.Fprintf(&b, "            noc_async_write(l1_addr, %s_noc_addr + (uint64_t)tile * %du, %du);\n", p, out.TileBytes, out.TileBytes)
		b.WriteString("            noc_async_write_barrier();\n")
		b.WriteString("        }\n")
		fmt.Fprintf(&b, "        cb_pop_front(%s_cb, 1);\n", p)
	}
	b.WriteString("    }\n}\n")
	return b.String()
}
