package synth

import (
	"fmt"
	"strings"
)

// RenderReader emits the data-movement source for a core's reader. The
// text targets the device's dataflow API; tiles are transferred
// round-robin across inputs, one iteration's worth at a time, so the
// compute processor always finds its per-iteration tile set without any
// circular buffer overcommitting its credit.
func RenderReader(ir *ReaderIR) string {
	var b strings.Builder
	b.WriteString("#include <stdint.h>\n\n#include \"dataflow_api.h\"\n\nvoid kernel_main() {\n")

	for _, in := range ir.Inputs {
		p := in.Port
		switch in.Kind {
		case InputStream:
			fmt.Fprintf(&b, "    // %s: stream input\n", p)
			fmt.Fprintf(&b, "    uint32_t %s_addr = get_arg_val<uint32_t>(%d);\n", p, in.ArgDataAddr)
			fmt.Fprintf(&b, "    uint32_t %s_noc_x = get_arg_val<uint32_t>(%d);\n", p, in.ArgDataNocX)
			fmt.Fprintf(&b, "    uint32_t %s_noc_y = get_arg_val<uint32_t>(%d);\n", p, in.ArgDataNocY)
		case InputGatherDRAM:
			fmt.Fprintf(&b, "    // %s: gather input (DRAM data)\n", p)
			fmt.Fprintf(&b, "    uint32_t %s_data_addr = get_arg_val<uint32_t>(%d);\n", p, in.ArgDataAddr)
			fmt.Fprintf(&b, "    uint32_t %s_data_noc_x = get_arg_val<uint32_t>(%d);\n", p, in.ArgDataNocX)
			fmt.Fprintf(&b, "    uint32_t %s_data_noc_y = get_arg_val<uint32_t>(%d);\n", p, in.ArgDataNocY)
			fmt.Fprintf(&b, "    uint32_t %s_index_addr = get_arg_val<uint32_t>(%d);\n", p, in.ArgIndexAddr)
			fmt.Fprintf(&b, "    uint32_t %s_index_noc_x = get_arg_val<uint32_t>(%d);\n", p, in.ArgIndexNocX)
			fmt.Fprintf(&b, "    uint32_t %s_index_noc_y = get_arg_val<uint32_t>(%d);\n", p, in.ArgIndexNocY)
		case InputGatherScratch:
			fmt.Fprintf(&b, "    // %s: gather input (L1 data)\n", p)
			fmt.Fprintf(&b, "    uint32_t %s_scratch_addr = get_arg_val<uint32_t>(%d);\n", p, in.ArgScratchAddr)
			fmt.Fprintf(&b, "    uint32_t %s_index_addr = get_arg_val<uint32_t>(%d);\n", p, in.ArgIndexAddr)
			fmt.Fprintf(&b, "    uint32_t %s_index_noc_x = get_arg_val<uint32_t>(%d);\n", p, in.ArgIndexNocX)
			fmt.Fprintf(&b, "    uint32_t %s_index_noc_y = get_arg_val<uint32_t>(%d);\n", p, in.ArgIndexNocY)
		}
		fmt.Fprintf(&b, "    uint32_t %s_tile_start = get_arg_val<uint32_t>(%d);\n", p, in.ArgTileStart)
		fmt.Fprintf(&b, "    uint32_t %s_n_tiles = get_arg_val<uint32_t>(%d);\n", p, in.ArgTileCount)
	}
	b.WriteString("\n")

	for _, in := range ir.Inputs {
		p := in.Port
		fmt.Fprintf(&b, "    constexpr uint32_t %s_cb = %d;\n", p, in.DataCB)
		switch in.Kind {
		case InputStream:
			fmt.Fprintf(&b, "    const uint64_t %s_noc_addr = get_noc_addr(%s_noc_x, %s_noc_y, %s_addr);\n", p, p, p, p)
		case InputGatherDRAM:
			fmt.Fprintf(&b, "    constexpr uint32_t %s_idx_cb = %d;\n", p, in.IndexCB)
			fmt.Fprintf(&b, "    const uint64_t %s_data_noc_addr = get_noc_addr(%s_data_noc_x, %s_data_noc_y, %s_data_addr);\n", p, p, p, p)
			fmt.Fprintf(&b, "    const uint64_t %s_index_noc_addr = get_noc_addr(%s_index_noc_x, %s_index_noc_y, %s_index_addr);\n", p, p, p, p)
			fmt.Fprintf(&b, "    uint32_t %s_idx_l1 = get_write_ptr(%s_idx_cb);\n", p, p)
		case InputGatherScratch:
			fmt.Fprintf(&b, "    constexpr uint32_t %s_idx_cb = %d;\n", p, in.IndexCB)
			fmt.Fprintf(&b, "    const uint64_t %s_index_noc_addr = get_noc_addr(%s_index_noc_x, %s_index_noc_y, %s_index_addr);\n", p, p, p, p)
			fmt.Fprintf(&b, "    uint32_t %s_idx_l1 = get_write_ptr(%s_idx_cb);\n", p, p)
		}
	}
	b.WriteString("\n")

	first := ir.Inputs[0]
	if first.TilesPerIter > 1 {
		fmt.Fprintf(&b, "    const uint32_t n_iters = %s_n_tiles / %du;\n", first.Port, first.TilesPerIter)
	} else {
		fmt.Fprintf(&b, "    const uint32_t n_iters = %s_n_tiles;\n", first.Port)
	}
	b.WriteString("    for (uint32_t it = 0; it < n_iters; it++) {\n")

	for _, in := range ir.Inputs {
		switch in.Kind {
		case InputStream:
			renderStreamRead(&b, in)
		case InputGatherDRAM, InputGatherScratch:
			renderGatherRead(&b, in)
		}
	}

	b.WriteString("    }\n}\n")
	return b.String()
}

func renderStreamRead(b *strings.Builder, in ReaderInput) {
	p := in.Port
	fmt.Fprintf(b, "        cb_reserve_back(%s_cb, 1);\n", p)
	b.WriteString("        {\n")
	fmt.Fprintf(b, "            uint32_t l1_addr = get_write_ptr(%s_cb);\n", p)
	fmt.Fprintf(b, "            uint32_t tile = %s_tile_start + it;\n", p)
	fmt.Fprintf(b, "            noc_async_read(%s_noc_addr + (uint64_t)tile * %du, l1_addr, %du);\n", p, in.TileBytes, in.TileBytes)
	b.WriteString("            noc_async_read_barrier();\n")
	b.WriteString("        }\n")
	fmt.Fprintf(b, "        cb_push_back(%s_cb, 1);\n", p)
}

func renderGatherRead(b *strings.Builder, in ReaderInput) {
	p := in.Port
	elemT := "uint16_t"
	if in.ElemBytes == 4 {
		elemT = "uint32_t"
	}
	fmt.Fprintf(b, "        for (uint32_t j = 0; j < %du; j++) {\n", in.TilesPerIter)
	fmt.Fprintf(b, "            uint32_t tile = %s_tile_start + it * %du + j;\n", p, in.TilesPerIter)
	fmt.Fprintf(b, "            noc_async_read(%s_index_noc_addr + (uint64_t)tile * 4096u, %s_idx_l1, 4096u);\n", p, p)
	b.WriteString("            noc_async_read_barrier();\n")
	fmt.Fprintf(b, "            cb_reserve_back(%s_cb, 1);\n", p)
	fmt.Fprintf(b, "            uint32_t dat_l1 = get_write_ptr(%s_cb);\n", p)
	fmt.Fprintf(b, "            volatile uint32_t* idx = (volatile uint32_t*)%s_idx_l1;\n", p)
	fmt.Fprintf(b, "            %s* dat = (%s*)dat_l1;\n", elemT, elemT)
	b.WriteString("            for (uint32_t e = 0; e < 1024u; e++) {\n")
	b.WriteString("                dat[e] = 0;\n")
	b.WriteString("            }\n")
	b.WriteString("            for (uint32_t e = 0; e < 1024u; e++) {\n")
	if in.Kind == InputGatherDRAM {
		// Each element sits in its own 32-byte aligned DRAM slot.
		fmt.Fprintf(b, "                uint32_t index_offset = idx[e] * 32u;\n")
		fmt.Fprintf(b, "                noc_async_read(%s_data_noc_addr + index_offset, dat_l1 + e * %du, %du);\n", p, in.ElemBytes, in.ElemBytes)
	} else {
		fmt.Fprintf(b, "                const %s* src = (const %s*)%s_scratch_addr;\n", elemT, elemT, p)
		b.WriteString("                dat[e] = src[idx[e]];\n")
	}
	b.WriteString("            }\n")
	if in.Kind == InputGatherDRAM {
		b.WriteString("            noc_async_read_barrier();\n")
	}
	fmt.Fprintf(b, "            cb_push_back(%s_cb, 1);\n", p)
	b.WriteString("        }\n")
}
