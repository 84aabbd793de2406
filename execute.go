package current

import (
	"context"

	"github.com/sbl8/current/device"
	"github.com/sbl8/current/plan"
	"github.com/sbl8/current/runtime"
	"github.com/sbl8/current/tile"
)

// Execute compiles the graph for dev if needed, uploads every stream,
// and runs the program to completion. Calling it again runs the program
// again and overwrites the sinks.
func (m *Map) Execute(ctx context.Context, dev device.Device) error {
	if err := m.GenerateDeviceKernels(dev); err != nil {
		return err
	}

	p := &runtime.Plan{
		Buffers:        m.buffers,
		Scratch:        m.scratch,
		CBs:            m.cbs,
		Programs:       m.programs,
		Uploads:        m.buildUploads(),
		ScratchUploads: m.buildScratchUploads(),
	}
	if m.orch == nil {
		m.orch = runtime.New(dev, runtime.Options{Logger: m.log})
	}

	bufs, err := m.orch.Execute(ctx, p, m.bufs)
	if bufs != nil {
		m.bufs = bufs
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if bufs == nil {
			// Only DRAM buffer allocation fails before a buffer map exists.
			return wrap(ErrResource, err)
		}
		return wrap(ErrDevice, err)
	}
	return nil
}

// buildUploads collects the host words destined for every DRAM buffer:
// stream data verbatim, gather indices padded to whole index tiles, and
// DRAM-tier gather data expanded to one element per aligned slot.
func (m *Map) buildUploads() []runtime.Upload {
	var ups []runtime.Upload
	for si, s := range m.streams {
		switch v := s.(type) {
		case *Stream:
			// Host buffers may be larger than the padded device buffer.
			words := v.data
			if limit := m.bufferSpec(m.streamBuf[si]).Size / 4; uint64(len(words)) > limit {
				words = words[:limit]
			}
			ups = append(ups, runtime.Upload{Ref: m.streamBuf[si], Words: words})
		case *GatherStream:
			idxSpec := m.bufferSpec(m.indexBuf[si])
			padded := make([]uint32, idxSpec.Size/4)
			copy(padded, v.indices)
			ups = append(ups, runtime.Upload{Ref: m.indexBuf[si], Words: padded})
			if v.tier == TierDRAM {
				spec := m.bufferSpec(m.streamBuf[si])
				ups = append(ups, runtime.Upload{Ref: m.streamBuf[si], Words: expandGatherData(v, spec.Size)})
			}
		}
	}
	return ups
}

func (m *Map) buildScratchUploads() []runtime.ScratchUpload {
	var ups []runtime.ScratchUpload
	for _, sp := range m.scratch {
		g := m.streams[sp.Stream].(*GatherStream)
		words := tile.WordsForElems(g.dataElemCount, g.format)
		ups = append(ups, runtime.ScratchUpload{
			Core:  sp.Core,
			Addr:  sp.Addr,
			Words: g.data[:words],
		})
	}
	return ups
}

func (m *Map) bufferSpec(ref plan.BufferRef) plan.DramSpec {
	return m.buffers[ref]
}

// expandGatherData spreads a dense gather data buffer into the aligned
// DRAM layout the reader indexes: element i at byte offset i * 32.
func expandGatherData(g *GatherStream, bufSize uint64) []uint32 {
	eb := g.format.ElemBytes()
	src := bytesFromWords(g.data)
	dst := make([]byte, bufSize)
	for i := uint32(0); i < g.dataElemCount; i++ {
		copy(dst[uint64(i)*tile.DRAMAlign:], src[i*eb:(i+1)*eb])
	}
	return wordsFromBytes(dst)
}

func bytesFromWords(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		out[i*4] = byte(w)
		out[i*4+1] = byte(w >> 8)
		out[i*4+2] = byte(w >> 16)
		out[i*4+3] = byte(w >> 24)
	}
	return out
}

func wordsFromBytes(b []byte) []uint32 {
	out := make([]uint32, (len(b)+3)/4)
	for i := range out {
		for j := 0; j < 4 && i*4+j < len(b); j++ {
			out[i] |= uint32(b[i*4+j]) << (8 * j)
		}
	}
	return out
}

// ReadStream blocking-reads a stream's DRAM buffer back into host
// words. The result covers the padded tile range; callers index up to
// the element count.
func (m *Map) ReadStream(s *Stream) ([]uint32, error) {
	si, ok := m.streamIdx[s]
	if !ok {
		return nil, errf(ErrGraph, "stream is not registered with this map")
	}
	if m.bufs == nil {
		return nil, errf(ErrDevice, "map has not executed")
	}
	words, err := m.orch.ReadBuffer(m.bufs[m.streamBuf[si]])
	if err != nil {
		return nil, wrap(ErrDevice, err)
	}
	return words, nil
}

// ReadGatherStream reads a gather stream's data back from the device:
// the expanded DRAM layout for DRAM-tier streams, the dense scratch
// copy for scratch-tier ones. With includeIndices the index buffer's
// words are appended after the data.
func (m *Map) ReadGatherStream(g *GatherStream, includeIndices bool) ([]uint32, error) {
	si, ok := m.streamIdx[g]
	if !ok {
		return nil, errf(ErrGraph, "gather stream is not registered with this map")
	}
	if m.bufs == nil {
		return nil, errf(ErrDevice, "map has not executed")
	}

	var words []uint32
	var err error
	if g.tier == TierDRAM {
		words, err = m.orch.ReadBuffer(m.bufs[m.streamBuf[si]])
	} else {
		spec, found := m.scratchSpecFor(si)
		if !found {
			return nil, errf(ErrResource, "gather stream has no scratch region planned")
		}
		words, err = m.orch.ReadScratch(spec.Core, spec.Addr, spec.Size)
	}
	if err != nil {
		return nil, wrap(ErrDevice, err)
	}

	if includeIndices {
		idx, err := m.orch.ReadBuffer(m.bufs[m.indexBuf[si]])
		if err != nil {
			return nil, wrap(ErrDevice, err)
		}
		words = append(words, idx...)
	}
	return words, nil
}

func (m *Map) scratchSpecFor(si int) (plan.ScratchSpec, bool) {
	for _, sp := range m.scratch {
		if sp.Stream == si {
			return sp, true
		}
	}
	return plan.ScratchSpec{}, false
}

// Close releases the Map's hold on device buffers and the device. The
// graph stays sealed; build a new Map to run a different topology.
func (m *Map) Close() error {
	m.bufs = nil
	m.orch = nil
	m.dev = nil
	return nil
}
