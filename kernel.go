package current

import (
	"github.com/sbl8/current/expr"
	"github.com/sbl8/current/tile"
)

// Port is one named, typed kernel port.
type Port struct {
	Name   string
	Format tile.Format
}

// Kernel is a compute operator with ordered input and output ports and
// an optional elementwise compute expression. Without an expression the
// kernel is a passthrough: each input port's tiles flow unchanged to the
// output port in the same position.
type Kernel struct {
	inputs          []Port
	outputs         []Port
	computeSrc      string
	hasCompute      bool
	usesRuntimeArgs bool
}

// NewKernel returns an empty kernel descriptor.
func NewKernel() *Kernel { return &Kernel{} }

// AddInputPort appends an input port. Port names are unique per
// direction.
func (k *Kernel) AddInputPort(name string, f tile.Format) error {
	if !f.Valid() {
		return errf(ErrConfig, "input port %q: unsupported format %d", name, f)
	}
	if _, ok := k.inputPort(name); ok {
		return errf(ErrGraph, "duplicate input port %q", name)
	}
	k.inputs = append(k.inputs, Port{Name: name, Format: f})
	return nil
}

// AddOutputPort appends an output port.
func (k *Kernel) AddOutputPort(name string, f tile.Format) error {
	if !f.Valid() {
		return errf(ErrConfig, "output port %q: unsupported format %d", name, f)
	}
	if _, ok := k.outputPort(name); ok {
		return errf(ErrGraph, "duplicate output port %q", name)
	}
	k.outputs = append(k.outputs, Port{Name: name, Format: f})
	return nil
}

// SetComputeKernel installs the compute expression body. The source is
// parsed immediately so syntax errors surface at definition time;
// identifier resolution happens at compile time once the feeding edges
// are known. usesRuntimeArgs selects whether per-core tile counts are
// baked into the synthesized source or read from runtime arguments.
func (k *Kernel) SetComputeKernel(src string, usesRuntimeArgs bool) error {
	if _, err := expr.Parse(src); err != nil {
		return wrap(ErrCompile, err)
	}
	k.computeSrc = src
	k.hasCompute = true
	k.usesRuntimeArgs = usesRuntimeArgs
	return nil
}

// InputPorts returns a copy of the ordered input ports.
func (k *Kernel) InputPorts() []Port { return append([]Port(nil), k.inputs...) }

// OutputPorts returns a copy of the ordered output ports.
func (k *Kernel) OutputPorts() []Port { return append([]Port(nil), k.outputs...) }

// Passthrough reports whether the kernel has no compute expression.
func (k *Kernel) Passthrough() bool { return !k.hasCompute }

func (k *Kernel) inputPort(name string) (int, bool) {
	for i, p := range k.inputs {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}

func (k *Kernel) outputPort(name string) (int, bool) {
	for i, p := range k.outputs {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}
