// Package nn implements the neural network building blocks of born vision.
//
// This package provides:
//   - Module interfaces: Component, Module, MultiModule, Parent
//   - Parameter: named tensors with a trainable flag
//   - Layers: Conv2D, ConvTranspose2D, Linear, BatchNorm2D, GroupNorm, pooling
//   - Blocks: ConvBlock, DWConv2D, SE, SpectralNorm
//   - Builder: explicit configuration (backend, seeded RNG, default norm and
//     activation) threaded through every constructor
//   - State dicts with dotted hierarchical names
//
// Everything is forward-only. Design inspired by PyTorch's nn.Module but
// adapted for Go generics.
package nn

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/born-ml/vision/internal/tensor"
)

// Component is anything that owns parameters.
//
// Parameters returns every parameter reachable from the component,
// including those of nested components.
type Component[B tensor.Backend] interface {
	Parameters() []*Parameter[B]
}

// Module is a component computing one tensor from one tensor.
//
// Modules can be composed to build complex architectures:
//
//	model := nn.NewSequential[B](
//	    nn.NewConv2D(b, nn.Conv2DConfig{In: 3, Out: 16, Kernel: 3, Padding: 1}),
//	    nn.NewReLU[B](),
//	)
type Module[B tensor.Backend] interface {
	Component[B]

	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
}

// MultiModule is a component with several inputs or outputs, such as a
// detection head consuming a feature pyramid and returning [loc, cls].
type MultiModule[B tensor.Backend] interface {
	Component[B]

	ForwardMulti(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]
}

// Child is a named sub-component.
type Child[B tensor.Backend] struct {
	Name      string
	Component Component[B]
}

// Parent is a component built from named sub-components.
//
// The state of a Parent is the state of its children; it owns no parameters
// of its own.
type Parent[B tensor.Backend] interface {
	Children() []Child[B]
}

// BufferHolder is a component with non-trainable state, such as running
// statistics, that belongs in its state dict.
type BufferHolder[B tensor.Backend] interface {
	Buffers() []*Parameter[B]
}

// Trainer is a component whose forward pass depends on the training mode.
type Trainer interface {
	SetTraining(training bool)
	Training() bool
}

// Walk visits c and all of its descendants depth-first in declaration order.
//
// path is the dotted name of the visited component relative to c ("" for c).
// Returning false from fn skips the component's children.
func Walk[B tensor.Backend](c Component[B], fn func(path string, c Component[B]) bool) {
	walk("", c, fn)
}

func walk[B tensor.Backend](path string, c Component[B], fn func(string, Component[B]) bool) {
	if isNil(c) || !fn(path, c) {
		return
	}
	p, ok := c.(Parent[B])
	if !ok {
		return
	}
	for _, child := range p.Children() {
		walk(joinPath(path, child.Name), child.Component, fn)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// CollectParameters gathers the parameters of children in order, skipping
// duplicates of shared sub-modules.
func CollectParameters[B tensor.Backend](children []Child[B]) []*Parameter[B] {
	var params []*Parameter[B]
	seen := make(map[*Parameter[B]]bool)
	for _, child := range children {
		if isNil(child.Component) {
			continue
		}
		for _, p := range child.Component.Parameters() {
			if !seen[p] {
				seen[p] = true
				params = append(params, p)
			}
		}
	}
	return params
}

// CountParameters returns the total and trainable number of parameter values
// reachable from c. Shared parameters are counted once.
func CountParameters[B tensor.Backend](c Component[B]) (total, trainable int) {
	seen := make(map[*Parameter[B]]bool)
	for _, p := range c.Parameters() {
		if seen[p] {
			continue
		}
		seen[p] = true
		n := p.Tensor().NumElements()
		total += n
		if p.Trainable() {
			trainable += n
		}
	}
	return total, trainable
}

// SetTraining switches every Trainer under c to training or evaluation mode.
func SetTraining[B tensor.Backend](c Component[B], training bool) {
	Walk(c, func(_ string, m Component[B]) bool {
		if t, ok := m.(Trainer); ok {
			t.SetTraining(training)
		}
		return true
	})
}

// Eval switches every Trainer under c to evaluation mode. The returned
// function puts each of them back into the mode it had before.
func Eval[B tensor.Backend](c Component[B]) (restore func()) {
	modes := make(map[Trainer]bool)
	Walk(c, func(_ string, m Component[B]) bool {
		if t, ok := m.(Trainer); ok {
			modes[t] = t.Training()
			t.SetTraining(false)
		}
		return true
	})
	return func() {
		for t, training := range modes {
			t.SetTraining(training)
		}
	}
}

// Apply runs c on inputs: MultiModules receive all of them, Modules exactly
// one. It panics for components without a forward pass.
func Apply[B tensor.Backend](c Component[B], inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	switch m := c.(type) {
	case MultiModule[B]:
		return m.ForwardMulti(inputs...)
	case Module[B]:
		if len(inputs) != 1 {
			panic(fmt.Sprintf("%s: takes one input, got %d", KindOf(c), len(inputs)))
		}
		return []*tensor.Tensor[float32, B]{m.Forward(inputs[0])}
	default:
		panic(fmt.Sprintf("%s: no forward pass", KindOf(c)))
	}
}

// KindOf returns the bare type name of a component, e.g. "Conv2D".
func KindOf(c any) string {
	if k, ok := c.(interface{ Kind() string }); ok {
		return k.Kind()
	}
	name := typeName(c)
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimLeft(name, "*")
}

// isNil reports whether v is nil or a typed nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
