package nn

import (
	"fmt"
	"strconv"

	"github.com/born-ml/vision/internal/tensor"
)

// Sequential is a container module that chains multiple modules together.
//
// Each module's output becomes the next module's input. Children are named
// by their index ("0", "1", ...), so a state dict entry reads "2.weight".
//
// Example:
//
//	model := nn.NewSequential[B](
//	    nn.NewConv2D(b, nn.Conv2DConfig{In: 3, Out: 8, Kernel: 3}),
//	    nn.NewReLU[B](),
//	)
//
//	output := model.Forward(input)
type Sequential[B tensor.Backend] struct {
	modules []Module[B]
}

// NewSequential creates a new Sequential container. Nil modules are skipped,
// which lets optional layers be passed directly.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	s := &Sequential[B]{}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Forward applies all modules in sequence.
func (s *Sequential[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	output := input
	for _, module := range s.modules {
		output = module.Forward(output)
	}
	return output
}

// Parameters returns all parameters from all modules.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	return CollectParameters(s.Children())
}

// Children returns the modules named by index.
func (s *Sequential[B]) Children() []Child[B] {
	children := make([]Child[B], len(s.modules))
	for i, m := range s.modules {
		children[i] = Child[B]{Name: strconv.Itoa(i), Component: m}
	}
	return children
}

// Add appends a module to the sequence. Nil modules are ignored.
func (s *Sequential[B]) Add(module Module[B]) {
	if isNil(module) {
		return
	}
	s.modules = append(s.modules, module)
}

// Len returns the number of modules in the sequence.
func (s *Sequential[B]) Len() int {
	return len(s.modules)
}

// Module returns the module at the given index.
//
// Panics if index is out of bounds.
func (s *Sequential[B]) Module(index int) Module[B] {
	if index < 0 || index >= len(s.modules) {
		panic(fmt.Sprintf("sequential: index %d out of bounds [0, %d)", index, len(s.modules)))
	}
	return s.modules[index]
}

// ModuleList holds sub-components without defining how they are called.
type ModuleList[B tensor.Backend] struct {
	items []Component[B]
}

// NewModuleList creates a list of components.
func NewModuleList[B tensor.Backend](items ...Component[B]) *ModuleList[B] {
	return &ModuleList[B]{items: items}
}

// Append adds a component.
func (l *ModuleList[B]) Append(c Component[B]) {
	l.items = append(l.items, c)
}

// Len returns the number of components.
func (l *ModuleList[B]) Len() int {
	return len(l.items)
}

// At returns component i.
func (l *ModuleList[B]) At(i int) Component[B] {
	return l.items[i]
}

// Module returns component i as a Module, panicking if it is not one.
func (l *ModuleList[B]) Module(i int) Module[B] {
	m, ok := l.items[i].(Module[B])
	if !ok {
		panic(fmt.Sprintf("modulelist: item %d (%s) is not a Module", i, KindOf(l.items[i])))
	}
	return m
}

// Parameters returns the parameters of every item.
func (l *ModuleList[B]) Parameters() []*Parameter[B] {
	return CollectParameters(l.Children())
}

// Children returns the items named by index.
func (l *ModuleList[B]) Children() []Child[B] {
	children := make([]Child[B], len(l.items))
	for i, c := range l.items {
		children[i] = Child[B]{Name: strconv.Itoa(i), Component: c}
	}
	return children
}
