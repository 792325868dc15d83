package nn

import (
	"github.com/born-ml/vision/internal/tensor"
)

// ReLU is a Rectified Linear Unit activation module.
//
// Applies the element-wise function: f(x) = max(0, x)
//
// Example:
//
//	relu := nn.NewReLU[B]()
//	output := relu.Forward(input) // All negative values become 0
type ReLU[B tensor.Backend] struct {
	Hooks[B]
}

// NewReLU creates a new ReLU activation module.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return &ReLU[B]{}
}

// Forward applies ReLU activation: f(x) = max(0, x).
func (r *ReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return r.Output(r, input, tensor.New[float32, B](backend.ReLU(input.Raw()), backend))
}

// Parameters returns nil (ReLU has no trainable parameters).
func (r *ReLU[B]) Parameters() []*Parameter[B] {
	return nil
}

// LeakyReLU applies x for x > 0 and slope*x otherwise.
type LeakyReLU[B tensor.Backend] struct {
	Hooks[B]

	slope float64
}

// NewLeakyReLU creates a LeakyReLU with the given negative slope.
func NewLeakyReLU[B tensor.Backend](slope float64) *LeakyReLU[B] {
	return &LeakyReLU[B]{slope: slope}
}

// Forward applies the activation.
func (r *LeakyReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return r.Output(r, input, tensor.New[float32, B](backend.LeakyReLU(input.Raw(), r.slope), backend))
}

// Parameters returns nil.
func (r *LeakyReLU[B]) Parameters() []*Parameter[B] {
	return nil
}

// Sigmoid is a sigmoid activation module.
//
// Applies the element-wise function: σ(x) = 1 / (1 + exp(-x))
type Sigmoid[B tensor.Backend] struct {
	Hooks[B]
}

// NewSigmoid creates a new Sigmoid activation module.
func NewSigmoid[B tensor.Backend]() *Sigmoid[B] {
	return &Sigmoid[B]{}
}

// Forward applies Sigmoid activation.
func (s *Sigmoid[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return s.Output(s, input, tensor.New[float32, B](backend.Sigmoid(input.Raw()), backend))
}

// Parameters returns nil.
func (s *Sigmoid[B]) Parameters() []*Parameter[B] {
	return nil
}

// Tanh is a hyperbolic tangent activation module.
//
// Squashes values to the range (-1, 1). Used as the output activation of
// image generators.
type Tanh[B tensor.Backend] struct {
	Hooks[B]
}

// NewTanh creates a new Tanh activation module.
func NewTanh[B tensor.Backend]() *Tanh[B] {
	return &Tanh[B]{}
}

// Forward applies Tanh activation.
func (t *Tanh[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return t.Output(t, input, tensor.New[float32, B](backend.Tanh(input.Raw()), backend))
}

// Parameters returns nil.
func (t *Tanh[B]) Parameters() []*Parameter[B] {
	return nil
}

// Identity returns its input unchanged.
type Identity[B tensor.Backend] struct {
	Hooks[B]
}

// NewIdentity creates an Identity module.
func NewIdentity[B tensor.Backend]() *Identity[B] {
	return &Identity[B]{}
}

// Forward returns input.
func (i *Identity[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return i.Output(i, input, input)
}

// Parameters returns nil.
func (i *Identity[B]) Parameters() []*Parameter[B] {
	return nil
}
