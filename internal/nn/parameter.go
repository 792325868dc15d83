package nn

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// Parameter represents a named tensor owned by a layer.
//
// Trainable parameters are weights and biases. Running statistics of
// normalization layers are stored as non-trainable parameters (buffers).
//
// Example:
//
//	weight := nn.NewParameter("weight", weightTensor)
//	w := weight.Tensor()
type Parameter[B tensor.Backend] struct {
	name      string                     // Parameter name (e.g., "weight", "bias")
	tensor    *tensor.Tensor[float32, B] // The parameter tensor
	trainable bool
}

// NewParameter creates a new trainable parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:      name,
		tensor:    t,
		trainable: true,
	}
}

// NewBuffer creates a non-trainable parameter.
func NewBuffer[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Trainable reports whether the parameter would receive gradients.
func (p *Parameter[B]) Trainable() bool {
	return p.trainable
}

// SetTrainable freezes or unfreezes the parameter.
func (p *Parameter[B]) SetTrainable(trainable bool) {
	p.trainable = trainable
}

// Fill sets every element to v.
func (p *Parameter[B]) Fill(v float32) {
	data := p.tensor.Data()
	for i := range data {
		data[i] = v
	}
}

// Load copies raw into the parameter after checking shape and dtype.
func (p *Parameter[B]) Load(raw *tensor.RawTensor) error {
	if !raw.Shape().Equal(p.tensor.Shape()) {
		return fmt.Errorf("%s shape mismatch: expected %v, got %v", p.name, p.tensor.Shape(), raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("%s dtype mismatch: expected float32, got %v", p.name, raw.DType())
	}
	copy(p.tensor.Data(), raw.AsFloat32())
	return nil
}
