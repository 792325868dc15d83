package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/vision/internal/tensor"
)

// SpectralNorm divides the weight of a wrapped layer by an estimate of its
// largest singular value before every forward pass.
//
// The estimate is refined by one power iteration per forward pass in
// training mode; in evaluation mode the stored left singular vector is
// reused. The weight is viewed as a [out, -1] matrix, so the wrapped layer
// must keep output units on its first weight axis (Conv2D, Linear).
//
// The wrapped layer's weight is swapped for the normalized one only for the
// duration of Forward, so a SpectralNorm must not run concurrently with
// direct calls to the wrapped layer.
type SpectralNorm[B tensor.Backend] struct {
	module   Module[B]
	target   Weighted[B]
	u        *Parameter[B] // [out], non-trainable
	eps      float64
	training bool
}

// NewSpectralNorm wraps m, which must expose its weight.
func NewSpectralNorm[B tensor.Backend](b *Builder[B], m Module[B]) *SpectralNorm[B] {
	target, ok := m.(Weighted[B])
	if !ok || target.Weight() == nil {
		panic(fmt.Sprintf("spectralnorm: %s has no weight", KindOf(m)))
	}
	rows := target.Weight().Tensor().Shape()[0]
	u := Normal(b.Rand, 1, tensor.Shape{rows}, b.Backend)
	normalize(u.Data(), 1e-12)

	return &SpectralNorm[B]{
		module:   m,
		target:   target,
		u:        NewBuffer("weight_u", u),
		eps:      1e-12,
		training: true,
	}
}

// Forward runs the wrapped layer with its weight divided by sigma.
func (s *SpectralNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	weight := s.target.Weight()
	sigma := s.sigma()

	orig := weight.tensor
	weight.tensor = orig.MulScalar(float32(1 / sigma))
	defer func() { weight.tensor = orig }()

	return s.module.Forward(input)
}

// sigma estimates the largest singular value of the weight matrix.
func (s *SpectralNorm[B]) sigma() float64 {
	w := s.target.Weight().Tensor()
	data := w.Data()
	rows := w.Shape()[0]
	cols := len(data) / rows
	u := s.u.Tensor().Data()

	// v = normalize(W^T u)
	v := make([]float32, cols)
	for r := 0; r < rows; r++ {
		ur := u[r]
		row := data[r*cols : (r+1)*cols]
		for c, wv := range row {
			v[c] += ur * wv
		}
	}
	normalize(v, s.eps)

	// Wv, and u = normalize(Wv) when training.
	wv := make([]float32, rows)
	for r := 0; r < rows; r++ {
		var sum float64
		for c, x := range data[r*cols : (r+1)*cols] {
			sum += float64(x) * float64(v[c])
		}
		wv[r] = float32(sum)
	}
	if s.training {
		copy(u, wv)
		normalize(u, s.eps)
	}

	var sigma float64
	for r := range wv {
		sigma += float64(u[r]) * float64(wv[r])
	}
	if sigma < s.eps {
		sigma = s.eps
	}
	return sigma
}

func normalize(v []float32, eps float64) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Max(math.Sqrt(norm), eps)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// SetTraining enables or disables the power iteration.
func (s *SpectralNorm[B]) SetTraining(training bool) {
	s.training = training
}

// Training reports the current mode.
func (s *SpectralNorm[B]) Training() bool {
	return s.training
}

// Parameters returns the wrapped layer's parameters.
func (s *SpectralNorm[B]) Parameters() []*Parameter[B] {
	return s.module.Parameters()
}

// Buffers returns [weight_u].
func (s *SpectralNorm[B]) Buffers() []*Parameter[B] {
	return []*Parameter[B]{s.u}
}

// Children returns the wrapped layer as "module".
func (s *SpectralNorm[B]) Children() []Child[B] {
	return []Child[B]{{Name: "module", Component: s.module}}
}

// Module returns the wrapped layer.
func (s *SpectralNorm[B]) Module() Module[B] {
	return s.module
}

// Weight returns the wrapped layer's (unnormalized) weight.
func (s *SpectralNorm[B]) Weight() *Parameter[B] {
	return s.target.Weight()
}

// Bias returns the wrapped layer's bias, if any.
func (s *SpectralNorm[B]) Bias() *Parameter[B] {
	if biased, ok := s.module.(Biased[B]); ok {
		return biased.Bias()
	}
	return nil
}
