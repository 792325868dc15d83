package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/vision/internal/tensor"
)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// Parameters:
//   - rng: Random source (see Builder)
//   - fanIn: Number of input units
//   - fanOut: Number of output units
//   - shape: Shape of the weight tensor
//   - backend: Backend to use for tensor creation
func Xavier[B tensor.Backend](rng *rand.Rand, fanIn, fanOut int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return Uniform(rng, -bound, bound, shape, backend)
}

// KaimingUniform is the default initialization of convolution and linear
// weights: U(-1/sqrt(fan_in), 1/sqrt(fan_in)), i.e. Kaiming uniform with
// a = sqrt(5). Biases use the same bound.
func KaimingUniform[B tensor.Backend](rng *rand.Rand, fanIn int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	bound := 1 / math.Sqrt(float64(max(fanIn, 1)))
	return Uniform(rng, -bound, bound, shape, backend)
}

// Uniform draws from U(lo, hi).
func Uniform[B tensor.Backend](rng *rand.Rand, lo, hi float64, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	t := tensor.Zeros[float32](shape, backend)
	data := t.Data()
	for i := range data {
		data[i] = float32(lo + rng.Float64()*(hi-lo))
	}
	return t
}

// Normal draws from N(0, std^2).
func Normal[B tensor.Backend](rng *rand.Rand, std float64, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	t := tensor.Zeros[float32](shape, backend)
	data := t.Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// Constant creates a tensor filled with v.
func Constant[B tensor.Backend](v float32, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Full[float32](shape, v, backend)
}

// InverseSigmoid returns the logit whose sigmoid is p: -log((1-p)/p).
//
// Used to initialize classification biases so the initial foreground
// probability is p.
func InverseSigmoid(p float64) float64 {
	return -math.Log((1 - p) / p)
}

// Weighted is a layer with a weight parameter.
type Weighted[B tensor.Backend] interface {
	Weight() *Parameter[B]
}

// Biased is a layer with an optional bias parameter.
type Biased[B tensor.Backend] interface {
	Bias() *Parameter[B]
}

// WeightInitNormal redraws the weight of m from N(0, std^2).
func WeightInitNormal[B tensor.Backend](rng *rand.Rand, m Weighted[B], std float64) {
	w := m.Weight()
	if w == nil {
		return
	}
	data := w.Tensor().Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

// BiasInitConstant sets the bias of m to v. Layers without bias are left
// unchanged.
func BiasInitConstant[B tensor.Backend](m Biased[B], v float32) {
	if bias := m.Bias(); bias != nil {
		bias.Fill(v)
	}
}
