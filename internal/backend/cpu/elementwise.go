package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/vision/internal/tensor"
)

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float64) float64 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float64) float64 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float64) float64 { return x * y })
}

// Div performs element-wise division with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("div", a, b, func(x, y float64) float64 { return x / y })
}

// Maximum returns the element-wise maximum with broadcasting.
func (cpu *CPUBackend) Maximum(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("maximum", a, b, math.Max)
}

// AddScalar adds scalar to every element.
func (cpu *CPUBackend) AddScalar(x *tensor.RawTensor, scalar float64) *tensor.RawTensor {
	return cpu.unary("add_scalar", x, func(v float64) float64 { return v + scalar })
}

// MulScalar multiplies every element by scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float64) *tensor.RawTensor {
	return cpu.unary("mul_scalar", x, func(v float64) float64 { return v * scalar })
}

// ReLU computes max(0, x).
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("relu", x, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// LeakyReLU computes x for x > 0 and slope*x otherwise.
func (cpu *CPUBackend) LeakyReLU(x *tensor.RawTensor, slope float64) *tensor.RawTensor {
	return cpu.unary("leaky_relu", x, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return slope * v
	})
}

// Sigmoid computes 1 / (1 + exp(-x)).
func (cpu *CPUBackend) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("sigmoid", x, func(v float64) float64 {
		return 1 / (1 + math.Exp(-v))
	})
}

// Tanh computes the hyperbolic tangent.
func (cpu *CPUBackend) Tanh(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("tanh", x, math.Tanh)
}

func (cpu *CPUBackend) unary(op string, x *tensor.RawTensor, f func(float64) float64) *tensor.RawTensor {
	dt := requireFloat(op, x)
	out := cpu.alloc(op, x.Shape(), dt)
	switch dt {
	case tensor.Float32:
		mapFloats(floats[float32](out), floats[float32](x), f)
	case tensor.Float64:
		mapFloats(floats[float64](out), floats[float64](x), f)
	}
	return out
}

func mapFloats[T tensor.Float](dst, src []T, f func(float64) float64) {
	for i, v := range src {
		dst[i] = T(f(float64(v)))
	}
}

func (cpu *CPUBackend) binary(op string, a, b *tensor.RawTensor, f func(x, y float64) float64) *tensor.RawTensor {
	dt := requireFloat(op, a, b)
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}
	out := cpu.alloc(op, outShape, dt)

	switch dt {
	case tensor.Float32:
		binaryFloats(floats[float32](out), floats[float32](a), floats[float32](b), a.Shape(), b.Shape(), outShape, needsBroadcast, f)
	case tensor.Float64:
		binaryFloats(floats[float64](out), floats[float64](a), floats[float64](b), a.Shape(), b.Shape(), outShape, needsBroadcast, f)
	}
	return out
}

// broadcastStrides aligns shape to outShape and zeroes the stride of every
// broadcast dimension.
func broadcastStrides(shape, outShape tensor.Shape) []int {
	strides := make([]int, len(outShape))
	src := shape.ComputeStrides()
	off := len(outShape) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			strides[off+i] = src[i]
		}
	}
	return strides
}

func binaryFloats[T tensor.Float](out, a, b []T, aShape, bShape, outShape tensor.Shape, needsBroadcast bool, f func(x, y float64) float64) {
	if !needsBroadcast {
		for i := range out {
			out[i] = T(f(float64(a[i]), float64(b[i])))
		}
		return
	}

	rank := len(outShape)
	as := broadcastStrides(aShape, outShape)
	bs := broadcastStrides(bShape, outShape)
	idx := make([]int, rank)
	ai, bi := 0, 0
	for o := range out {
		out[o] = T(f(float64(a[ai]), float64(b[bi])))
		// Odometer increment over the output index.
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			ai += as[d]
			bi += bs[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= as[d] * outShape[d]
			bi -= bs[d] * outShape[d]
			idx[d] = 0
		}
	}
}
