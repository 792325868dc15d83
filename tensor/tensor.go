// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public tensor types of born vision.
//
// Tensors are forward-only, contiguous and row-major. Image batches use the
// NCHW layout.
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{1, 3, 224, 224}, backend)
//	y := x.AddScalar(1).Reshape(1, -1)
package tensor

import (
	"math/rand"

	"github.com/born-ml/vision/internal/tensor"
)

// DType constrains tensor element types: float32, float64, int32, int64.
type DType = tensor.DType

// Float constrains floating point element types.
type Float = tensor.Float

// DataType is the runtime element type of a RawTensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
)

// Device is where tensor data lives.
type Device = tensor.Device

// CPU is the host device.
const CPU Device = tensor.CPU

// Shape lists tensor dimensions, e.g. Shape{2, 3, 32, 32}.
type Shape = tensor.Shape

// Backend is the set of kernels a compute backend implements.
type Backend = tensor.Backend

// RawTensor is the untyped tensor representation backends work on.
type RawTensor = tensor.RawTensor

// Tensor is a typed tensor bound to a backend.
type Tensor[T DType, B Backend] = tensor.Tensor[T, B]

// InterpMode selects nearest or bilinear resampling.
type InterpMode = tensor.InterpMode

// Interpolation modes.
const (
	Nearest  InterpMode = tensor.Nearest
	Bilinear InterpMode = tensor.Bilinear
)

// NewRaw allocates a zeroed raw tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromSlice creates a tensor holding a copy of data.
func FromSlice[T DType, B Backend](data []T, shape Shape, b B) (*Tensor[T, B], error) {
	return tensor.FromSlice(data, shape, b)
}

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return tensor.Zeros[T](shape, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return tensor.Ones[T](shape, b)
}

// Full creates a tensor filled with value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	return tensor.Full(shape, value, b)
}

// Rand draws from U[0, 1) using rng.
func Rand[T Float, B Backend](shape Shape, rng *rand.Rand, b B) *Tensor[T, B] {
	return tensor.Rand[T](shape, rng, b)
}

// Randn draws from N(0, 1) using rng.
func Randn[T Float, B Backend](shape Shape, rng *rand.Rand, b B) *Tensor[T, B] {
	return tensor.Randn[T](shape, rng, b)
}

// Cat concatenates tensors along dim.
func Cat[T DType, B Backend](tensors []*Tensor[T, B], dim int) *Tensor[T, B] {
	return tensor.Cat(tensors, dim)
}

// Stack stacks equally shaped tensors along a new leading dimension.
func Stack[T DType, B Backend](tensors []*Tensor[T, B]) *Tensor[T, B] {
	return tensor.Stack(tensors)
}
