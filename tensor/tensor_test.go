// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/backend/cpu"
	"github.com/born-ml/vision/tensor"
)

func TestRawTensor(t *testing.T) {
	raw, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, 6, raw.NumElements())
	assert.Equal(t, 24, raw.ByteSize())
	assert.Equal(t, tensor.CPU, raw.Device())
}

func TestCreation(t *testing.T) {
	b := cpu.New()

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)
	require.NoError(t, err)
	assert.Equal(t, float32(6), x.At(1, 2))

	_, err = tensor.FromSlice([]float32{1, 2}, tensor.Shape{3}, b)
	assert.Error(t, err)

	assert.Equal(t, []float32{0, 0}, tensor.Zeros[float32](tensor.Shape{2}, b).Data())
	assert.Equal(t, []float32{1, 1}, tensor.Ones[float32](tensor.Shape{2}, b).Data())
	assert.Equal(t, []int32{7, 7, 7}, tensor.Full[int32](tensor.Shape{3}, 7, b).Data())

	r := tensor.Rand[float32](tensor.Shape{100}, rand.New(rand.NewSource(1)), b)
	for _, v := range r.Data() {
		assert.True(t, v >= 0 && v < 1)
	}
	n1 := tensor.Randn[float32](tensor.Shape{4}, rand.New(rand.NewSource(3)), b)
	n2 := tensor.Randn[float32](tensor.Shape{4}, rand.New(rand.NewSource(3)), b)
	assert.Equal(t, n1.Data(), n2.Data())
}

func TestCatStack(t *testing.T) {
	b := cpu.New()
	a := tensor.Ones[float32](tensor.Shape{1, 2}, b)
	z := tensor.Zeros[float32](tensor.Shape{1, 2}, b)

	assert.Equal(t, tensor.Shape{1, 4}, tensor.Cat([]*tensor.Tensor[float32, *cpu.Backend]{a, z}, 1).Shape())
	s := tensor.Stack([]*tensor.Tensor[float32, *cpu.Backend]{a, z})
	assert.Equal(t, tensor.Shape{2, 1, 2}, s.Shape())
	assert.Equal(t, []float32{1, 1, 0, 0}, s.Data())
}
