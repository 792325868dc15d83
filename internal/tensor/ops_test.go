package tensor_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/tensor"
)

func TestFromSlice(t *testing.T) {
	backend := cpu.New()

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	assert.Equal(t, float32(6), x.At(1, 2))
	assert.Equal(t, 3, x.Dim(-1))

	x.Set(10, 0, 0)
	assert.Equal(t, float32(10), x.Data()[0])

	_, err = tensor.FromSlice([]float32{1, 2}, tensor.Shape{3}, backend)
	assert.Error(t, err)
}

func TestCreation(t *testing.T) {
	backend := cpu.New()

	assert.Equal(t, []float64{1, 1, 1}, tensor.Ones[float64](tensor.Shape{3}, backend).Data())
	assert.Equal(t, []float32{2.5, 2.5}, tensor.Full[float32](tensor.Shape{2}, 2.5, backend).Data())

	a := tensor.Randn[float32](tensor.Shape{4, 4}, rand.New(rand.NewSource(7)), backend)
	b := tensor.Randn[float32](tensor.Shape{4, 4}, rand.New(rand.NewSource(7)), backend)
	assert.Equal(t, a.Data(), b.Data(), "same seed must give the same values")

	u := tensor.Rand[float32](tensor.Shape{100}, rand.New(rand.NewSource(1)), backend)
	for _, v := range u.Data() {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(1))
	}
}

func TestTensorOps(t *testing.T) {
	backend := cpu.New()
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)

	t.Run("Reshape", func(t *testing.T) {
		y := x.Reshape(3, -1)
		assert.Equal(t, tensor.Shape{3, 2}, y.Shape())
	})

	t.Run("Flatten", func(t *testing.T) {
		img := tensor.Zeros[float32](tensor.Shape{2, 3, 4, 5}, backend)
		assert.Equal(t, tensor.Shape{2, 60}, img.Flatten(1).Shape())
	})

	t.Run("Squeeze", func(t *testing.T) {
		y := tensor.Zeros[float32](tensor.Shape{2, 1, 3, 1}, backend)
		assert.Equal(t, tensor.Shape{2, 3}, y.Squeeze().Shape())
	})

	t.Run("Scalar", func(t *testing.T) {
		assert.Equal(t, []float32{2, 3, 4, 5, 6, 7}, x.AddScalar(1).Data())
		assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, x.MulScalar(2).Data())
	})

	t.Run("Stack", func(t *testing.T) {
		s := tensor.Stack([]*tensor.Tensor[float32, *cpu.CPUBackend]{x, x, x})
		assert.Equal(t, tensor.Shape{3, 2, 3}, s.Shape())
	})

	t.Run("MaxStack", func(t *testing.T) {
		y, err := tensor.FromSlice([]float32{6, 5, 4, 3, 2, 1}, tensor.Shape{2, 3}, backend)
		require.NoError(t, err)
		m := tensor.MaxStack([]*tensor.Tensor[float32, *cpu.CPUBackend]{x, y})
		assert.Equal(t, []float32{6, 5, 4, 4, 5, 6}, m.Data())

		z := tensor.Zeros[float32](tensor.Shape{3, 2}, backend)
		assert.Panics(t, func() {
			tensor.MaxStack([]*tensor.Tensor[float32, *cpu.CPUBackend]{x, z})
		})
	})

	t.Run("Item", func(t *testing.T) {
		one := tensor.Full[float32](tensor.Shape{1, 1}, 3, backend)
		assert.Equal(t, float32(3), one.Item())
		assert.Panics(t, func() { x.Item() })
	})
}
