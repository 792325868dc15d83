package gan

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

type testBackend = *cpu.CPUBackend

func randn(shape tensor.Shape, seed int64) *tensor.Tensor[float32, testBackend] {
	return tensor.Randn[float32](shape, rand.New(rand.NewSource(seed)), cpu.New())
}

func TestResBlock_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		resample Resample
		in, out  int
		want     tensor.Shape
		shortcut bool
	}{
		{"up", ResampleUp, 8, 4, tensor.Shape{2, 4, 12, 12}, true},
		{"down", ResampleDown, 3, 4, tensor.Shape{2, 4, 3, 3}, true},
		{"down same width", ResampleDown, 4, 4, tensor.Shape{2, 4, 3, 3}, true},
		{"plain widen", ResampleNone, 4, 8, tensor.Shape{2, 8, 6, 6}, true},
		{"plain identity", ResampleNone, 4, 4, tensor.Shape{2, 4, 6, 6}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := nn.NewBuilder(cpu.New(), 1)
			block := NewResBlock(b, tt.in, tt.out, tt.resample, true)
			out := block.Forward(randn(tensor.Shape{2, tt.in, 6, 6}, 2))
			assert.Equal(t, tt.want, out.Shape())
			assert.Equal(t, tt.shortcut, block.shortcut != nil)
			assert.Equal(t, tt.resample, block.Resample())
		})
	}
}

func TestResBlock_UnknownResample(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	assert.Panics(t, func() { NewResBlock(b, 4, 4, Resample("sideways"), false) })
}

func TestResNetGenerator(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	g := NewResNetGenerator(b, 8, 2, 3, true)
	assert.Equal(t, 8, g.InChannels())

	out := g.Forward(randn(tensor.Shape{2, 8}, 3))
	require.Equal(t, tensor.Shape{2, 3, 48, 48}, out.Shape())
	for _, v := range out.Data() {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(1))
	}

	assert.Panics(t, func() { g.Forward(randn(tensor.Shape{2, 7}, 3)) })
}

func TestResNetDiscriminator(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	d := NewResNetDiscriminator(b, 3, 2, 1, true)

	out := d.Forward(randn(tensor.Shape{2, 3, 48, 48}, 4))
	assert.Equal(t, tensor.Shape{2, 1}, out.Shape())
}

func TestSpectralNormState(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)

	withSN := nn.StateDict[testBackend](NewResNetGenerator(b, 4, 1, 3, true))
	assert.Contains(t, withSN, "dense.weight_u")
	assert.Contains(t, withSN, "dense.module.weight")
	assert.Contains(t, withSN, "conv.5.module.bias")
	assert.Contains(t, withSN, "conv.0.residual.3.weight_u")
	assert.Contains(t, withSN, "conv.0.shortcut.1.module.weight")

	plain := nn.StateDict[testBackend](NewResNetGenerator(b, 4, 1, 3, false))
	assert.Contains(t, plain, "dense.weight")
	assert.Contains(t, plain, "conv.5.weight")
	assert.NotContains(t, plain, "dense.weight_u")

	// Spectral norm adds buffers, never parameters.
	snTotal, _ := nn.CountParameters[testBackend](NewResNetGenerator(b, 4, 1, 3, true))
	plainTotal, _ := nn.CountParameters[testBackend](NewResNetGenerator(b, 4, 1, 3, false))
	assert.Equal(t, plainTotal, snTotal)
}
