package zoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

type testBackend = *cpu.CPUBackend

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry[testBackend]()
	names := r.Names()

	for _, want := range []string{
		"regnet", "hourglass", "gan-generator", "gan-discriminator",
		"ssd-head", "rpn-head", "mask-head", "box2fc-head",
	} {
		assert.Contains(t, names, want)
	}
	assert.IsNonDecreasing(t, names)
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry[testBackend]()
	b := nn.NewBuilder(cpu.New(), 1)

	m, err := r.Build("regnet", b)
	require.NoError(t, err)
	assert.Equal(t, "regnet", m.Name)
	assert.Equal(t, []tensor.Shape{{3, 32, 32}}, m.InputShapes)
	total, _ := nn.CountParameters(m.Component)
	assert.Equal(t, 3920266, total)

	for _, name := range r.Names() {
		m, err := r.Build(name, b)
		require.NoError(t, err, name)
		assert.NotEmpty(t, m.InputShapes, name)
		assert.NotEmpty(t, m.Component.Parameters(), name)
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry[testBackend]()

	_, err := r.Build("vgg", nn.NewBuilder(cpu.New(), 1))
	assert.ErrorIs(t, err, ErrUnknownModel)

	bad := nn.NewBuilder(cpu.New(), 1)
	bad.Norm = "instance"
	_, err = r.Build("regnet", bad)
	assert.Error(t, err)
}

func TestModel_Forward(t *testing.T) {
	r := NewRegistry[testBackend]()
	r.Register("tiny", func(b *nn.Builder[testBackend]) (nn.Component[testBackend], []tensor.Shape) {
		conv := nn.NewConvBlock(b, nn.ConvBlockConfig{In: 3, Out: 4, Kernel: 3, Stride: 2, Norm: nn.NormBatch})
		return conv, []tensor.Shape{{3, 8, 8}}
	})
	b := nn.NewBuilder(cpu.New(), 1)

	m, err := r.Build("tiny", b)
	require.NoError(t, err)
	xs := m.RandomInputs(b, 2)
	require.Len(t, xs, 1)
	assert.Equal(t, tensor.Shape{2, 3, 8, 8}, xs[0].Shape())

	out := m.Forward(xs...)
	require.Len(t, out, 1)
	assert.Equal(t, tensor.Shape{2, 4, 4, 4}, out[0].Shape())
}
