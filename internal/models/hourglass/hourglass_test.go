package hourglass

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

func randn(shape tensor.Shape) *tensor.Tensor[float32, testBackend] {
	return tensor.Randn[float32](shape, rand.New(rand.NewSource(7)), cpu.New())
}

func TestBottleneck(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	unit := NewBottleneck[testBackend](b, 8, 4, 1, nil)

	total, _ := nn.CountParameters[testBackend](unit)
	assert.Equal(t, 256, total)

	out := unit.Forward(randn(tensor.Shape{2, 8, 5, 5}))
	assert.Equal(t, tensor.Shape{2, 8, 5, 5}, out.Shape())

	assert.Panics(t, func() { NewBottleneck[testBackend](b, 4, 4, 1, nil) })
}

func TestHourglass_KeepsShape(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	h := NewHourglass(b, 1, 4, 2)
	assert.Equal(t, 2, h.Depth())

	out := h.Forward(randn(tensor.Shape{2, 8, 8, 8}))
	assert.Equal(t, tensor.Shape{2, 8, 8, 8}, out.Shape())

	state := nn.StateDict[testBackend](h)
	assert.Contains(t, state, "hg.0.3.0.conv1.weight")
	assert.Contains(t, state, "hg.1.2.0.bn3.running_mean")
	assert.NotContains(t, state, "hg.1.3.0.conv1.weight")
}

func TestHourglassNet_Forward(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	net := New(b, Config{NumStacks: 2, NumBlocks: 1, NumClasses: 1, Depth: 2})
	assert.Equal(t, 2, net.NumStacks())

	x := randn(tensor.Shape{2, 3, 16, 16})
	features := net.Features(x)
	require.Len(t, features, 3)
	assert.Equal(t, tensor.Shape{2, 1, 16, 16}, features[0].Shape())
	assert.Equal(t, tensor.Shape{2, 1, 8, 8}, features[1].Shape())
	assert.Equal(t, tensor.Shape{2, 1, 8, 8}, features[2].Shape())

	assert.Equal(t, tensor.Shape{2, 1, 16, 16}, net.Forward(x).Shape())
}

func TestHourglassNet_Structure(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	net := New(b, Config{NumStacks: 3, NumBlocks: 1, NumClasses: 2, Depth: 1})
	state := nn.StateDict[testBackend](net)

	// layer1 widens 64 -> 128 and needs a projection; layer2 does not.
	assert.Contains(t, state, "layer1.0.downsample.0.weight")
	assert.NotContains(t, state, "layer2.0.downsample.0.weight")
	assert.Contains(t, state, "layer3.0.downsample.0.weight")

	// Feedback convolutions exist for all but the last stack.
	assert.Contains(t, state, "fc_.1.weight")
	assert.NotContains(t, state, "fc_.2.weight")
	assert.Contains(t, state, "score_.1.bias")

	// Fuse sees the side output and every score map.
	assert.Equal(t, tensor.Shape{1, 1 + 3*2, 1, 1}, state["fuse.conv.weight"].Shape())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{NumStacks: 0, NumBlocks: 1, NumClasses: 1, Depth: 1}.Validate())
	assert.Panics(t, func() {
		New(nn.NewBuilder(cpu.New(), 1), Config{NumStacks: 1, NumBlocks: 1, NumClasses: 1})
	})
}
