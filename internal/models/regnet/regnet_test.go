package regnet

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

func TestRegNet_DefaultParameterCount(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 0)
	model := New(b, DefaultConfig())

	total, trainable := nn.CountParameters[testBackend](model)
	assert.Equal(t, 3920266, total)
	assert.Equal(t, total, trainable)
}

func TestRegNet_Forward(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 0)
	model := New(b, Config{
		StemChannels:     8,
		ChannelsPerStage: []int{16, 32},
		UnitsPerStage:    []int{1, 2},
		ChannelsPerGroup: 8,
		UseSE:            true,
		NumClasses:       5,
	})

	x := tensor.Randn[float32](tensor.Shape{2, 3, 16, 16}, rand.New(rand.NewSource(1)), b.Backend)
	out := model.Forward(x)
	assert.Equal(t, tensor.Shape{2, 5}, out.Shape())
}

func TestRegNet_StateDictNames(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 0)
	model := New(b, DefaultConfig())
	state := nn.StateDict[testBackend](model)

	for _, key := range []string{
		"conv.conv.weight",
		"conv.norm.running_var",
		"layer1.0.conv2.conv.weight",
		"layer1.0.se.f_ex.0.weight",
		"layer1.0.shortcut.conv.weight",
		"layer2.7.conv3.norm.weight",
		"fc.bias",
	} {
		assert.Contains(t, state, key)
	}
	// Identity shortcuts hold no state.
	assert.NotContains(t, state, "layer1.1.shortcut.conv.weight")
}

func TestBottleneck_InitWeightsStartsAsShortcut(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 3)
	unit := NewBottleneck(b, 8, 8, 1, 2, true)
	unit.InitWeights()

	x := tensor.Randn[float32](tensor.Shape{2, 8, 4, 4}, rand.New(rand.NewSource(2)), b.Backend)
	out := unit.Forward(x)

	require.Equal(t, x.Shape(), out.Shape())
	for i, v := range x.Data() {
		assert.InDelta(t, max(v, 0), out.Data()[i], 1e-6)
	}
}

func TestBottleneck_Shortcut(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 0)

	down := NewBottleneck(b, 8, 16, 2, 2, false)
	assert.IsType(t, &nn.ConvBlock[testBackend]{}, down.shortcut)
	assert.Nil(t, down.se)

	x := tensor.Zeros[float32](tensor.Shape{2, 8, 8, 8}, b.Backend)
	assert.Equal(t, tensor.Shape{2, 16, 4, 4}, down.Forward(x).Shape())

	same := NewBottleneck(b, 16, 16, 1, 2, false)
	assert.IsType(t, &nn.Identity[testBackend]{}, same.shortcut)
}

func TestRegNet_InitWeights(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 0)
	model := New(b, Config{
		StemChannels:     8,
		ChannelsPerStage: []int{16},
		UnitsPerStage:    []int{2},
		ChannelsPerGroup: 8,
		NumClasses:       2,
	})
	model.InitWeights()

	state := nn.StateDict[testBackend](model)
	for _, key := range []string{"layer1.0.conv3.norm.weight", "layer1.1.conv3.norm.weight"} {
		for _, v := range state[key].AsFloat32() {
			assert.Zero(t, v, key)
		}
	}
	for _, v := range state["layer1.0.conv2.norm.weight"].AsFloat32() {
		assert.Equal(t, float32(1), v)
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"mismatched stages", func(c *Config) { c.UnitsPerStage = []int{1} }},
		{"width not multiple of group", func(c *Config) { c.ChannelsPerStage = []int{96, 250, 640} }},
		{"zero units", func(c *Config) { c.UnitsPerStage = []int{4, 0, 2} }},
		{"no classes", func(c *Config) { c.NumClasses = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
			assert.Panics(t, func() { New(nn.NewBuilder(cpu.New(), 0), cfg) })
		})
	}
}
