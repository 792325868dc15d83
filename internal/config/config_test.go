package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/anchor"
	"github.com/born-ml/vision/internal/imageio"
	"github.com/born-ml/vision/internal/nn"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9, cfg.Anchors.K)
	assert.Equal(t, anchor.DefaultFinderMaxIter, cfg.AnchorOptions().MaxIter)
	assert.Equal(t, 2, cfg.SummaryOptions().BatchSize)
	assert.Equal(t, imageio.ImageNet(), cfg.Normalize())

	b := NewBuilder(cfg, cfg.NewBackend())
	assert.Equal(t, nn.NormBatch, b.Norm)
	assert.Equal(t, 32, b.GNGroups)
}

func TestRead_Overlay(t *testing.T) {
	cfg, err := Read(strings.NewReader(`
backend:
  workers: 2
builder:
  seed: 7
  norm: gn
  gn_groups: 16
anchors:
  k: 5
  verbose: true
image:
  width: 64
  height: 32
  imagenet_norm: false
  mean: [0.5, 0.5, 0.5]
  std: [0.25, 0.25, 0.25]
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Backend.Workers)
	assert.Equal(t, int64(7), cfg.Builder.Seed)
	assert.Equal(t, nn.ActReLU, cfg.Builder.Activation, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Anchors.K)
	assert.True(t, cfg.AnchorOptions().Verbose)
	assert.Equal(t, imageio.Normalize{
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.25, 0.25, 0.25},
	}, cfg.Normalize())

	b := NewBuilder(cfg, cfg.NewBackend())
	assert.Equal(t, nn.NormGroup, b.Norm)
	assert.Equal(t, 16, b.GNGroups)

	// Same seed, same weights.
	c1 := nn.NewConv2D(NewBuilder(cfg, cfg.NewBackend()), nn.Conv2DConfig{In: 1, Out: 1, Kernel: 3})
	c2 := nn.NewConv2D(NewBuilder(cfg, cfg.NewBackend()), nn.Conv2DConfig{In: 1, Out: 1, Kernel: 3})
	assert.Equal(t, c1.Weight().Tensor().Data(), c2.Weight().Tensor().Data())
}

func TestRead_Empty(t *testing.T) {
	cfg, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestRead_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "builder:\n  nrom: gn\n",
		"bad norm":     "builder:\n  norm: ln\n",
		"bad momentum": "builder:\n  bn_momentum: 2\n",
		"k":            "anchors:\n  k: 0\n",
		"workers":      "backend:\n  workers: -1\n",
		"image":        "image:\n  width: 0\n",
		"batch":        "summary:\n  batch_size: -3\n",
		"syntax":       "builder: [\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vision.yaml")
	require.NoError(t, os.WriteFile(path, []byte("anchors:\n  k: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Anchors.K)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
