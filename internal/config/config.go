// Package config loads the YAML settings shared by the bornvision
// commands.
//
// Example file:
//
//	builder:
//	  seed: 7
//	  norm: gn
//	  gn_groups: 16
//	anchors:
//	  k: 9
//	  max_iter: 200
//	summary:
//	  batch_size: 2
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/vision/internal/anchor"
	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/imageio"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/parallel"
	"github.com/born-ml/vision/internal/summary"
	"github.com/born-ml/vision/internal/tensor"
)

// Builder configures nn.Builder.
type Builder struct {
	Seed       int64   `yaml:"seed"`
	Norm       string  `yaml:"norm"`
	Activation string  `yaml:"activation"`
	BNEps      float64 `yaml:"bn_eps"`
	BNMomentum float64 `yaml:"bn_momentum"`
	GNGroups   int     `yaml:"gn_groups"`
	LeakySlope float64 `yaml:"leaky_slope"`
}

// Backend configures the CPU backend. Zero workers means one per CPU.
type Backend struct {
	Workers int `yaml:"workers"`
	MinWork int `yaml:"min_work"`
}

// Anchors configures anchor prior search.
type Anchors struct {
	K       int     `yaml:"k"`
	MaxIter int     `yaml:"max_iter"`
	Tol     float64 `yaml:"tol"`
	Seed    int64   `yaml:"seed"`
	Verbose bool    `yaml:"verbose"`
}

// Summary configures model summaries.
type Summary struct {
	BatchSize int `yaml:"batch_size"`
}

// Image configures image preprocessing.
type Image struct {
	Width    int        `yaml:"width"`
	Height   int        `yaml:"height"`
	ImageNet bool       `yaml:"imagenet_norm"`
	Mean     [3]float32 `yaml:"mean,flow"`
	Std      [3]float32 `yaml:"std,flow"`
}

// Config is the root of a settings file.
type Config struct {
	Backend Backend `yaml:"backend"`
	Builder Builder `yaml:"builder"`
	Anchors Anchors `yaml:"anchors"`
	Summary Summary `yaml:"summary"`
	Image   Image   `yaml:"image"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Builder: Builder{
			Norm:       nn.NormBatch,
			Activation: nn.ActReLU,
			BNEps:      1e-5,
			BNMomentum: 0.1,
			GNGroups:   32,
			LeakySlope: 0.1,
		},
		Anchors: Anchors{
			K:       9,
			MaxIter: anchor.DefaultFinderMaxIter,
			Tol:     anchor.DefaultTol,
		},
		Summary: Summary{BatchSize: summary.DefaultBatchSize},
		Image:   Image{Width: 224, Height: 224, ImageNet: true},
	}
}

// Read parses YAML from r on top of Default. Unknown keys are errors.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the file at path. An empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	//nolint:gosec // G304: config path is user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Read(bytes.NewReader(data))
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := c.newBuilder().Validate(); err != nil {
		return fmt.Errorf("config: builder: %w", err)
	}
	if c.Backend.Workers < 0 || c.Backend.MinWork < 0 {
		return fmt.Errorf("config: backend: invalid workers=%d min_work=%d", c.Backend.Workers, c.Backend.MinWork)
	}
	if c.Anchors.K <= 0 {
		return fmt.Errorf("config: anchors: k must be positive, got %d", c.Anchors.K)
	}
	if c.Anchors.MaxIter < 0 || c.Anchors.Tol < 0 {
		return fmt.Errorf("config: anchors: invalid max_iter=%d tol=%v", c.Anchors.MaxIter, c.Anchors.Tol)
	}
	if c.Summary.BatchSize < 0 {
		return fmt.Errorf("config: summary: invalid batch_size %d", c.Summary.BatchSize)
	}
	if c.Image.Width <= 0 || c.Image.Height <= 0 {
		return fmt.Errorf("config: image: invalid size %dx%d", c.Image.Width, c.Image.Height)
	}
	return nil
}

// newBuilder returns a backend-less builder for validation.
func (c *Config) newBuilder() *nn.Builder[*cpu.CPUBackend] {
	return applyBuilder(nn.NewBuilder[*cpu.CPUBackend](nil, c.Builder.Seed), c.Builder)
}

// NewBackend creates the CPU backend from the backend section.
func (c *Config) NewBackend() *cpu.CPUBackend {
	par := parallel.DefaultConfig()
	if c.Backend.Workers > 0 {
		par.Workers = c.Backend.Workers
	}
	if c.Backend.MinWork > 0 {
		par.MinWork = c.Backend.MinWork
	}
	return cpu.NewWithConfig(par)
}

// NewBuilder creates an nn.Builder from the builder section.
func NewBuilder[B tensor.Backend](c *Config, backend B) *nn.Builder[B] {
	return applyBuilder(nn.NewBuilder(backend, c.Builder.Seed), c.Builder)
}

func applyBuilder[B tensor.Backend](b *nn.Builder[B], s Builder) *nn.Builder[B] {
	b.Norm = s.Norm
	b.Activation = s.Activation
	b.BNEps = s.BNEps
	b.BNMomentum = s.BNMomentum
	b.GNGroups = s.GNGroups
	b.LeakySlope = s.LeakySlope
	return b
}

// AnchorOptions converts the anchors section.
func (c *Config) AnchorOptions() anchor.Options {
	return anchor.Options{
		Seed:    c.Anchors.Seed,
		MaxIter: c.Anchors.MaxIter,
		Tol:     c.Anchors.Tol,
		Verbose: c.Anchors.Verbose,
	}
}

// SummaryOptions converts the summary section.
func (c *Config) SummaryOptions() summary.Options {
	return summary.Options{BatchSize: c.Summary.BatchSize}
}

// Normalize converts the image section.
func (c *Config) Normalize() imageio.Normalize {
	if c.Image.ImageNet {
		return imageio.ImageNet()
	}
	return imageio.Normalize{Mean: c.Image.Mean, Std: c.Image.Std}
}
