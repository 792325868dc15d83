package main

import (
	"flag"
	"fmt"

	"github.com/born-ml/vision/internal/anchor"
	"github.com/born-ml/vision/internal/anchor/coco"
	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/checkpoint"
	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/imageio"
	"github.com/born-ml/vision/internal/models/zoo"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/summary"
	"github.com/born-ml/vision/internal/tensor"
)

type backend = *cpu.CPUBackend

func runModels(e *env, _ []string) error {
	for _, name := range zoo.NewRegistry[backend]().Names() {
		fmt.Fprintln(e.stdout, name)
	}
	return nil
}

func runAnchors(e *env, args []string) error {
	fs, verbose := e.newFlagSet("anchors")
	annotations := fs.String("coco", "", "COCO instances JSON file (required)")
	cfgPath := fs.String("config", "", "YAML config file")
	k := fs.Int("k", 0, "number of priors (default from config)")
	seed := fs.Int64("seed", 0, "random seed (default from config)")
	if err := e.parse(fs, verbose, args); err != nil {
		return err
	}
	if *annotations == "" {
		return fmt.Errorf("anchors: -coco is required")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	opts := cfg.AnchorOptions()
	opts.Logger = e.logger
	opts.Verbose = opts.Verbose || *verbose
	if isSet(fs, "seed") {
		opts.Seed = *seed
	}
	n := cfg.Anchors.K
	if *k > 0 {
		n = *k
	}
	e.logger.Debug("anchor search", "k", n, "seed", opts.Seed, "max_iter", opts.MaxIter)

	ds, err := coco.Open(*annotations)
	if err != nil {
		return err
	}
	priors, err := anchor.FindPriorsDataset(ds, n, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "width,height")
	for _, p := range priors {
		fmt.Fprintf(e.stdout, "%.4f,%.4f\n", p[0], p[1])
	}
	return nil
}

// modelFlags are the flags of commands that build a zoo model.
type modelFlags struct {
	name    *string
	config  *string
	weights *string
}

func addModelFlags(fs *flag.FlagSet, weights bool) modelFlags {
	mf := modelFlags{
		name:   fs.String("model", "", "model name, see 'bornvision models' (required)"),
		config: fs.String("config", "", "YAML config file"),
	}
	if weights {
		mf.weights = fs.String("weights", "", "checkpoint to restore")
	}
	return mf
}

// build loads the config and constructs the model.
func (mf modelFlags) build(e *env) (*config.Config, *nn.Builder[backend], *zoo.Model[backend], error) {
	if *mf.name == "" {
		return nil, nil, nil, fmt.Errorf("-model is required")
	}
	cfg, err := config.Load(*mf.config)
	if err != nil {
		return nil, nil, nil, err
	}
	b := config.NewBuilder(cfg, cfg.NewBackend())
	m, err := zoo.NewRegistry[backend]().Build(*mf.name, b)
	if err != nil {
		return nil, nil, nil, err
	}
	if mf.weights != nil && *mf.weights != "" {
		f, err := checkpoint.Restore[backend](*mf.weights, m.Component)
		if err != nil {
			return nil, nil, nil, err
		}
		e.logger.Info("restored checkpoint", "path", *mf.weights, "id", f.ID(), "tensors", len(f.Tensors))
	}
	total, trainable := nn.CountParameters(m.Component)
	e.logger.Debug("model built", "model", m.Name, "params", total, "trainable", trainable)
	return cfg, b, m, nil
}

func runSummary(e *env, args []string) error {
	fs, verbose := e.newFlagSet("summary")
	mf := addModelFlags(fs, true)
	if err := e.parse(fs, verbose, args); err != nil {
		return err
	}
	cfg, b, m, err := mf.build(e)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	_, err = summary.Print(e.stdout, b, m.Component, cfg.SummaryOptions(), m.InputShapes...)
	return err
}

func runInit(e *env, args []string) error {
	fs, verbose := e.newFlagSet("init")
	mf := addModelFlags(fs, false)
	out := fs.String("out", "", "output checkpoint path (required)")
	if err := e.parse(fs, verbose, args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("init: -out is required")
	}
	cfg, _, m, err := mf.build(e)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	id, err := checkpoint.Save(*out, m.Component, map[string]string{
		"model": m.Name,
		"seed":  fmt.Sprint(cfg.Builder.Seed),
	})
	if err != nil {
		return err
	}
	e.logger.Info("checkpoint written", "path", *out, "id", id)
	fmt.Fprintln(e.stdout, id)
	return nil
}

func runForward(e *env, args []string) error {
	fs, verbose := e.newFlagSet("forward")
	mf := addModelFlags(fs, true)
	image := fs.String("image", "", "input image, resized to the model input (default random)")
	batch := fs.Int("batch", 1, "batch size of random inputs")
	if err := e.parse(fs, verbose, args); err != nil {
		return err
	}
	cfg, b, m, err := mf.build(e)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	var inputs []*tensor.Tensor[float32, backend]
	if *image != "" {
		x, err := imageInput(cfg, b, m, *image)
		if err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		inputs = append(inputs, x)
	} else {
		if *batch <= 0 {
			return fmt.Errorf("forward: invalid batch %d", *batch)
		}
		inputs = m.RandomInputs(b, *batch)
	}

	nn.SetTraining(m.Component, false)
	outputs, err := forward(m, inputs)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	for i, out := range outputs {
		fmt.Fprintf(e.stdout, "output %d: %s %s\n", i, out.Shape(), stats(out.Data()))
	}
	return nil
}

// imageInput loads path at the model's input resolution. A model without a
// single [3, H, W] input falls back to the config image size.
func imageInput(cfg *config.Config, b *nn.Builder[backend], m *zoo.Model[backend], path string) (*tensor.Tensor[float32, backend], error) {
	if len(m.InputShapes) != 1 {
		return nil, fmt.Errorf("%s takes %d inputs, -image needs one", m.Name, len(m.InputShapes))
	}
	s := m.InputShapes[0]
	if len(s) != 3 || s[0] != 3 {
		return nil, fmt.Errorf("%s input %v is not an RGB image", m.Name, s)
	}
	w, h := s[2], s[1]
	if w <= 0 || h <= 0 {
		w, h = cfg.Image.Width, cfg.Image.Height
	}
	return imageio.LoadTensor(path, w, h, cfg.Normalize(), b.Backend)
}

func forward(m *zoo.Model[backend], inputs []*tensor.Tensor[float32, backend]) (outs []*tensor.Tensor[float32, backend], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", m.Name, r)
		}
	}()
	return m.Forward(inputs...), nil
}

// isSet reports whether the flag name was given on the command line.
func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		set = set || f.Name == name
	})
	return set
}

func stats(data []float32) string {
	if len(data) == 0 {
		return "(empty)"
	}
	lo, hi, sum := data[0], data[0], 0.0
	for _, v := range data {
		lo = min(lo, v)
		hi = max(hi, v)
		sum += float64(v)
	}
	return fmt.Sprintf("min=%.4f max=%.4f mean=%.4f", lo, hi, sum/float64(len(data)))
}
