// Package regnet implements a RegNet-style classification backbone for small
// (32x32) images: grouped bottleneck units with optional squeeze-and-excitation
// gates, arranged in stages that halve the resolution.
package regnet

import (
	"fmt"
	"strconv"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// SEReduction is the channel reduction of the gate inside every bottleneck.
const SEReduction = 4

// Bottleneck is conv1x1 -> grouped conv3x3 (strided) -> [SE] -> conv1x1,
// added to a shortcut and passed through the activation.
//
// The shortcut is a strided 1x1 conv block when the resolution or width
// changes, identity otherwise.
type Bottleneck[B tensor.Backend] struct {
	nn.Hooks[B]

	conv1    *nn.ConvBlock[B]
	conv2    *nn.ConvBlock[B]
	se       *nn.SE[B]
	conv3    *nn.ConvBlock[B]
	shortcut nn.Module[B]
	relu     nn.Module[B]
}

// NewBottleneck creates a bottleneck unit.
func NewBottleneck[B tensor.Backend](b *nn.Builder[B], in, out, stride, groups int, useSE bool) *Bottleneck[B] {
	if out%groups != 0 {
		panic(fmt.Sprintf("regnet: %d channels not divisible into %d groups", out, groups))
	}
	u := &Bottleneck[B]{
		conv1: nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: in, Out: out, Kernel: 1,
			Norm: nn.NormDefault, Activation: nn.ActDefault,
		}),
		conv2: nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: out, Out: out, Kernel: 3, Stride: stride, Groups: groups,
			Norm: nn.NormDefault, Activation: nn.ActDefault,
		}),
		conv3: nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: out, Out: out, Kernel: 1, Norm: nn.NormDefault,
		}),
		relu: b.ActivationLayer(nn.ActDefault),
	}
	if useSE {
		u.se = nn.NewSE(b, out, SEReduction)
	}
	if stride != 1 || in != out {
		u.shortcut = nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: in, Out: out, Kernel: 1, Stride: stride, Norm: nn.NormDefault,
		})
	} else {
		u.shortcut = nn.NewIdentity[B]()
	}
	return u
}

// Forward computes relu(conv3(se(conv2(conv1(x)))) + shortcut(x)).
func (u *Bottleneck[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	identity := u.shortcut.Forward(input)
	x := u.conv1.Forward(input)
	x = u.conv2.Forward(x)
	if u.se != nil {
		x = u.se.Forward(x)
	}
	x = u.conv3.Forward(x)
	x = u.relu.Forward(x.Add(identity))
	return u.Output(u, input, x)
}

// InitWeights zeroes the scale of the last norm layer, so a freshly
// initialized unit starts as its shortcut.
func (u *Bottleneck[B]) InitWeights() {
	if w, ok := u.conv3.Norm().(nn.Weighted[B]); ok {
		w.Weight().Fill(0)
	}
}

// Parameters returns the parameters of every layer.
func (u *Bottleneck[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(u.Children())
}

// Children returns conv1, conv2, se (if any), conv3, shortcut and relu.
func (u *Bottleneck[B]) Children() []nn.Child[B] {
	children := []nn.Child[B]{
		{Name: "conv1", Component: u.conv1},
		{Name: "conv2", Component: u.conv2},
	}
	if u.se != nil {
		children = append(children, nn.Child[B]{Name: "se", Component: u.se})
	}
	return append(children,
		nn.Child[B]{Name: "conv3", Component: u.conv3},
		nn.Child[B]{Name: "shortcut", Component: u.shortcut},
		nn.Child[B]{Name: "relu", Component: u.relu},
	)
}

// Config describes a RegNet.
type Config struct {
	StemChannels     int
	ChannelsPerStage []int
	UnitsPerStage    []int
	// ChannelsPerGroup sets the grouped conv width: stage groups are
	// channels / ChannelsPerGroup.
	ChannelsPerGroup int
	UseSE            bool
	NumClasses       int
}

// DefaultConfig returns the 10-class configuration with 3,920,266 parameters.
func DefaultConfig() Config {
	return Config{
		StemChannels:     32,
		ChannelsPerStage: []int{96, 256, 640},
		UnitsPerStage:    []int{4, 8, 2},
		ChannelsPerGroup: 16,
		UseSE:            true,
		NumClasses:       10,
	}
}

// Validate checks that the configuration describes a buildable network.
func (c Config) Validate() error {
	if c.StemChannels <= 0 || c.NumClasses <= 0 || c.ChannelsPerGroup <= 0 {
		return fmt.Errorf("regnet: stem channels, classes and channels per group must be positive")
	}
	if len(c.ChannelsPerStage) == 0 || len(c.ChannelsPerStage) != len(c.UnitsPerStage) {
		return fmt.Errorf("regnet: %d stage widths for %d stage depths", len(c.ChannelsPerStage), len(c.UnitsPerStage))
	}
	for i, ch := range c.ChannelsPerStage {
		if ch <= 0 || ch%c.ChannelsPerGroup != 0 {
			return fmt.Errorf("regnet: stage %d width %d is not a positive multiple of %d", i+1, ch, c.ChannelsPerGroup)
		}
		if ch/SEReduction == 0 && c.UseSE {
			return fmt.Errorf("regnet: stage %d width %d too small for SE", i+1, ch)
		}
		if c.UnitsPerStage[i] <= 0 {
			return fmt.Errorf("regnet: stage %d has %d units", i+1, c.UnitsPerStage[i])
		}
	}
	return nil
}

// RegNet is stem -> stages -> global average pool -> linear classifier.
//
// The first stage keeps the stem resolution; every later stage halves it.
type RegNet[B tensor.Backend] struct {
	nn.Hooks[B]

	stem    *nn.ConvBlock[B]
	layers  []*nn.Sequential[B]
	avgPool *nn.AdaptiveAvgPool2D[B]
	fc      *nn.Linear[B]
}

// New builds a RegNet. Panics if cfg is invalid.
func New[B tensor.Backend](b *nn.Builder[B], cfg Config) *RegNet[B] {
	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}
	r := &RegNet[B]{
		stem: nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: 3, Out: cfg.StemChannels, Kernel: 3,
			Norm: nn.NormDefault, Activation: nn.ActDefault,
		}),
		avgPool: nn.NewAdaptiveAvgPool2D[B](1, 1),
	}

	in := cfg.StemChannels
	for i, out := range cfg.ChannelsPerStage {
		stride := 2
		if i == 0 {
			stride = 1
		}
		groups := out / cfg.ChannelsPerGroup
		stage := nn.NewSequential[B](NewBottleneck(b, in, out, stride, groups, cfg.UseSE))
		for j := 1; j < cfg.UnitsPerStage[i]; j++ {
			stage.Add(NewBottleneck(b, out, out, 1, groups, cfg.UseSE))
		}
		r.layers = append(r.layers, stage)
		in = out
	}
	r.fc = nn.NewLinear(b, in, cfg.NumClasses)
	return r
}

// Forward maps [N, 3, H, W] images to [N, NumClasses] logits.
func (r *RegNet[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := r.stem.Forward(input)
	for _, layer := range r.layers {
		x = layer.Forward(x)
	}
	x = r.avgPool.Forward(x)
	x = x.Reshape(x.Dim(0), -1)
	return r.Output(r, input, r.fc.Forward(x))
}

// InitWeights applies Bottleneck.InitWeights to every unit.
func (r *RegNet[B]) InitWeights() {
	nn.Walk[B](r, func(_ string, c nn.Component[B]) bool {
		if u, ok := c.(*Bottleneck[B]); ok {
			u.InitWeights()
		}
		return true
	})
}

// Parameters returns all parameters.
func (r *RegNet[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(r.Children())
}

// Children returns conv, layer1..layerN, avgpool and fc.
func (r *RegNet[B]) Children() []nn.Child[B] {
	children := []nn.Child[B]{{Name: "conv", Component: r.stem}}
	for i, layer := range r.layers {
		children = append(children, nn.Child[B]{Name: "layer" + strconv.Itoa(i+1), Component: layer})
	}
	return append(children,
		nn.Child[B]{Name: "avgpool", Component: r.avgPool},
		nn.Child[B]{Name: "fc", Component: r.fc},
	)
}
