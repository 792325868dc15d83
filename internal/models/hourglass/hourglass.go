// Package hourglass implements the stacked hourglass network used for pose
// estimation and dense prediction, with intermediate supervision and a fused
// full-resolution output.
package hourglass

import (
	"fmt"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// Expansion is the ratio of a Bottleneck's output to its inner width.
const Expansion = 2

// Bottleneck is a pre-activation residual unit:
// (norm -> act -> conv1x1) -> (norm -> act -> conv3x3) -> (norm -> act ->
// conv1x1), added to the input or to its downsampled projection.
type Bottleneck[B tensor.Backend] struct {
	nn.Hooks[B]

	bn1, bn2, bn3       nn.Module[B]
	conv1, conv2, conv3 *nn.Conv2D[B]
	relu                nn.Module[B]
	downsample          nn.Module[B]
}

// NewBottleneck creates a unit mapping in channels to channels*Expansion.
// downsample may be nil when in == channels*Expansion and stride is 1.
func NewBottleneck[B tensor.Backend](b *nn.Builder[B], in, channels, stride int, downsample nn.Module[B]) *Bottleneck[B] {
	if downsample == nil && (stride != 1 || in != channels*Expansion) {
		panic(fmt.Sprintf("hourglass: bottleneck %d -> %d (stride %d) needs a downsample", in, channels*Expansion, stride))
	}
	return &Bottleneck[B]{
		bn1:        b.NormLayer(nn.NormDefault, in),
		conv1:      nn.NewConv2D(b, nn.Conv2DConfig{In: in, Out: channels, Kernel: 1}),
		bn2:        b.NormLayer(nn.NormDefault, channels),
		conv2:      nn.NewConv2D(b, nn.Conv2DConfig{In: channels, Out: channels, Kernel: 3, Stride: stride, Padding: 1}),
		bn3:        b.NormLayer(nn.NormDefault, channels),
		conv3:      nn.NewConv2D(b, nn.Conv2DConfig{In: channels, Out: channels * Expansion, Kernel: 1}),
		relu:       b.ActivationLayer(nn.ActDefault),
		downsample: downsample,
	}
}

// Forward applies the unit.
func (u *Bottleneck[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := u.conv1.Forward(u.relu.Forward(u.bn1.Forward(input)))
	out = u.conv2.Forward(u.relu.Forward(u.bn2.Forward(out)))
	out = u.conv3.Forward(u.relu.Forward(u.bn3.Forward(out)))

	residual := input
	if u.downsample != nil {
		residual = u.downsample.Forward(input)
	}
	return u.Output(u, input, out.Add(residual))
}

// Parameters returns all parameters.
func (u *Bottleneck[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(u.Children())
}

// Children returns the layers in declaration order.
func (u *Bottleneck[B]) Children() []nn.Child[B] {
	children := []nn.Child[B]{
		{Name: "bn1", Component: u.bn1},
		{Name: "conv1", Component: u.conv1},
		{Name: "bn2", Component: u.bn2},
		{Name: "conv2", Component: u.conv2},
		{Name: "bn3", Component: u.bn3},
		{Name: "conv3", Component: u.conv3},
		{Name: "relu", Component: u.relu},
	}
	if u.downsample != nil {
		children = append(children, nn.Child[B]{Name: "downsample", Component: u.downsample})
	}
	return children
}

// residualStack returns numBlocks units at constant width channels*Expansion.
func residualStack[B tensor.Backend](b *nn.Builder[B], numBlocks, channels int) *nn.Sequential[B] {
	s := nn.NewSequential[B]()
	for i := 0; i < numBlocks; i++ {
		s.Add(NewBottleneck[B](b, channels*Expansion, channels, 1, nil))
	}
	return s
}

// Hourglass is a recursive encoder-decoder: at every level the input is
// processed at full resolution (upper branch) and, after 2x2 max pooling, at
// half resolution by the next level (lower branch); the lower result is
// upsampled with nearest neighbour and added to the upper branch.
//
// Input height and width must be divisible by 2^depth.
type Hourglass[B tensor.Backend] struct {
	nn.Hooks[B]

	depth  int
	levels [][]*nn.Sequential[B] // levels[i]: up, low1, low3 [, innermost]
	hg     *nn.ModuleList[B]
	pool   *nn.MaxPool2D[B]
}

// NewHourglass creates an hourglass of the given depth whose residual
// stacks have numBlocks units of width channels*Expansion.
func NewHourglass[B tensor.Backend](b *nn.Builder[B], numBlocks, channels, depth int) *Hourglass[B] {
	if depth <= 0 || numBlocks <= 0 {
		panic(fmt.Sprintf("hourglass: invalid depth %d or block count %d", depth, numBlocks))
	}
	h := &Hourglass[B]{
		depth: depth,
		hg:    nn.NewModuleList[B](),
		pool:  nn.NewMaxPool2D[B](2, 2, 0),
	}
	for i := 0; i < depth; i++ {
		n := 3
		if i == 0 {
			n = 4
		}
		level := make([]*nn.Sequential[B], n)
		branches := nn.NewModuleList[B]()
		for j := range level {
			level[j] = residualStack(b, numBlocks, channels)
			branches.Append(level[j])
		}
		h.levels = append(h.levels, level)
		h.hg.Append(branches)
	}
	return h
}

// Forward runs the hourglass on [N, C, H, W] with C = channels*Expansion.
func (h *Hourglass[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return h.Output(h, input, h.forward(h.depth, input))
}

func (h *Hourglass[B]) forward(n int, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	level := h.levels[n-1]
	up1 := level[0].Forward(x)
	low1 := level[1].Forward(h.pool.Forward(x))

	var low2 *tensor.Tensor[float32, B]
	if n > 1 {
		low2 = h.forward(n-1, low1)
	} else {
		low2 = level[3].Forward(low1)
	}
	low3 := level[2].Forward(low2)
	s := low3.Shape()
	up2 := nn.Resize(low3, s[2]*2, s[3]*2, tensor.Nearest)
	return up1.Add(up2)
}

// Depth returns the number of pooling levels.
func (h *Hourglass[B]) Depth() int {
	return h.depth
}

// Parameters returns all parameters.
func (h *Hourglass[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns "hg", indexed by level and branch.
func (h *Hourglass[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{{Name: "hg", Component: h.hg}}
}

// Config describes a HourglassNet.
type Config struct {
	NumStacks  int
	NumBlocks  int
	NumClasses int
	Depth      int
}

// DefaultConfig returns two stacks of depth 4 with four units per stack and
// one output class.
func DefaultConfig() Config {
	return Config{NumStacks: 2, NumBlocks: 4, NumClasses: 1, Depth: 4}
}

// Validate checks that every field is positive.
func (c Config) Validate() error {
	if c.NumStacks <= 0 || c.NumBlocks <= 0 || c.NumClasses <= 0 || c.Depth <= 0 {
		return fmt.Errorf("hourglass: invalid config %+v", c)
	}
	return nil
}

// Widths of the stem and of the hourglass stacks.
const (
	stemChannels = 64
	channels     = 128
)

// HourglassNet stacks hourglasses with intermediate supervision.
//
// Every stack predicts a score map; all but the last feed their features and
// scores back into the next stack's input. A side output of the first residual
// layer and all score maps are resized bilinearly to the input size,
// concatenated along channels and fused by a 1x1 convolution into a single
// [N, 1, H, W] map.
//
// Input height and width must be divisible by 2^(Depth+1).
type HourglassNet[B tensor.Backend] struct {
	nn.Hooks[B]

	numStacks int

	stem    *nn.Sequential[B]
	layer1  *nn.Sequential[B]
	layer2  *nn.Sequential[B]
	layer3  *nn.Sequential[B]
	maxpool *nn.MaxPool2D[B]

	hg     []*Hourglass[B]
	res    []*nn.Sequential[B]
	fc     []*nn.ConvBlock[B]
	score  []*nn.Conv2D[B]
	fcNext []*nn.Conv2D[B]
	scoreN []*nn.Conv2D[B]

	side1 *nn.ConvBlock[B]
	fuse  *nn.ConvBlock[B]
}

// New builds a HourglassNet. Panics if cfg is invalid.
func New[B tensor.Backend](b *nn.Builder[B], cfg Config) *HourglassNet[B] {
	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}
	stemConv := func(in int) nn.Module[B] {
		return nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: in, Out: stemChannels, Kernel: 3,
			Norm: nn.NormDefault, Activation: nn.ActDefault,
		})
	}

	net := &HourglassNet[B]{
		numStacks: cfg.NumStacks,
		stem:      nn.NewSequential[B](stemConv(3), stemConv(stemChannels), stemConv(stemChannels)),
		maxpool:   nn.NewMaxPool2D[B](2, 2, 0),
	}

	in := stemChannels
	makeResidual := func(planes, blocks int) *nn.Sequential[B] {
		var downsample nn.Module[B]
		if in != planes*Expansion {
			downsample = nn.NewSequential[B](nn.NewConv2D(b, nn.Conv2DConfig{In: in, Out: planes * Expansion, Kernel: 1}))
		}
		s := nn.NewSequential[B](NewBottleneck(b, in, planes, 1, downsample))
		in = planes * Expansion
		for i := 1; i < blocks; i++ {
			s.Add(NewBottleneck[B](b, in, planes, 1, nil))
		}
		return s
	}
	net.layer1 = makeResidual(stemChannels, 1)
	sideChannels := in
	net.layer2 = makeResidual(stemChannels, 1)
	net.layer3 = makeResidual(channels, 1)

	ch := channels * Expansion
	for i := 0; i < cfg.NumStacks; i++ {
		net.hg = append(net.hg, NewHourglass(b, cfg.NumBlocks, channels, cfg.Depth))
		net.res = append(net.res, makeResidual(channels, cfg.NumBlocks))
		net.fc = append(net.fc, nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: ch, Out: ch, Kernel: 1, Norm: nn.NormDefault, Activation: nn.ActDefault,
		}))
		net.score = append(net.score, nn.NewConv2D(b, nn.Conv2DConfig{In: ch, Out: cfg.NumClasses, Kernel: 1}))
		if i < cfg.NumStacks-1 {
			net.fcNext = append(net.fcNext, nn.NewConv2D(b, nn.Conv2DConfig{In: ch, Out: ch, Kernel: 1}))
			net.scoreN = append(net.scoreN, nn.NewConv2D(b, nn.Conv2DConfig{In: cfg.NumClasses, Out: ch, Kernel: 1}))
		}
	}

	net.side1 = nn.NewConvBlock(b, nn.ConvBlockConfig{In: sideChannels, Out: 1, Kernel: 1})
	net.fuse = nn.NewConvBlock(b, nn.ConvBlockConfig{In: 1 + cfg.NumStacks*cfg.NumClasses, Out: 1, Kernel: 1})
	return net
}

// Forward maps [N, 3, H, W] images to a fused [N, 1, H, W] map.
func (net *HourglassNet[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h, w := input.Dim(2), input.Dim(3)
	outs := net.Features(input)
	for i, o := range outs {
		if o.Dim(2) != h || o.Dim(3) != w {
			outs[i] = nn.Resize(o, h, w, tensor.Bilinear)
		}
	}
	return net.Output(net, input, net.fuse.Forward(tensor.Cat(outs, 1)))
}

// Features returns the side output followed by the score map of every stack,
// at their native resolutions.
func (net *HourglassNet[B]) Features(input *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	x := net.stem.Forward(input)
	x = net.layer1.Forward(x)
	outs := []*tensor.Tensor[float32, B]{net.side1.Forward(x)}

	x = net.maxpool.Forward(x)
	x = net.layer2.Forward(x)
	x = net.layer3.Forward(x)

	for i := 0; i < net.numStacks; i++ {
		y := net.hg[i].Forward(x)
		y = net.res[i].Forward(y)
		y = net.fc[i].Forward(y)
		score := net.score[i].Forward(y)
		outs = append(outs, score)
		if i < net.numStacks-1 {
			x = x.Add(net.fcNext[i].Forward(y)).Add(net.scoreN[i].Forward(score))
		}
	}
	return outs
}

// Parameters returns all parameters.
func (net *HourglassNet[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(net.Children())
}

// Children returns the layers in declaration order; per-stack layers are
// grouped in lists ("hg.0", "score.1", ...).
func (net *HourglassNet[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "stem", Component: net.stem},
		{Name: "layer1", Component: net.layer1},
		{Name: "layer2", Component: net.layer2},
		{Name: "layer3", Component: net.layer3},
		{Name: "maxpool", Component: net.maxpool},
		{Name: "hg", Component: list[B](net.hg)},
		{Name: "res", Component: list[B](net.res)},
		{Name: "fc", Component: list[B](net.fc)},
		{Name: "score", Component: list[B](net.score)},
		{Name: "fc_", Component: list[B](net.fcNext)},
		{Name: "score_", Component: list[B](net.scoreN)},
		{Name: "side1", Component: net.side1},
		{Name: "fuse", Component: net.fuse},
	}
}

func list[B tensor.Backend, C nn.Component[B]](items []C) *nn.ModuleList[B] {
	l := nn.NewModuleList[B]()
	for _, c := range items {
		l.Append(c)
	}
	return l
}

// NumStacks returns the number of stacked hourglasses.
func (net *HourglassNet[B]) NumStacks() int {
	return net.numStacks
}

