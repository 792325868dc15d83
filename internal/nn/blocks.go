package nn

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// ConvBlockConfig configures a ConvBlock.
//
// Zero values of Stride, Dilation and Groups mean 1. Padding is "same":
// (Kernel-1)*Dilation/2 for regular convolutions, and whatever makes the
// output exactly Stride times larger for transposed ones. Set Valid to use
// no padding.
type ConvBlockConfig struct {
	In, Out  int
	Kernel   int
	Stride   int
	Dilation int
	Groups   int
	Valid    bool

	// Norm and Activation name a layer for Builder; "" disables it and
	// "default" uses the builder's choice. The convolution has a bias only
	// when Norm is empty.
	Norm       string
	Activation string

	// DepthwiseSeparable replaces the convolution with DWConv2D, with
	// MidNorm between its depthwise and pointwise parts.
	DepthwiseSeparable bool
	MidNorm            string

	// Transposed uses ConvTranspose2D.
	Transposed bool
}

// ConvBlock is conv -> optional norm -> optional activation.
//
// Children are named "conv", "norm" and "act"; absent layers are omitted.
type ConvBlock[B tensor.Backend] struct {
	conv Module[B]
	norm Module[B]
	act  Module[B]
}

// NewConvBlock creates a convolution block.
//
// Example:
//
//	// 3x3 conv, batch norm, ReLU, stride 2 ("same" padding keeps H/2)
//	block := nn.NewConvBlock(b, nn.ConvBlockConfig{
//	    In: 64, Out: 128, Kernel: 3, Stride: 2,
//	    Norm: nn.NormDefault, Activation: nn.ActDefault,
//	})
func NewConvBlock[B tensor.Backend](b *Builder[B], cfg ConvBlockConfig) *ConvBlock[B] {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Dilation == 0 {
		cfg.Dilation = 1
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}

	convCfg := Conv2DConfig{
		In:       cfg.In,
		Out:      cfg.Out,
		Kernel:   cfg.Kernel,
		Stride:   cfg.Stride,
		Dilation: cfg.Dilation,
		Groups:   cfg.Groups,
		NoBias:   cfg.Norm != "",
	}
	if !cfg.Valid {
		if cfg.Transposed {
			convCfg.Padding, convCfg.OutputPadding = transposedSamePadding(cfg.Kernel, cfg.Stride, cfg.Dilation)
		} else {
			convCfg.Padding = (cfg.Kernel - 1) * cfg.Dilation / 2
		}
	}

	var conv Module[B]
	switch {
	case cfg.DepthwiseSeparable && cfg.Transposed:
		panic("convblock: depthwise-separable transposed convolution is not supported")
	case cfg.DepthwiseSeparable:
		conv = NewDWConv2D(b, DWConv2DConfig{
			In:       cfg.In,
			Out:      cfg.Out,
			Kernel:   cfg.Kernel,
			Stride:   cfg.Stride,
			Padding:  convCfg.Padding,
			Dilation: cfg.Dilation,
			NoBias:   convCfg.NoBias,
			MidNorm:  cfg.MidNorm,
		})
	case cfg.Transposed:
		conv = NewConvTranspose2D(b, convCfg)
	default:
		conv = NewConv2D(b, convCfg)
	}

	return &ConvBlock[B]{
		conv: conv,
		norm: b.NormLayer(cfg.Norm, cfg.Out),
		act:  b.ActivationLayer(cfg.Activation),
	}
}

// transposedSamePadding solves (H-1)*s - 2p + d*(k-1) + op + 1 = H*s.
func transposedSamePadding(kernel, stride, dilation int) (padding, outputPadding int) {
	v := dilation*(kernel-1) + 1 - stride
	if v < 0 {
		return 0, -v
	}
	padding = (v + 1) / 2
	return padding, 2*padding - v
}

// Forward applies conv, norm and activation.
func (c *ConvBlock[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := c.conv.Forward(input)
	if c.norm != nil {
		x = c.norm.Forward(x)
	}
	if c.act != nil {
		x = c.act.Forward(x)
	}
	return x
}

// Parameters returns the parameters of every layer.
func (c *ConvBlock[B]) Parameters() []*Parameter[B] {
	return CollectParameters(c.Children())
}

// Children returns "conv", "norm" and "act" when present.
func (c *ConvBlock[B]) Children() []Child[B] {
	children := []Child[B]{{Name: "conv", Component: c.conv}}
	if c.norm != nil {
		children = append(children, Child[B]{Name: "norm", Component: c.norm})
	}
	if c.act != nil {
		children = append(children, Child[B]{Name: "act", Component: c.act})
	}
	return children
}

// Conv returns the convolution layer.
func (c *ConvBlock[B]) Conv() Module[B] {
	return c.conv
}

// Norm returns the normalization layer, or nil.
func (c *ConvBlock[B]) Norm() Module[B] {
	return c.norm
}

// Bias returns the bias of the convolution, or nil.
func (c *ConvBlock[B]) Bias() *Parameter[B] {
	if biased, ok := c.conv.(Biased[B]); ok {
		return biased.Bias()
	}
	return nil
}

// Weight returns the weight of the convolution (the pointwise weight for
// depthwise-separable blocks).
func (c *ConvBlock[B]) Weight() *Parameter[B] {
	if w, ok := c.conv.(Weighted[B]); ok {
		return w.Weight()
	}
	return nil
}

// DWConv2DConfig configures a DWConv2D.
type DWConv2DConfig struct {
	In, Out  int
	Kernel   int
	Stride   int
	Padding  int
	Dilation int
	NoBias   bool   // Bias of the pointwise convolution.
	MidNorm  string // Norm between depthwise and pointwise convolution.
	Norm     string
	Act      string
}

// DWConv2D is a depthwise-separable convolution:
// depthwise conv -> mid norm -> pointwise 1x1 conv -> norm -> activation.
type DWConv2D[B tensor.Backend] struct {
	depthwise *Conv2D[B]
	midNorm   Module[B]
	pointwise *Conv2D[B]
	norm      Module[B]
	act       Module[B]
}

// NewDWConv2D creates a depthwise-separable convolution.
func NewDWConv2D[B tensor.Backend](b *Builder[B], cfg DWConv2DConfig) *DWConv2D[B] {
	if cfg.In <= 0 || cfg.Out <= 0 {
		panic(fmt.Sprintf("dwconv2d: invalid channels in=%d, out=%d", cfg.In, cfg.Out))
	}
	return &DWConv2D[B]{
		depthwise: NewConv2D(b, Conv2DConfig{
			In: cfg.In, Out: cfg.In, Kernel: cfg.Kernel,
			Stride: cfg.Stride, Padding: cfg.Padding, Dilation: cfg.Dilation,
			Groups: cfg.In, NoBias: true,
		}),
		midNorm:   b.NormLayer(cfg.MidNorm, cfg.In),
		pointwise: NewConv2D(b, Conv2DConfig{In: cfg.In, Out: cfg.Out, Kernel: 1, NoBias: cfg.NoBias || cfg.Norm != ""}),
		norm:      b.NormLayer(cfg.Norm, cfg.Out),
		act:       b.ActivationLayer(cfg.Act),
	}
}

// Forward applies the separable convolution.
func (d *DWConv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := d.depthwise.Forward(input)
	if d.midNorm != nil {
		x = d.midNorm.Forward(x)
	}
	x = d.pointwise.Forward(x)
	if d.norm != nil {
		x = d.norm.Forward(x)
	}
	if d.act != nil {
		x = d.act.Forward(x)
	}
	return x
}

// Parameters returns the parameters of every layer.
func (d *DWConv2D[B]) Parameters() []*Parameter[B] {
	return CollectParameters(d.Children())
}

// Children returns the present layers.
func (d *DWConv2D[B]) Children() []Child[B] {
	children := []Child[B]{{Name: "depthwise", Component: d.depthwise}}
	if d.midNorm != nil {
		children = append(children, Child[B]{Name: "mid_norm", Component: d.midNorm})
	}
	children = append(children, Child[B]{Name: "pointwise", Component: d.pointwise})
	if d.norm != nil {
		children = append(children, Child[B]{Name: "norm", Component: d.norm})
	}
	if d.act != nil {
		children = append(children, Child[B]{Name: "act", Component: d.act})
	}
	return children
}

// Weight returns the pointwise weight.
func (d *DWConv2D[B]) Weight() *Parameter[B] {
	return d.pointwise.Weight()
}

// Bias returns the pointwise bias, or nil.
func (d *DWConv2D[B]) Bias() *Parameter[B] {
	return d.pointwise.Bias()
}

// SE is a squeeze-and-excitation gate:
// x * sigmoid(conv1x1(act(conv1x1(avgpool(x))))).
type SE[B tensor.Backend] struct {
	Hooks[B]

	avgPool *AdaptiveAvgPool2D[B]
	fEx     *Sequential[B]
}

// NewSE creates a gate whose bottleneck has channels/reduction channels.
func NewSE[B tensor.Backend](b *Builder[B], channels, reduction int) *SE[B] {
	c := channels / reduction
	if c <= 0 {
		panic(fmt.Sprintf("se: reduction %d too large for %d channels", reduction, channels))
	}
	return &SE[B]{
		avgPool: NewAdaptiveAvgPool2D[B](1, 1),
		fEx: NewSequential[B](
			NewConv2D(b, Conv2DConfig{In: channels, Out: c, Kernel: 1}),
			b.ActivationLayer(ActDefault),
			NewConv2D(b, Conv2DConfig{In: c, Out: channels, Kernel: 1}),
			NewSigmoid[B](),
		),
	}
}

// Forward scales every channel of input by its gate value.
func (s *SE[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	gate := s.fEx.Forward(s.avgPool.Forward(input))
	return s.Output(s, input, input.Mul(gate))
}

// Parameters returns the gate parameters.
func (s *SE[B]) Parameters() []*Parameter[B] {
	return CollectParameters(s.Children())
}

// Children returns "avg_pool" and "f_ex".
func (s *SE[B]) Children() []Child[B] {
	return []Child[B]{
		{Name: "avg_pool", Component: s.avgPool},
		{Name: "f_ex", Component: s.fEx},
	}
}
