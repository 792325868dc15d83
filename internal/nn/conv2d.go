package nn

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// Conv2DConfig configures a Conv2D or ConvTranspose2D layer.
//
// Zero values of Stride, Dilation and Groups mean 1.
type Conv2DConfig struct {
	In       int  // Input channels.
	Out      int  // Output channels.
	Kernel   int  // Square kernel size.
	Stride   int  // Default 1.
	Padding  int  // Zero padding on every side.
	Dilation int  // Default 1.
	Groups   int  // Default 1; In and Out must be divisible by it.
	NoBias   bool // Disable the bias term.

	// OutputPadding only applies to ConvTranspose2D.
	OutputPadding int
}

func (cfg Conv2DConfig) withDefaults() Conv2DConfig {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Dilation == 0 {
		cfg.Dilation = 1
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	return cfg
}

func (cfg Conv2DConfig) validate(op string) {
	if cfg.In <= 0 || cfg.Out <= 0 {
		panic(fmt.Sprintf("%s: invalid channels in=%d, out=%d", op, cfg.In, cfg.Out))
	}
	if cfg.Kernel <= 0 {
		panic(fmt.Sprintf("%s: invalid kernel size %d", op, cfg.Kernel))
	}
	if cfg.In%cfg.Groups != 0 || cfg.Out%cfg.Groups != 0 {
		panic(fmt.Sprintf("%s: channels %d->%d not divisible by groups %d", op, cfg.In, cfg.Out, cfg.Groups))
	}
	if err := cfg.params().Validate(); err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}
}

func (cfg Conv2DConfig) params() tensor.ConvParams {
	return tensor.ConvParams{
		Stride:        [2]int{cfg.Stride, cfg.Stride},
		Padding:       [2]int{cfg.Padding, cfg.Padding},
		Dilation:      [2]int{cfg.Dilation, cfg.Dilation},
		Groups:        cfg.Groups,
		OutputPadding: [2]int{cfg.OutputPadding, cfg.OutputPadding},
	}
}

// Conv2D is a 2D convolutional layer.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels/groups, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - dilation*(kernel-1) - 1) / stride + 1
//
// Example:
//
//	conv := nn.NewConv2D(b, nn.Conv2DConfig{In: 3, Out: 16, Kernel: 3, Padding: 1})
//	output := conv.Forward(input) // [N, 3, 32, 32] -> [N, 16, 32, 32]
type Conv2D[B tensor.Backend] struct {
	Hooks[B]

	cfg    Conv2DConfig
	weight *Parameter[B] // [out_channels, in_channels/groups, kernel, kernel]
	bias   *Parameter[B] // [out_channels] or nil

	backend B
}

// NewConv2D creates a new 2D convolutional layer with Kaiming uniform
// initialization.
func NewConv2D[B tensor.Backend](b *Builder[B], cfg Conv2DConfig) *Conv2D[B] {
	cfg = cfg.withDefaults()
	cfg.validate("conv2d")

	// fan_in = in_channels/groups * kernel * kernel
	fanIn := cfg.In / cfg.Groups * cfg.Kernel * cfg.Kernel
	weightShape := tensor.Shape{cfg.Out, cfg.In / cfg.Groups, cfg.Kernel, cfg.Kernel}
	weight := NewParameter("weight", KaimingUniform(b.Rand, fanIn, weightShape, b.Backend))

	var bias *Parameter[B]
	if !cfg.NoBias {
		bias = NewParameter("bias", KaimingUniform(b.Rand, fanIn, tensor.Shape{cfg.Out}, b.Backend))
	}

	return &Conv2D[B]{
		cfg:     cfg,
		weight:  weight,
		bias:    bias,
		backend: b.Backend,
	}
}

// Forward performs the forward pass.
//
// Input: [batch, in_channels, height, width]
// Output: [batch, out_channels, out_h, out_w].
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}
	if inputShape[1] != c.cfg.In {
		panic(fmt.Sprintf("conv2d: input channels %d != expected %d", inputShape[1], c.cfg.In))
	}

	outputRaw := c.backend.Conv2D(input.Raw(), c.weight.Tensor().Raw(), c.cfg.params())
	output := tensor.New[float32, B](outputRaw, c.backend)

	if c.bias != nil {
		output = output.Add(c.bias.Tensor().Reshape(1, c.cfg.Out, 1, 1))
	}
	return c.Output(c, input, output)
}

// Parameters returns [weight, bias] or [weight].
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// Weight returns the weight parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter, or nil.
func (c *Conv2D[B]) Bias() *Parameter[B] {
	return c.bias
}

// Config returns the layer configuration with defaults applied.
func (c *Conv2D[B]) Config() Conv2DConfig {
	return c.cfg
}

// ConvTranspose2D is a transposed (fractionally strided) 2D convolution.
//
// Weight shape: [in_channels, out_channels/groups, kernel, kernel]
// Output size:  (H-1)*stride - 2*padding + dilation*(kernel-1) + output_padding + 1
type ConvTranspose2D[B tensor.Backend] struct {
	Hooks[B]

	cfg    Conv2DConfig
	weight *Parameter[B]
	bias   *Parameter[B]

	backend B
}

// NewConvTranspose2D creates a transposed convolution layer.
func NewConvTranspose2D[B tensor.Backend](b *Builder[B], cfg Conv2DConfig) *ConvTranspose2D[B] {
	cfg = cfg.withDefaults()
	cfg.validate("conv_transpose2d")
	if cfg.OutputPadding >= max(cfg.Stride, cfg.Dilation) {
		panic(fmt.Sprintf("conv_transpose2d: output padding %d must be smaller than stride or dilation", cfg.OutputPadding))
	}

	fanIn := cfg.Out / cfg.Groups * cfg.Kernel * cfg.Kernel
	weightShape := tensor.Shape{cfg.In, cfg.Out / cfg.Groups, cfg.Kernel, cfg.Kernel}
	weight := NewParameter("weight", KaimingUniform(b.Rand, fanIn, weightShape, b.Backend))

	var bias *Parameter[B]
	if !cfg.NoBias {
		bias = NewParameter("bias", KaimingUniform(b.Rand, fanIn, tensor.Shape{cfg.Out}, b.Backend))
	}

	return &ConvTranspose2D[B]{
		cfg:     cfg,
		weight:  weight,
		bias:    bias,
		backend: b.Backend,
	}
}

// Forward performs the transposed convolution.
func (c *ConvTranspose2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv_transpose2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}
	if inputShape[1] != c.cfg.In {
		panic(fmt.Sprintf("conv_transpose2d: input channels %d != expected %d", inputShape[1], c.cfg.In))
	}

	outputRaw := c.backend.ConvTranspose2D(input.Raw(), c.weight.Tensor().Raw(), c.cfg.params())
	output := tensor.New[float32, B](outputRaw, c.backend)

	if c.bias != nil {
		output = output.Add(c.bias.Tensor().Reshape(1, c.cfg.Out, 1, 1))
	}
	return c.Output(c, input, output)
}

// Parameters returns [weight, bias] or [weight].
func (c *ConvTranspose2D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// Weight returns the weight parameter.
func (c *ConvTranspose2D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter, or nil.
func (c *ConvTranspose2D[B]) Bias() *Parameter[B] {
	return c.bias
}
