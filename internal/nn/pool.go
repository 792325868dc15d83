package nn

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// MaxPool2D is a 2D max pooling layer.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where:
//
//	out_height = (height + 2*padding - kernel) / stride + 1
//
// Example:
//
//	pool := nn.NewMaxPool2D[B](2, 2, 0)
//	output := pool.Forward(input) // [32, 64, 28, 28] -> [32, 64, 14, 14]
type MaxPool2D[B tensor.Backend] struct {
	Hooks[B]

	params tensor.PoolParams
}

// NewMaxPool2D creates a max pooling layer with a square window.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride, padding int) *MaxPool2D[B] {
	if kernelSize <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid stride %d", stride))
	}
	return &MaxPool2D[B]{params: tensor.Square(kernelSize, stride, padding)}
}

// Forward applies max pooling.
func (p *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return p.Output(p, input, tensor.New[float32, B](backend.MaxPool2D(input.Raw(), p.params), backend))
}

// Parameters returns nil.
func (p *MaxPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// AvgPool2D is a 2D average pooling layer.
type AvgPool2D[B tensor.Backend] struct {
	Hooks[B]

	params tensor.PoolParams
}

// NewAvgPool2D creates an average pooling layer with a square window.
func NewAvgPool2D[B tensor.Backend](kernelSize, stride, padding int) *AvgPool2D[B] {
	if kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("avgpool2d: invalid kernel size %d or stride %d", kernelSize, stride))
	}
	return &AvgPool2D[B]{params: tensor.Square(kernelSize, stride, padding)}
}

// Forward applies average pooling.
func (p *AvgPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return p.Output(p, input, tensor.New[float32, B](backend.AvgPool2D(input.Raw(), p.params), backend))
}

// Parameters returns nil.
func (p *AvgPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// AdaptiveAvgPool2D averages into a fixed output grid regardless of input size.
type AdaptiveAvgPool2D[B tensor.Backend] struct {
	Hooks[B]

	outH, outW int
}

// NewAdaptiveAvgPool2D creates an adaptive average pool with output [outH, outW].
func NewAdaptiveAvgPool2D[B tensor.Backend](outH, outW int) *AdaptiveAvgPool2D[B] {
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("adaptive_avgpool2d: invalid output size %dx%d", outH, outW))
	}
	return &AdaptiveAvgPool2D[B]{outH: outH, outW: outW}
}

// Forward applies adaptive average pooling.
func (p *AdaptiveAvgPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return p.Output(p, input, tensor.New[float32, B](backend.AdaptiveAvgPool2D(input.Raw(), p.outH, p.outW), backend))
}

// Parameters returns nil.
func (p *AdaptiveAvgPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// Upsample scales the spatial dimensions by an integer factor.
type Upsample[B tensor.Backend] struct {
	Hooks[B]

	scale int
	mode  tensor.InterpMode
}

// NewUpsample creates an upsampling layer.
func NewUpsample[B tensor.Backend](scale int, mode tensor.InterpMode) *Upsample[B] {
	if scale <= 0 {
		panic(fmt.Sprintf("upsample: invalid scale factor %d", scale))
	}
	return &Upsample[B]{scale: scale, mode: mode}
}

// Forward resizes the input.
func (u *Upsample[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := input.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("upsample: expected 4D input [N,C,H,W], got shape %v", s))
	}
	return u.Output(u, input, Resize(input, s[2]*u.scale, s[3]*u.scale, u.mode))
}

// Parameters returns nil.
func (u *Upsample[B]) Parameters() []*Parameter[B] {
	return nil
}

// Resize interpolates an [N, C, H, W] tensor to [N, C, h, w].
func Resize[B tensor.Backend](x *tensor.Tensor[float32, B], h, w int, mode tensor.InterpMode) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	return tensor.New[float32, B](backend.Interpolate(x.Raw(), h, w, mode), backend)
}

// Flatten collapses all dimensions after the batch dimension.
type Flatten[B tensor.Backend] struct {
	Hooks[B]
}

// NewFlatten creates a Flatten module.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return &Flatten[B]{}
}

// Forward reshapes [N, ...] to [N, -1].
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return f.Output(f, input, input.Flatten(1))
}

// Parameters returns nil.
func (f *Flatten[B]) Parameters() []*Parameter[B] {
	return nil
}
