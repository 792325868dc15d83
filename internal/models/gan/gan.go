// Package gan implements SNGAN-style ResNet generator and discriminator
// networks for 48x48 images.
package gan

import (
	"fmt"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// Resample selects how a ResBlock changes the resolution.
type Resample string

// Resampling modes.
const (
	ResampleNone Resample = ""
	ResampleUp   Resample = "up"
	ResampleDown Resample = "down"
)

// ResBlock is a residual block that optionally doubles or halves the
// resolution.
//
// Up blocks (generator):
//
//	residual: BN -> ReLU -> upsample x2 -> conv3x3 -> BN -> ReLU -> conv3x3
//	shortcut: upsample x2 -> conv1x1
//
// Other blocks (discriminator):
//
//	residual: ReLU -> conv3x3 -> ReLU -> conv3x3 [-> avgpool 2]
//	shortcut: conv1x1 [-> avgpool 2], only when the shape changes
//
// With spectral normalization every convolution is wrapped in SpectralNorm.
type ResBlock[B tensor.Backend] struct {
	nn.Hooks[B]

	resample Resample
	residual *nn.Sequential[B]
	shortcut *nn.Sequential[B] // nil for identity
}

// NewResBlock creates a residual block.
func NewResBlock[B tensor.Backend](b *nn.Builder[B], in, out int, resample Resample, useSN bool) *ResBlock[B] {
	conv := func(cin, cout, kernel int) nn.Module[B] {
		return spectral[B](b, nn.NewConv2D(b, nn.Conv2DConfig{
			In: cin, Out: cout, Kernel: kernel, Padding: kernel / 2,
		}), useSN)
	}

	r := &ResBlock[B]{resample: resample}
	switch resample {
	case ResampleUp:
		r.residual = nn.NewSequential[B](
			nn.NewBatchNorm2D(b, in),
			nn.NewReLU[B](),
			nn.NewUpsample[B](2, tensor.Nearest),
			conv(in, out, 3),
			nn.NewBatchNorm2D(b, out),
			nn.NewReLU[B](),
			conv(out, out, 3),
		)
		r.shortcut = nn.NewSequential[B](
			nn.NewUpsample[B](2, tensor.Nearest),
			conv(in, out, 1),
		)
	case ResampleDown, ResampleNone:
		r.residual = nn.NewSequential[B](
			nn.NewReLU[B](),
			conv(in, out, 3),
			nn.NewReLU[B](),
			conv(out, out, 3),
		)
		if resample == ResampleDown {
			r.residual.Add(nn.NewAvgPool2D[B](2, 2, 0))
		}
		if in != out || resample == ResampleDown {
			r.shortcut = nn.NewSequential[B](conv(in, out, 1))
			if resample == ResampleDown {
				r.shortcut.Add(nn.NewAvgPool2D[B](2, 2, 0))
			}
		}
	default:
		panic(fmt.Sprintf("resblock: unknown resample mode %q", resample))
	}
	return r
}

func spectral[B tensor.Backend](b *nn.Builder[B], m nn.Module[B], useSN bool) nn.Module[B] {
	if !useSN {
		return m
	}
	return nn.NewSpectralNorm(b, m)
}

// Forward returns residual(x) + shortcut(x).
func (r *ResBlock[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shortcut := input
	if r.shortcut != nil {
		shortcut = r.shortcut.Forward(input)
	}
	return r.Output(r, input, r.residual.Forward(input).Add(shortcut))
}

// Parameters returns all parameters.
func (r *ResBlock[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(r.Children())
}

// Children returns "residual" and, unless identity, "shortcut".
func (r *ResBlock[B]) Children() []nn.Child[B] {
	children := []nn.Child[B]{{Name: "residual", Component: r.residual}}
	if r.shortcut != nil {
		children = append(children, nn.Child[B]{Name: "shortcut", Component: r.shortcut})
	}
	return children
}

// Resample returns the resampling mode.
func (r *ResBlock[B]) Resample() Resample {
	return r.resample
}

// BaseSize is the spatial size the generator starts from.
const BaseSize = 6

// ResNetGenerator maps latent vectors [N, in] to images [N, out, 48, 48]
// in [-1, 1].
type ResNetGenerator[B tensor.Backend] struct {
	nn.Hooks[B]

	in    int
	dense nn.Module[B]
	conv  *nn.Sequential[B]
}

// NewResNetGenerator creates a generator whose widest block has 8*channels
// feature maps.
func NewResNetGenerator[B tensor.Backend](b *nn.Builder[B], in, channels, out int, useSN bool) *ResNetGenerator[B] {
	if in <= 0 || channels <= 0 || out <= 0 {
		panic(fmt.Sprintf("resnet_generator: invalid sizes in=%d, channels=%d, out=%d", in, channels, out))
	}
	return &ResNetGenerator[B]{
		in:    in,
		dense: spectral[B](b, nn.NewLinear(b, in, BaseSize*BaseSize*channels*8), useSN),
		conv: nn.NewSequential[B](
			NewResBlock(b, channels*8, channels*4, ResampleUp, useSN),
			NewResBlock(b, channels*4, channels*2, ResampleUp, useSN),
			NewResBlock(b, channels*2, channels, ResampleUp, useSN),
			nn.NewBatchNorm2D(b, channels),
			nn.NewReLU[B](),
			spectral[B](b, nn.NewConv2D(b, nn.Conv2DConfig{In: channels, Out: out, Kernel: 3, Padding: 1}), useSN),
			nn.NewTanh[B](),
		),
	}
}

// Forward generates images from latent vectors.
func (g *ResNetGenerator[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if s := input.Shape(); len(s) != 2 || s[1] != g.in {
		panic(fmt.Sprintf("resnet_generator: expected input [N, %d], got shape %v", g.in, s))
	}
	x := g.dense.Forward(input)
	x = x.Reshape(x.Dim(0), -1, BaseSize, BaseSize)
	return g.Output(g, input, g.conv.Forward(x))
}

// InChannels returns the latent size.
func (g *ResNetGenerator[B]) InChannels() int {
	return g.in
}

// Parameters returns all parameters.
func (g *ResNetGenerator[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(g.Children())
}

// Children returns "dense" and "conv".
func (g *ResNetGenerator[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "dense", Component: g.dense},
		{Name: "conv", Component: g.conv},
	}
}

// ResNetDiscriminator maps images [N, in, H, W] to scores [N, out].
type ResNetDiscriminator[B tensor.Backend] struct {
	nn.Hooks[B]

	conv *nn.Sequential[B]
}

// NewResNetDiscriminator creates a discriminator with four downsampling
// blocks and a final block of 16*channels feature maps.
func NewResNetDiscriminator[B tensor.Backend](b *nn.Builder[B], in, channels, out int, useSN bool) *ResNetDiscriminator[B] {
	if in <= 0 || channels <= 0 || out <= 0 {
		panic(fmt.Sprintf("resnet_discriminator: invalid sizes in=%d, channels=%d, out=%d", in, channels, out))
	}
	return &ResNetDiscriminator[B]{
		conv: nn.NewSequential[B](
			NewResBlock(b, in, channels, ResampleDown, useSN),
			NewResBlock(b, channels, channels*2, ResampleDown, useSN),
			NewResBlock(b, channels*2, channels*4, ResampleDown, useSN),
			NewResBlock(b, channels*4, channels*8, ResampleDown, useSN),
			NewResBlock(b, channels*8, channels*16, ResampleNone, useSN),
			nn.NewReLU[B](),
			nn.NewAdaptiveAvgPool2D[B](1, 1),
			spectral[B](b, nn.NewConv2D(b, nn.Conv2DConfig{In: channels * 16, Out: out, Kernel: 1}), useSN),
		),
	}
}

// Forward scores a batch of images.
func (d *ResNetDiscriminator[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := d.conv.Forward(input)
	return d.Output(d, input, x.Reshape(x.Dim(0), -1))
}

// Parameters returns all parameters.
func (d *ResNetDiscriminator[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(d.Children())
}

// Children returns "conv".
func (d *ResNetDiscriminator[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{{Name: "conv", Component: d.conv}}
}
