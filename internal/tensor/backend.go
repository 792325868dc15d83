package tensor

import "fmt"

// ConvParams describes a 2D convolution. Pairs are (height, width).
type ConvParams struct {
	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
	Groups   int
	// OutputPadding only applies to transposed convolutions.
	OutputPadding [2]int
}

// DefaultConvParams returns stride 1, no padding, dilation 1, one group.
func DefaultConvParams() ConvParams {
	return ConvParams{
		Stride:   [2]int{1, 1},
		Dilation: [2]int{1, 1},
		Groups:   1,
	}
}

// Validate checks the parameters for obviously invalid values.
func (p ConvParams) Validate() error {
	for i := 0; i < 2; i++ {
		if p.Stride[i] <= 0 {
			return fmt.Errorf("invalid stride %v", p.Stride)
		}
		if p.Dilation[i] <= 0 {
			return fmt.Errorf("invalid dilation %v", p.Dilation)
		}
		if p.Padding[i] < 0 {
			return fmt.Errorf("invalid padding %v", p.Padding)
		}
		if p.OutputPadding[i] < 0 {
			return fmt.Errorf("invalid output padding %v", p.OutputPadding)
		}
	}
	if p.Groups <= 0 {
		return fmt.Errorf("invalid groups %d", p.Groups)
	}
	return nil
}

// PoolParams describes a 2D pooling window. Pairs are (height, width).
type PoolParams struct {
	Kernel  [2]int
	Stride  [2]int
	Padding [2]int
}

// Square returns pooling parameters with identical height and width settings.
func Square(kernel, stride, padding int) PoolParams {
	return PoolParams{
		Kernel:  [2]int{kernel, kernel},
		Stride:  [2]int{stride, stride},
		Padding: [2]int{padding, padding},
	}
}

// InterpMode selects the resampling kernel of Interpolate.
type InterpMode int

// Interpolation modes.
const (
	Nearest InterpMode = iota
	// Bilinear uses half-pixel centers (align_corners=false).
	Bilinear
)

// String returns the mode name.
func (m InterpMode) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	default:
		return "unknown"
	}
}

// Backend defines the kernels a compute backend provides.
// Every operation is forward-only and returns a freshly allocated tensor.
type Backend interface {
	// Element-wise binary operations with NumPy broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor
	Maximum(a, b *RawTensor) *RawTensor

	// Scalar operations.
	AddScalar(x *RawTensor, scalar float64) *RawTensor
	MulScalar(x *RawTensor, scalar float64) *RawTensor

	// MatMul multiplies 2D matrices: [M, K] @ [K, N] -> [M, N].
	MatMul(a, b *RawTensor) *RawTensor

	// Convolution and pooling over [N, C, H, W] inputs.
	Conv2D(input, kernel *RawTensor, p ConvParams) *RawTensor
	ConvTranspose2D(input, kernel *RawTensor, p ConvParams) *RawTensor
	MaxPool2D(input *RawTensor, p PoolParams) *RawTensor
	AvgPool2D(input *RawTensor, p PoolParams) *RawTensor
	AdaptiveAvgPool2D(input *RawTensor, outH, outW int) *RawTensor
	Interpolate(input *RawTensor, outH, outW int, mode InterpMode) *RawTensor

	// Activations.
	ReLU(x *RawTensor) *RawTensor
	LeakyReLU(x *RawTensor, slope float64) *RawTensor
	Sigmoid(x *RawTensor) *RawTensor
	Tanh(x *RawTensor) *RawTensor

	// GroupNorm normalizes each group of channels per sample, without affine.
	GroupNorm(x *RawTensor, groups int, eps float64) *RawTensor

	// Shape operations.
	Reshape(x *RawTensor, shape Shape) *RawTensor
	Transpose(x *RawTensor, axes ...int) *RawTensor
	Narrow(x *RawTensor, dim, start, length int) *RawTensor
	Cat(tensors []*RawTensor, dim int) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}
