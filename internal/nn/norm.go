package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/vision/internal/tensor"
)

// BatchNorm2D normalizes every channel over the batch and spatial axes.
//
// In training mode the statistics of the current batch are used and the
// running statistics are updated:
//
//	running = (1 - momentum) * running + momentum * batch_stat
//
// (the running variance uses the unbiased estimator). In evaluation mode the
// running statistics are used. New layers start in training mode.
//
// Input shape: [N, C, H, W] or [N, C].
type BatchNorm2D[B tensor.Backend] struct {
	Hooks[B]

	channels int
	eps      float64
	momentum float64
	training bool

	weight      *Parameter[B] // gamma [C]
	bias        *Parameter[B] // beta [C]
	runningMean *Parameter[B] // [C], non-trainable
	runningVar  *Parameter[B] // [C], non-trainable

	backend B
}

// NewBatchNorm2D creates a batch norm layer with gamma=1, beta=0.
func NewBatchNorm2D[B tensor.Backend](b *Builder[B], channels int) *BatchNorm2D[B] {
	if channels <= 0 {
		panic(fmt.Sprintf("batchnorm2d: invalid channels %d", channels))
	}
	shape := tensor.Shape{channels}
	return &BatchNorm2D[B]{
		channels:    channels,
		eps:         b.BNEps,
		momentum:    b.BNMomentum,
		training:    true,
		weight:      NewParameter("weight", tensor.Ones[float32](shape, b.Backend)),
		bias:        NewParameter("bias", tensor.Zeros[float32](shape, b.Backend)),
		runningMean: NewBuffer("running_mean", tensor.Zeros[float32](shape, b.Backend)),
		runningVar:  NewBuffer("running_var", tensor.Ones[float32](shape, b.Backend)),
		backend:     b.Backend,
	}
}

// Forward normalizes the input.
func (bn *BatchNorm2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := input.Shape()
	if len(s) != 4 && len(s) != 2 {
		panic(fmt.Sprintf("batchnorm2d: expected [N,C,H,W] or [N,C] input, got shape %v", s))
	}
	if s[1] != bn.channels {
		panic(fmt.Sprintf("batchnorm2d: input channels %d != expected %d", s[1], bn.channels))
	}

	mean := bn.runningMean.Tensor().Data()
	variance := bn.runningVar.Tensor().Data()
	if bn.training {
		mean, variance = bn.batchStats(input)
	}

	gamma := bn.weight.Tensor().Data()
	beta := bn.bias.Tensor().Data()
	scale := make([]float32, bn.channels)
	shift := make([]float32, bn.channels)
	for c := 0; c < bn.channels; c++ {
		inv := 1 / math.Sqrt(float64(variance[c])+bn.eps)
		scale[c] = float32(float64(gamma[c]) * inv)
		shift[c] = float32(float64(beta[c]) - float64(mean[c])*float64(gamma[c])*inv)
	}

	bshape := make(tensor.Shape, len(s))
	for i := range bshape {
		bshape[i] = 1
	}
	bshape[1] = bn.channels
	scaleT, err := tensor.FromSlice(scale, bshape, bn.backend)
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d: %v", err))
	}
	shiftT, err := tensor.FromSlice(shift, bshape, bn.backend)
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d: %v", err))
	}

	output := input.Mul(scaleT).Add(shiftT)
	return bn.Output(bn, input, output)
}

// batchStats computes the per-channel mean and biased variance of input and
// folds them into the running statistics.
func (bn *BatchNorm2D[B]) batchStats(input *tensor.Tensor[float32, B]) (mean, variance []float32) {
	s := input.Shape()
	n, c := s[0], s[1]
	spatial := 1
	for _, d := range s[2:] {
		spatial *= d
	}
	data := input.Data()
	count := float64(n * spatial)

	mean = make([]float32, c)
	variance = make([]float32, c)
	runMean := bn.runningMean.Tensor().Data()
	runVar := bn.runningVar.Tensor().Data()
	for ch := 0; ch < c; ch++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			for _, v := range data[(i*c+ch)*spatial : (i*c+ch+1)*spatial] {
				sum += float64(v)
			}
		}
		m := sum / count
		sq := 0.0
		for i := 0; i < n; i++ {
			for _, v := range data[(i*c+ch)*spatial : (i*c+ch+1)*spatial] {
				d := float64(v) - m
				sq += d * d
			}
		}
		mean[ch] = float32(m)
		variance[ch] = float32(sq / count)

		unbiased := sq / math.Max(count-1, 1)
		runMean[ch] = float32((1-bn.momentum)*float64(runMean[ch]) + bn.momentum*m)
		runVar[ch] = float32((1-bn.momentum)*float64(runVar[ch]) + bn.momentum*unbiased)
	}
	return mean, variance
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm2D[B]) SetTraining(training bool) {
	bn.training = training
}

// Training reports the current mode.
func (bn *BatchNorm2D[B]) Training() bool {
	return bn.training
}

// Parameters returns [weight, bias].
func (bn *BatchNorm2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.weight, bn.bias}
}

// Buffers returns [running_mean, running_var].
func (bn *BatchNorm2D[B]) Buffers() []*Parameter[B] {
	return []*Parameter[B]{bn.runningMean, bn.runningVar}
}

// Weight returns gamma.
func (bn *BatchNorm2D[B]) Weight() *Parameter[B] {
	return bn.weight
}

// Bias returns beta.
func (bn *BatchNorm2D[B]) Bias() *Parameter[B] {
	return bn.bias
}

// GroupNorm normalizes groups of channels per sample, then applies a
// per-channel affine transform.
type GroupNorm[B tensor.Backend] struct {
	Hooks[B]

	groups   int
	channels int
	eps      float64

	weight *Parameter[B] // [C]
	bias   *Parameter[B] // [C]

	backend B
}

// NewGroupNorm creates a group norm layer. channels must be divisible by
// groups.
func NewGroupNorm[B tensor.Backend](b *Builder[B], groups, channels int) *GroupNorm[B] {
	if groups <= 0 || channels <= 0 || channels%groups != 0 {
		panic(fmt.Sprintf("groupnorm: channels %d not divisible by groups %d", channels, groups))
	}
	shape := tensor.Shape{channels}
	return &GroupNorm[B]{
		groups:   groups,
		channels: channels,
		eps:      b.BNEps,
		weight:   NewParameter("weight", tensor.Ones[float32](shape, b.Backend)),
		bias:     NewParameter("bias", tensor.Zeros[float32](shape, b.Backend)),
		backend:  b.Backend,
	}
}

// Forward normalizes the input.
func (gn *GroupNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := input.Shape()
	if len(s) < 2 || s[1] != gn.channels {
		panic(fmt.Sprintf("groupnorm: expected %d channels, got shape %v", gn.channels, s))
	}
	normed := tensor.New[float32, B](gn.backend.GroupNorm(input.Raw(), gn.groups, gn.eps), gn.backend)

	bshape := make([]int, len(s))
	for i := range bshape {
		bshape[i] = 1
	}
	bshape[1] = gn.channels
	output := normed.Mul(gn.weight.Tensor().Reshape(bshape...)).Add(gn.bias.Tensor().Reshape(bshape...))
	return gn.Output(gn, input, output)
}

// Parameters returns [weight, bias].
func (gn *GroupNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{gn.weight, gn.bias}
}

// Weight returns gamma.
func (gn *GroupNorm[B]) Weight() *Parameter[B] {
	return gn.weight
}

// Bias returns beta.
func (gn *GroupNorm[B]) Bias() *Parameter[B] {
	return gn.bias
}
