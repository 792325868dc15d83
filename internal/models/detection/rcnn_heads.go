package detection

import (
	"fmt"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// ThunderRCNNHead is a light R-CNN box head: a 1x1 conv block over pooled
// RoI features followed by linear loc and cls layers.
//
// Input is [n, c] or [n1, n2, c] (e.g. images x RoIs); outputs keep the
// leading dimensions: [..., 4] and [..., numClasses].
type ThunderRCNNHead[B tensor.Backend] struct {
	nn.Hooks[B]

	fc    *nn.ConvBlock[B]
	locFC *nn.Linear[B]
	clsFC *nn.Linear[B]
}

// NewThunderRCNNHead creates the head.
func NewThunderRCNNHead[B tensor.Backend](b *nn.Builder[B], numClasses, inChannels, fChannels int, norm string) *ThunderRCNNHead[B] {
	return &ThunderRCNNHead[B]{
		fc: nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: inChannels, Out: fChannels, Kernel: 1,
			Norm: norm, Activation: nn.ActDefault,
		}),
		locFC: nn.NewLinear(b, fChannels, 4),
		clsFC: nn.NewLinear(b, fChannels, numClasses),
	}
}

// ForwardMulti returns [loc, cls] for the first input.
func (h *ThunderRCNNHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if len(ps) == 0 {
		panic("thunder_rcnn_head: no input")
	}
	p := ps[0]
	s := p.Shape()
	var lead []int
	switch len(s) {
	case 2:
		lead = []int{s[0]}
	case 3:
		lead = []int{s[0], s[1]}
	default:
		panic(fmt.Sprintf("thunder_rcnn_head: expected [n, c] or [n1, n2, c] input, got shape %v", s))
	}
	rows := s.NumElements() / s[len(s)-1]
	x := h.fc.Forward(p.Reshape(rows, s[len(s)-1], 1, 1)).Reshape(rows, -1)

	loc := h.locFC.Forward(x)
	cls := h.clsFC.Forward(x)
	loc = loc.Reshape(append(lead, -1)...)
	cls = cls.Reshape(append(lead, -1)...)
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{loc, cls})
}

// Parameters returns all parameters.
func (h *ThunderRCNNHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns fc, loc_fc and cls_fc.
func (h *ThunderRCNNHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "fc", Component: h.fc},
		{Name: "loc_fc", Component: h.locFC},
		{Name: "cls_fc", Component: h.clsFC},
	}
}

// RPNHead is the region proposal head of Faster R-CNN: a shared conv block
// followed by 1x1 loc and objectness (2-class) convolutions.
//
// The lite variant replaces the 3x3 convolution with a 5x5
// depthwise-separable one.
type RPNHead[B tensor.Backend] struct {
	nn.Hooks[B]

	conv    *nn.ConvBlock[B]
	locConv *nn.Conv2D[B]
	clsConv *nn.Conv2D[B]
}

// NewRPNHead creates the head.
func NewRPNHead[B tensor.Backend](b *nn.Builder[B], numAnchors, inChannels, fChannels int, lite bool) *RPNHead[B] {
	kernel := 3
	cfg := nn.ConvBlockConfig{
		In: inChannels, Out: fChannels,
		Norm: nn.NormDefault, Activation: nn.ActDefault,
	}
	if lite {
		kernel = 5
		cfg.DepthwiseSeparable = true
		cfg.MidNorm = nn.NormDefault
	}
	cfg.Kernel = kernel

	h := &RPNHead[B]{
		conv:    nn.NewConvBlock(b, cfg),
		locConv: conv1x1(b, fChannels, numAnchors*4),
		clsConv: conv1x1(b, fChannels, numAnchors*2),
	}
	initClsBias[B](h.clsConv)
	return h
}

// ForwardMulti returns [loc, cls] with cls of shape [N, A, 2].
func (h *RPNHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	locs := make([]*tensor.Tensor[float32, B], len(ps))
	clss := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		p = h.conv.Forward(p)
		locs[i] = ToPred(h.locConv.Forward(p), 4)
		clss[i] = ToPred(h.clsConv.Forward(p), 2)
	}
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{concat(locs, 1), concat(clss, 1)})
}

// Parameters returns all parameters.
func (h *RPNHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns conv, loc_conv and cls_conv.
func (h *RPNHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "conv", Component: h.conv},
		{Name: "loc_conv", Component: h.locConv},
		{Name: "cls_conv", Component: h.clsConv},
	}
}

// Box2FCHead is the two fully connected layer box head of Faster R-CNN,
// implemented with 1x1 convolutions over flattened RoI features.
//
// Each level's pooled features [R, C, h, w] are flattened and projected by
// fc1; with several levels the element-wise maximum is taken.
type Box2FCHead[B tensor.Backend] struct {
	nn.Hooks[B]

	fc1   *nn.ConvBlock[B]
	fc2   *nn.ConvBlock[B]
	locFC *nn.Conv2D[B]
	clsFC *nn.Conv2D[B]
}

// NewBox2FCHead creates the head. inChannels is C*h*w of the pooled features.
func NewBox2FCHead[B tensor.Backend](b *nn.Builder[B], numClasses, inChannels, fChannels int) *Box2FCHead[B] {
	fc := func(in int) *nn.ConvBlock[B] {
		return nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: in, Out: fChannels, Kernel: 1,
			Norm: nn.NormDefault, Activation: nn.ActDefault,
		})
	}
	h := &Box2FCHead[B]{
		fc1:   fc(inChannels),
		fc2:   fc(fChannels),
		locFC: conv1x1(b, fChannels, 4),
		clsFC: conv1x1(b, fChannels, numClasses),
	}
	nn.WeightInitNormal[B](b.Rand, h.locFC, 0.001)
	nn.WeightInitNormal[B](b.Rand, h.clsFC, 0.01)
	return h
}

// ForwardMulti returns [loc [R, 4], cls [R, numClasses]].
func (h *Box2FCHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if len(ps) == 0 {
		panic("box2fc_head: no input")
	}
	xs := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		xs[i] = h.fc1.Forward(p.Reshape(p.Dim(0), -1, 1, 1))
	}
	x := h.fc2.Forward(tensor.MaxStack(xs))
	n := x.Dim(0)
	loc := h.locFC.Forward(x).Reshape(n, -1)
	cls := h.clsFC.Forward(x).Reshape(n, -1)
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{loc, cls})
}

// Parameters returns all parameters.
func (h *Box2FCHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns fc1, fc2, loc_fc and cls_fc.
func (h *Box2FCHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "fc1", Component: h.fc1},
		{Name: "fc2", Component: h.fc2},
		{Name: "loc_fc", Component: h.locFC},
		{Name: "cls_fc", Component: h.clsFC},
	}
}

// MaskHead is the Mask R-CNN mask branch: four 3x3 conv blocks (the first
// applied per level, then an element-wise maximum across levels), a 2x2
// stride-2 transposed conv block and a 1x1 per-class mask convolution.
//
// [R, C, h, w] RoI features produce [R, numClasses, 2h, 2w] mask logits.
type MaskHead[B tensor.Backend] struct {
	nn.Hooks[B]

	conv1, conv2, conv3, conv4 *nn.ConvBlock[B]
	deconv                     *nn.ConvBlock[B]
	maskFC                     *nn.Conv2D[B]
}

// NewMaskHead creates the head. lite makes the 3x3 blocks
// depthwise-separable; the transposed block is always a full convolution.
func NewMaskHead[B tensor.Backend](b *nn.Builder[B], numClasses, fChannels int, lite bool) *MaskHead[B] {
	block := func() *nn.ConvBlock[B] {
		cfg := nn.ConvBlockConfig{
			In: fChannels, Out: fChannels, Kernel: 3,
			Norm: nn.NormDefault, Activation: nn.ActDefault,
			DepthwiseSeparable: lite,
		}
		if lite {
			cfg.MidNorm = nn.NormDefault
		}
		return nn.NewConvBlock(b, cfg)
	}
	return &MaskHead[B]{
		conv1: block(),
		conv2: block(),
		conv3: block(),
		conv4: block(),
		deconv: nn.NewConvBlock(b, nn.ConvBlockConfig{
			In: fChannels, Out: fChannels, Kernel: 2, Stride: 2,
			Norm: nn.NormDefault, Activation: nn.ActDefault, Transposed: true,
		}),
		maskFC: conv1x1(b, fChannels, numClasses),
	}
}

// ForwardMulti returns [mask] for per-level RoI features.
func (h *MaskHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if len(ps) == 0 {
		panic("mask_head: no input")
	}
	xs := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		xs[i] = h.conv1.Forward(p)
	}
	x := tensor.MaxStack(xs)
	x = h.conv2.Forward(x)
	x = h.conv3.Forward(x)
	x = h.conv4.Forward(x)
	x = h.deconv.Forward(x)
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{h.maskFC.Forward(x)})
}

// Parameters returns all parameters.
func (h *MaskHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns conv1..conv4, deconv and mask_fc.
func (h *MaskHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "conv1", Component: h.conv1},
		{Name: "conv2", Component: h.conv2},
		{Name: "conv3", Component: h.conv3},
		{Name: "conv4", Component: h.conv4},
		{Name: "deconv", Component: h.deconv},
		{Name: "mask_fc", Component: h.maskFC},
	}
}
