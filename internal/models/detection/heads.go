package detection

import (
	"fmt"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// Defaults of the original head designs.
const (
	DefaultFChannels  = 256
	DefaultInChannels = 245
	DefaultNumLayers  = 4

	// PriorProb is the initial foreground probability of classification
	// outputs: their bias starts at -log((1-p)/p).
	PriorProb = 0.01
)

func initClsBias[B tensor.Backend](m nn.Biased[B]) {
	nn.BiasInitConstant(m, float32(nn.InverseSigmoid(PriorProb)))
}

func conv1x1[B tensor.Backend](b *nn.Builder[B], in, out int) *nn.Conv2D[B] {
	return nn.NewConv2D(b, nn.Conv2DConfig{In: in, Out: out, Kernel: 1})
}

func conv3x3[B tensor.Backend](b *nn.Builder[B], in, out int) *nn.Conv2D[B] {
	return nn.NewConv2D(b, nn.Conv2DConfig{In: in, Out: out, Kernel: 3, Padding: 1})
}

// normThen prefixes m with a norm layer unless norm is empty.
func normThen[B tensor.Backend](b *nn.Builder[B], norm string, channels int, m nn.Module[B]) nn.Module[B] {
	if norm == "" {
		return m
	}
	return nn.NewSequential(b.NormLayer(norm, channels), m)
}

// SharedDWConvHead is a light RPN head: one 5x5 depthwise-separable conv
// block shared by every level, followed by 1x1 loc and cls convolutions.
type SharedDWConvHead[B tensor.Backend] struct {
	nn.Hooks[B]

	numClasses     int
	returnFeatures bool

	conv    *nn.DWConv2D[B]
	locConv *nn.Conv2D[B]
	clsConv *nn.Conv2D[B]
}

// NewSharedDWConvHead creates the head. With returnFeatures, ForwardMulti
// stops after the first level and also returns its features.
func NewSharedDWConvHead[B tensor.Backend](b *nn.Builder[B], numAnchors, numClasses, inChannels, fChannels int, returnFeatures bool, norm string) *SharedDWConvHead[B] {
	h := &SharedDWConvHead[B]{
		numClasses:     numClasses,
		returnFeatures: returnFeatures,
		conv: nn.NewDWConv2D(b, nn.DWConv2DConfig{
			In: inChannels, Out: fChannels, Kernel: 5, Padding: 2,
			MidNorm: norm, Norm: norm, Act: nn.ActDefault,
		}),
		locConv: conv1x1(b, fChannels, numAnchors*4),
		clsConv: conv1x1(b, fChannels, numAnchors*numClasses),
	}
	initClsBias[B](h.clsConv)
	return h
}

// ForwardMulti returns [loc, cls], or [loc, cls, features] of the first
// level when the head returns features.
func (h *SharedDWConvHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	var locs, clss []*tensor.Tensor[float32, B]
	for _, p := range ps {
		p = h.conv.Forward(p)
		loc := ToPred(h.locConv.Forward(p), 4)
		cls := ToPred(h.clsConv.Forward(p), h.numClasses)
		if h.returnFeatures {
			return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{loc, cls, p})
		}
		locs = append(locs, loc)
		clss = append(clss, cls)
	}
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{concat(locs, 1), concat(clss, 1)})
}

// Parameters returns all parameters.
func (h *SharedDWConvHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns conv, loc_conv and cls_conv.
func (h *SharedDWConvHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "conv", Component: h.conv},
		{Name: "loc_conv", Component: h.locConv},
		{Name: "cls_conv", Component: h.clsConv},
	}
}

// ConvHead is the RetinaNet head: separate loc and cls towers of numLayers
// 3x3 conv blocks and a final 3x3 convolution, shared by every level.
type ConvHead[B tensor.Backend] struct {
	nn.Hooks[B]

	numClasses int
	locHead    *nn.Sequential[B]
	clsHead    *nn.Sequential[B]
}

// NewConvHead creates the head.
func NewConvHead[B tensor.Backend](b *nn.Builder[B], numAnchors, numClasses, fChannels, numLayers int, norm string) *ConvHead[B] {
	tower := func(out int) *nn.Sequential[B] {
		s := nn.NewSequential[B]()
		for i := 0; i < numLayers; i++ {
			s.Add(nn.NewConvBlock(b, nn.ConvBlockConfig{
				In: fChannels, Out: fChannels, Kernel: 3,
				Norm: norm, Activation: nn.ActDefault,
			}))
		}
		s.Add(conv3x3(b, fChannels, out))
		return s
	}
	h := &ConvHead[B]{
		numClasses: numClasses,
		locHead:    tower(numAnchors * 4),
		clsHead:    tower(numAnchors * numClasses),
	}
	initClsBias(h.clsHead.Module(h.clsHead.Len() - 1).(nn.Biased[B]))
	return h
}

// ForwardMulti returns [loc, cls].
func (h *ConvHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	locs := make([]*tensor.Tensor[float32, B], len(ps))
	clss := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		locs[i] = ToPred(h.locHead.Forward(p), 4)
		clss[i] = ToPred(h.clsHead.Forward(p), h.numClasses)
	}
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{concat(locs, 1), concat(clss, 1)})
}

// Parameters returns all parameters.
func (h *ConvHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns loc_head and cls_head.
func (h *ConvHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "loc_head", Component: h.locHead},
		{Name: "cls_head", Component: h.clsHead},
	}
}

// SSDHead predicts fused loc and cls maps with one 3x3 convolution per level,
// optionally preceded by a norm layer.
//
// numAnchors holds one count per level, or a single count for all levels.
type SSDHead[B tensor.Backend] struct {
	nn.Hooks[B]

	numClasses int
	preds      *nn.ModuleList[B]
}

// NewSSDHead creates the head for levels with the given input channels.
func NewSSDHead[B tensor.Backend](b *nn.Builder[B], numAnchors []int, numClasses int, inChannels []int, norm string) *SSDHead[B] {
	anchors := perLevel(numAnchors, len(inChannels))
	h := &SSDHead[B]{numClasses: numClasses, preds: nn.NewModuleList[B]()}
	for i, c := range inChannels {
		h.preds.Append(normThen(b, norm, c, nn.Module[B](conv3x3(b, c, anchors[i]*(numClasses+4)))))
	}
	return h
}

// ForwardMulti returns [loc, cls] for one map per level.
func (h *SSDHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	checkLevels("ssd_head", len(ps), h.preds.Len())
	preds := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		preds[i] = h.preds.Module(i).Forward(p)
	}
	loc, cls := LocClsPreds(preds, h.numClasses)
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{loc, cls})
}

// Parameters returns all parameters.
func (h *SSDHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns preds.
func (h *SSDHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{{Name: "preds", Component: h.preds}}
}

// SepSSDHead is SSDHead with separate loc and cls convolutions per level.
type SepSSDHead[B tensor.Backend] struct {
	nn.Hooks[B]

	numClasses int
	locConvs   *nn.ModuleList[B]
	clsConvs   *nn.ModuleList[B]
}

// NewSepSSDHead creates the head.
func NewSepSSDHead[B tensor.Backend](b *nn.Builder[B], numAnchors []int, numClasses int, inChannels []int, norm string) *SepSSDHead[B] {
	anchors := perLevel(numAnchors, len(inChannels))
	h := &SepSSDHead[B]{
		numClasses: numClasses,
		locConvs:   nn.NewModuleList[B](),
		clsConvs:   nn.NewModuleList[B](),
	}
	for i, c := range inChannels {
		h.locConvs.Append(normThen(b, norm, c, nn.Module[B](conv3x3(b, c, anchors[i]*4))))
		h.clsConvs.Append(normThen(b, norm, c, nn.Module[B](conv3x3(b, c, anchors[i]*numClasses))))
	}
	return h
}

// ForwardMulti returns [loc, cls] for one map per level.
func (h *SepSSDHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	checkLevels("sep_ssd_head", len(ps), h.locConvs.Len())
	return h.Outputs(h, ps, separate(ps, h.locConvs, h.clsConvs, h.numClasses))
}

// Parameters returns all parameters.
func (h *SepSSDHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns loc_convs and cls_convs.
func (h *SepSSDHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "loc_convs", Component: h.locConvs},
		{Name: "cls_convs", Component: h.clsConvs},
	}
}

// SSDLiteHead is SSDHead with 3x3 depthwise-separable convolutions.
type SSDLiteHead[B tensor.Backend] struct {
	nn.Hooks[B]

	numClasses int
	convs      *nn.ModuleList[B]
}

// NewSSDLiteHead creates the head.
func NewSSDLiteHead[B tensor.Backend](b *nn.Builder[B], numAnchors []int, numClasses int, inChannels []int, norm string) *SSDLiteHead[B] {
	anchors := perLevel(numAnchors, len(inChannels))
	h := &SSDLiteHead[B]{numClasses: numClasses, convs: nn.NewModuleList[B]()}
	for i, c := range inChannels {
		h.convs.Append(normThen(b, norm, c, nn.Module[B](dwConv3x3(b, c, anchors[i]*(numClasses+4)))))
	}
	return h
}

func dwConv3x3[B tensor.Backend](b *nn.Builder[B], in, out int) *nn.DWConv2D[B] {
	return nn.NewDWConv2D(b, nn.DWConv2DConfig{In: in, Out: out, Kernel: 3, Padding: 1})
}

// ForwardMulti returns [loc, cls] for one map per level.
func (h *SSDLiteHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	checkLevels("ssdlite_head", len(ps), h.convs.Len())
	preds := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		preds[i] = h.convs.Module(i).Forward(p)
	}
	loc, cls := LocClsPreds(preds, h.numClasses)
	return h.Outputs(h, ps, []*tensor.Tensor[float32, B]{loc, cls})
}

// Parameters returns all parameters.
func (h *SSDLiteHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns convs.
func (h *SSDLiteHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{{Name: "convs", Component: h.convs}}
}

// SepSSDLiteHead is SSDLiteHead with separate loc and cls convolutions.
type SepSSDLiteHead[B tensor.Backend] struct {
	nn.Hooks[B]

	numClasses int
	locConvs   *nn.ModuleList[B]
	clsConvs   *nn.ModuleList[B]
}

// NewSepSSDLiteHead creates the head.
func NewSepSSDLiteHead[B tensor.Backend](b *nn.Builder[B], numAnchors []int, numClasses int, inChannels []int, norm string) *SepSSDLiteHead[B] {
	anchors := perLevel(numAnchors, len(inChannels))
	h := &SepSSDLiteHead[B]{
		numClasses: numClasses,
		locConvs:   nn.NewModuleList[B](),
		clsConvs:   nn.NewModuleList[B](),
	}
	for i, c := range inChannels {
		h.locConvs.Append(normThen(b, norm, c, nn.Module[B](dwConv3x3(b, c, anchors[i]*4))))
		h.clsConvs.Append(normThen(b, norm, c, nn.Module[B](dwConv3x3(b, c, anchors[i]*numClasses))))
	}
	return h
}

// ForwardMulti returns [loc, cls] for one map per level.
func (h *SepSSDLiteHead[B]) ForwardMulti(ps ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	checkLevels("sep_ssdlite_head", len(ps), h.locConvs.Len())
	return h.Outputs(h, ps, separate(ps, h.locConvs, h.clsConvs, h.numClasses))
}

// Parameters returns all parameters.
func (h *SepSSDLiteHead[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(h.Children())
}

// Children returns loc_convs and cls_convs.
func (h *SepSSDLiteHead[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "loc_convs", Component: h.locConvs},
		{Name: "cls_convs", Component: h.clsConvs},
	}
}

// separate applies per-level loc and cls convolutions and flattens them.
func separate[B tensor.Backend](ps []*tensor.Tensor[float32, B], locConvs, clsConvs *nn.ModuleList[B], numClasses int) []*tensor.Tensor[float32, B] {
	locs := make([]*tensor.Tensor[float32, B], len(ps))
	clss := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		locs[i] = ToPred(locConvs.Module(i).Forward(p), 4)
		clss[i] = ToPred(clsConvs.Module(i).Forward(p), numClasses)
	}
	return []*tensor.Tensor[float32, B]{concat(locs, 1), concat(clss, 1)}
}

func checkLevels(op string, got, want int) {
	if got != want {
		panic(fmt.Sprintf("%s: got %d feature maps, built for %d levels", op, got, want))
	}
}
