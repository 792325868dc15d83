package detection

import (
	"errors"
	"fmt"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// ErrTargetsRequired is returned when a detector in training mode with a
// matcher is called without ground truths.
var ErrTargetsRequired = errors.New("targets must be provided in training")

// ErrNoRoIs is returned by a training pass when the RoI matcher samples
// nothing.
var ErrNoRoIs = errors.New("no rois to pool")

// ErrNoInference is returned when a detector needs to decode predictions but
// was built without an inference function.
var ErrNoInference = errors.New("detector has no inference function")

// GroundTruth is the annotation of one image.
type GroundTruth struct {
	Boxes   [][4]float32 // LTRB in image coordinates
	Classes []int        // 1-based, 0 is background
}

// Matcher builds anchor targets (e.g. loc_t, cls_t, ignore) from the feature
// pyramid and the ground truths of a batch.
type Matcher[B tensor.Backend] func(features []*tensor.Tensor[float32, B], targets []GroundTruth) []*tensor.Tensor[float32, B]

// AnchorMatcher builds anchor targets from ground truths alone.
type AnchorMatcher[B tensor.Backend] func(targets []GroundTruth) []*tensor.Tensor[float32, B]

// RoIMatcher samples proposals for training. It returns the RoI targets
// (loc_t, cls_t and, for masks, mask_t) and the sampled [R, 5] RoIs.
type RoIMatcher[B tensor.Backend] func(rois *tensor.Tensor[float32, B], targets []GroundTruth) (roiTargets []*tensor.Tensor[float32, B], sampled *tensor.Tensor[float32, B])

// Inference decodes head outputs. For a region proposal network the first
// result must be the [R, 5] RoIs (batch index, x1, y1, x2, y2), or nil when
// nothing is proposed.
type Inference[B tensor.Backend] func(preds ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]

// BoxInference decodes box head outputs for [R, 4] proposal boxes.
type BoxInference[B tensor.Backend] func(boxes *tensor.Tensor[float32, B], preds ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]

// MaskInference decodes box head outputs and may call predictMask to run the
// mask head on selected RoIs of one image.
type MaskInference[B tensor.Backend] func(boxes, loc, cls *tensor.Tensor[float32, B], predictMask func(image int, indices []int) *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]

// Pooler extracts fixed-size features for RoIs.
type Pooler[B tensor.Backend] interface {
	nn.Component[B]
	Pool(features, rois *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
}

// run applies c to xs. A nil c passes xs through.
func run[B tensor.Backend](c nn.Component[B], xs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if c == nil {
		return xs
	}
	return nn.Apply(c, xs...)
}

func children[B tensor.Backend](named ...nn.Child[B]) []nn.Child[B] {
	out := named[:0:0]
	for _, c := range named {
		if c.Component != nil {
			out = append(out, c)
		}
	}
	return out
}

// evaluate runs fn with every layer of c in evaluation mode and then
// restores the previous modes.
func evaluate[B tensor.Backend](c nn.Component[B], fn func()) {
	restore := nn.Eval(c)
	defer restore()
	fn()
}

// OneStageDetector composes a backbone, an optional feature pyramid and a
// head; Inference decodes the head outputs.
//
// The backbone and the pyramid may be Modules or MultiModules.
type OneStageDetector[B tensor.Backend] struct {
	backbone  nn.Component[B]
	fpn       nn.Component[B]
	head      nn.MultiModule[B]
	inference Inference[B]
}

// NewOneStageDetector creates a detector. fpn and inference may be nil.
func NewOneStageDetector[B tensor.Backend](backbone, fpn nn.Component[B], head nn.MultiModule[B], inference Inference[B]) *OneStageDetector[B] {
	return &OneStageDetector[B]{backbone: backbone, fpn: fpn, head: head, inference: inference}
}

// ForwardMulti returns the head outputs for images inputs[0].
func (d *OneStageDetector[B]) ForwardMulti(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	features := run(d.fpn, run(d.backbone, inputs...)...)
	return d.head.ForwardMulti(features...)
}

// Inference runs the detector in evaluation mode and decodes the outputs.
// Without an inference function the raw head outputs are returned.
func (d *OneStageDetector[B]) Inference(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	var preds []*tensor.Tensor[float32, B]
	evaluate[B](d, func() {
		preds = d.ForwardMulti(x)
		if d.inference != nil {
			preds = d.inference(preds...)
		}
	})
	return preds
}

// Parameters returns all parameters.
func (d *OneStageDetector[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(d.Children())
}

// Children returns backbone, fpn (if any) and head.
func (d *OneStageDetector[B]) Children() []nn.Child[B] {
	return children(
		nn.Child[B]{Name: "backbone", Component: d.backbone},
		nn.Child[B]{Name: "fpn", Component: d.fpn},
		nn.Child[B]{Name: "head", Component: d.head},
	)
}

// Proposal is the result of a region proposal pass.
type Proposal[B tensor.Backend] struct {
	Features []*tensor.Tensor[float32, B]
	RoIs     *tensor.Tensor[float32, B] // [R, 5], nil if none

	// Set in training mode only.
	Loc, Cls *tensor.Tensor[float32, B]
	Targets  []*tensor.Tensor[float32, B] // matcher outputs, if any
}

// RPN is a region proposal network: backbone, optional pyramid and an
// RPNHead-like head whose outputs are decoded into RoIs.
type RPN[B tensor.Backend] struct {
	backbone  nn.Component[B]
	fpn       nn.Component[B]
	head      nn.MultiModule[B]
	matcher   Matcher[B]
	inference Inference[B]
	training  bool
}

// NewRPN creates a region proposal network in training mode. fpn and
// matcher may be nil.
func NewRPN[B tensor.Backend](backbone, fpn nn.Component[B], head nn.MultiModule[B], matcher Matcher[B], inference Inference[B]) *RPN[B] {
	return &RPN[B]{
		backbone:  backbone,
		fpn:       fpn,
		head:      head,
		matcher:   matcher,
		inference: inference,
		training:  true,
	}
}

func (r *RPN[B]) features(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	return run(r.fpn, run(r.backbone, x)...)
}

// Forward returns the head outputs followed, in training mode with a
// matcher, by the matcher targets.
func (r *RPN[B]) Forward(x *tensor.Tensor[float32, B], targets []GroundTruth) ([]*tensor.Tensor[float32, B], error) {
	features := r.features(x)
	outputs := r.head.ForwardMulti(features...)
	if r.training && r.matcher != nil {
		if targets == nil {
			return nil, fmt.Errorf("rpn: %w", ErrTargetsRequired)
		}
		outputs = append(outputs, r.matcher(features, targets)...)
	}
	return outputs, nil
}

// ForwardMulti returns the head outputs for images inputs[0].
func (r *RPN[B]) ForwardMulti(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	return r.head.ForwardMulti(run(r.fpn, run(r.backbone, inputs...)...)...)
}

// RegionProposal computes features and decoded RoIs. In training mode the
// raw predictions and, with a matcher, its targets are included.
func (r *RPN[B]) RegionProposal(x *tensor.Tensor[float32, B], targets []GroundTruth) (*Proposal[B], error) {
	if r.inference == nil {
		return nil, fmt.Errorf("rpn: %w", ErrNoInference)
	}
	features := r.features(x)
	preds := r.head.ForwardMulti(features...)
	if len(preds) < 2 {
		return nil, fmt.Errorf("rpn: head returned %d outputs, want loc and cls", len(preds))
	}
	decoded := r.inference(preds[0], preds[1])
	if len(decoded) == 0 {
		return nil, fmt.Errorf("rpn: inference returned no rois")
	}
	p := &Proposal[B]{Features: features, RoIs: decoded[0]}
	if r.training {
		p.Loc, p.Cls = preds[0], preds[1]
		if r.matcher != nil {
			if targets == nil {
				return nil, fmt.Errorf("rpn: %w", ErrTargetsRequired)
			}
			p.Targets = r.matcher(features, targets)
		}
	}
	return p, nil
}

// SetTraining switches between training and evaluation behaviour.
func (r *RPN[B]) SetTraining(training bool) {
	r.training = training
}

// Training reports the current mode.
func (r *RPN[B]) Training() bool {
	return r.training
}

// Parameters returns all parameters.
func (r *RPN[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(r.Children())
}

// Children returns backbone, fpn (if any) and head.
func (r *RPN[B]) Children() []nn.Child[B] {
	return children(
		nn.Child[B]{Name: "backbone", Component: r.backbone},
		nn.Child[B]{Name: "fpn", Component: r.fpn},
		nn.Child[B]{Name: "head", Component: r.head},
	)
}

// RCNNOutput holds the training outputs of a two-stage detector.
type RCNNOutput[B tensor.Backend] struct {
	Loc, Cls   *tensor.Tensor[float32, B] // box head predictions
	Mask       *tensor.Tensor[float32, B] // mask logits of positive RoIs (Mask R-CNN)
	Targets    []*tensor.Tensor[float32, B]
	RPNLoc     *tensor.Tensor[float32, B]
	RPNCls     *tensor.Tensor[float32, B]
	RPNTargets []*tensor.Tensor[float32, B]
}

// FasterRCNN pools RPN proposals from every feature level and classifies
// them with a box head.
type FasterRCNN[B tensor.Backend] struct {
	rpn        *RPN[B]
	roiMatcher RoIMatcher[B]
	roiPool    Pooler[B]
	boxHead    nn.MultiModule[B]
	inference  BoxInference[B]
}

// NewFasterRCNN creates the detector.
func NewFasterRCNN[B tensor.Backend](rpn *RPN[B], roiMatcher RoIMatcher[B], roiPool Pooler[B], boxHead nn.MultiModule[B], inference BoxInference[B]) *FasterRCNN[B] {
	return &FasterRCNN[B]{rpn: rpn, roiMatcher: roiMatcher, roiPool: roiPool, boxHead: boxHead, inference: inference}
}

func poolAll[B tensor.Backend](pool Pooler[B], features []*tensor.Tensor[float32, B], rois *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	ps := make([]*tensor.Tensor[float32, B], len(features))
	for i, f := range features {
		ps[i] = pool.Pool(f, rois)
	}
	return ps
}

// Forward runs a training pass against ground truths.
func (f *FasterRCNN[B]) Forward(x *tensor.Tensor[float32, B], targets []GroundTruth) (*RCNNOutput[B], error) {
	if targets == nil {
		return nil, fmt.Errorf("faster_rcnn: %w", ErrTargetsRequired)
	}
	prop, err := f.rpn.RegionProposal(x, targets)
	if err != nil {
		return nil, fmt.Errorf("faster_rcnn: %w", err)
	}
	roiTargets, rois := f.roiMatcher(prop.RoIs, targets)
	if rois == nil {
		return nil, fmt.Errorf("faster_rcnn: %w", ErrNoRoIs)
	}
	preds := f.boxHead.ForwardMulti(poolAll(f.roiPool, prop.Features, rois)...)
	return &RCNNOutput[B]{
		Loc:        preds[0],
		Cls:        preds[1],
		Targets:    roiTargets,
		RPNLoc:     prop.Loc,
		RPNCls:     prop.Cls,
		RPNTargets: prop.Targets,
	}, nil
}

// Inference detects objects in evaluation mode. It returns no detections
// when the RPN proposes nothing.
func (f *FasterRCNN[B]) Inference(x *tensor.Tensor[float32, B]) ([]*tensor.Tensor[float32, B], error) {
	if f.inference == nil {
		return nil, fmt.Errorf("faster_rcnn: %w", ErrNoInference)
	}
	var (
		dets []*tensor.Tensor[float32, B]
		err  error
	)
	evaluate[B](f, func() {
		var prop *Proposal[B]
		prop, err = f.rpn.RegionProposal(x, nil)
		if err != nil || prop.RoIs == nil {
			return
		}
		preds := f.boxHead.ForwardMulti(poolAll(f.roiPool, prop.Features, prop.RoIs)...)
		dets = f.inference(prop.RoIs.Narrow(1, 1, 4), preds...)
	})
	if err != nil {
		return nil, fmt.Errorf("faster_rcnn: %w", err)
	}
	return dets, nil
}

// Parameters returns all parameters.
func (f *FasterRCNN[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(f.Children())
}

// Children returns rpn, roi_pool and box_head.
func (f *FasterRCNN[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "rpn", Component: f.rpn},
		{Name: "roi_pool", Component: f.roiPool},
		{Name: "box_head", Component: f.boxHead},
	}
}

// MaskRCNN extends Faster R-CNN with a mask head run on positive RoIs.
type MaskRCNN[B tensor.Backend] struct {
	matchAnchors AnchorMatcher[B]
	rpn          *RPN[B]
	roiMatch     RoIMatcher[B]
	roiPool      Pooler[B]
	boxHead      nn.MultiModule[B]
	maskHead     nn.MultiModule[B]
	inference    MaskInference[B]
}

// NewMaskRCNN creates the detector. roiMatch must return loc_t, cls_t and
// mask_t; cls_t is a [R] tensor of class indices with 0 for background.
// Anchor targets come from matchAnchors, so rpn should have no matcher.
func NewMaskRCNN[B tensor.Backend](matchAnchors AnchorMatcher[B], rpn *RPN[B], roiMatch RoIMatcher[B], roiPool Pooler[B], boxHead, maskHead nn.MultiModule[B], inference MaskInference[B]) *MaskRCNN[B] {
	return &MaskRCNN[B]{
		matchAnchors: matchAnchors,
		rpn:          rpn,
		roiMatch:     roiMatch,
		roiPool:      roiPool,
		boxHead:      boxHead,
		maskHead:     maskHead,
		inference:    inference,
	}
}

// Forward runs a training pass against ground truths. Mask is nil when no
// RoI is positive.
func (m *MaskRCNN[B]) Forward(x *tensor.Tensor[float32, B], targets []GroundTruth) (*RCNNOutput[B], error) {
	if targets == nil {
		return nil, fmt.Errorf("mask_rcnn: %w", ErrTargetsRequired)
	}
	rpnTargets := m.matchAnchors(targets)
	prop, err := m.rpn.RegionProposal(x, nil)
	if err != nil {
		return nil, fmt.Errorf("mask_rcnn: %w", err)
	}
	roiTargets, rois := m.roiMatch(prop.RoIs, targets)
	if rois == nil {
		return nil, fmt.Errorf("mask_rcnn: %w", ErrNoRoIs)
	}
	if len(roiTargets) < 2 {
		return nil, fmt.Errorf("mask_rcnn: roi matcher returned %d targets, want loc, cls and mask", len(roiTargets))
	}

	ps := poolAll(m.roiPool, prop.Features, rois)
	preds := m.boxHead.ForwardMulti(ps...)
	out := &RCNNOutput[B]{
		Loc:        preds[0],
		Cls:        preds[1],
		Targets:    roiTargets,
		RPNLoc:     prop.Loc,
		RPNCls:     prop.Cls,
		RPNTargets: rpnTargets,
	}

	var pos []int
	for i, c := range roiTargets[1].Data() {
		if c != 0 {
			pos = append(pos, i)
		}
	}
	if len(pos) > 0 {
		selected := make([]*tensor.Tensor[float32, B], len(ps))
		for i, p := range ps {
			selected[i] = selectRows(p, 0, pos)
		}
		out.Mask = m.maskHead.ForwardMulti(selected...)[0]
	}
	return out, nil
}

// Inference detects objects and predicts their masks in evaluation mode.
// Every image must have the same number of RoIs. It returns no detections
// when the RPN proposes nothing.
func (m *MaskRCNN[B]) Inference(x *tensor.Tensor[float32, B]) ([]*tensor.Tensor[float32, B], error) {
	if m.inference == nil {
		return nil, fmt.Errorf("mask_rcnn: %w", ErrNoInference)
	}
	batch := x.Dim(0)
	var (
		dets []*tensor.Tensor[float32, B]
		err  error
	)
	evaluate[B](m, func() {
		var prop *Proposal[B]
		prop, err = m.rpn.RegionProposal(x, nil)
		if err != nil || prop.RoIs == nil {
			return
		}
		numRoIs := prop.RoIs.Dim(0)
		if numRoIs%batch != 0 {
			err = fmt.Errorf("%d rois for %d images", numRoIs, batch)
			return
		}
		perImage := numRoIs / batch

		ps := poolAll(m.roiPool, prop.Features, prop.RoIs)
		preds := m.boxHead.ForwardMulti(ps...)
		predictMask := func(image int, indices []int) *tensor.Tensor[float32, B] {
			rows := make([]int, len(indices))
			for i, idx := range indices {
				rows[i] = image*perImage + idx
			}
			selected := make([]*tensor.Tensor[float32, B], len(ps))
			for i, p := range ps {
				selected[i] = selectRows(p, 0, rows)
			}
			return m.maskHead.ForwardMulti(selected...)[0]
		}
		dets = m.inference(prop.RoIs.Narrow(1, 1, 4), preds[0], preds[1], predictMask)
	})
	if err != nil {
		return nil, fmt.Errorf("mask_rcnn: %w", err)
	}
	return dets, nil
}

// Parameters returns all parameters.
func (m *MaskRCNN[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters(m.Children())
}

// Children returns rpn, roi_pool, box_head and mask_head.
func (m *MaskRCNN[B]) Children() []nn.Child[B] {
	return []nn.Child[B]{
		{Name: "rpn", Component: m.rpn},
		{Name: "roi_pool", Component: m.roiPool},
		{Name: "box_head", Component: m.boxHead},
		{Name: "mask_head", Component: m.maskHead},
	}
}

// selectRows gathers the given indices of dimension dim.
func selectRows[B tensor.Backend](t *tensor.Tensor[float32, B], dim int, indices []int) *tensor.Tensor[float32, B] {
	parts := make([]*tensor.Tensor[float32, B], len(indices))
	for i, idx := range indices {
		parts[i] = t.Narrow(dim, idx, 1)
	}
	return concat(parts, dim)
}
