package detection

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

type testBackend = *cpu.CPUBackend

type T = tensor.Tensor[float32, testBackend]

func randn(shape ...int) *T {
	return tensor.Randn[float32](tensor.Shape(shape), rand.New(rand.NewSource(5)), cpu.New())
}

func fromSlice(t *testing.T, data []float32, shape ...int) *T {
	x, err := tensor.FromSlice(data, tensor.Shape(shape), cpu.New())
	require.NoError(t, err)
	return x
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func TestToPred(t *testing.T) {
	// [1, 2, 1, 2]: channel 0 = [1 2], channel 1 = [3 4].
	p := fromSlice(t, seq(4), 1, 2, 1, 2)
	out := ToPred(p, 2)
	assert.Equal(t, tensor.Shape{1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 3, 2, 4}, out.Data())

	single := ToPred(fromSlice(t, seq(6), 1, 1, 2, 3), 1)
	assert.Equal(t, tensor.Shape{1, 6}, single.Shape())
	// Column-major over (H, W): (0,0) (1,0) (0,1) ...
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, single.Data())

	assert.Equal(t, tensor.Shape{2, 30, 4}, ToPred(randn(2, 8, 3, 5), 4).Shape())
	assert.Panics(t, func() { ToPred(randn(2, 6, 3, 5), 4) })
}

func TestLocClsPreds(t *testing.T) {
	ps := []*T{randn(2, 2*(3+4), 4, 4), randn(2, 3*(3+4), 2, 2)}
	loc, cls := LocClsPreds(ps, 3)
	assert.Equal(t, tensor.Shape{2, 44, 4}, loc.Shape())
	assert.Equal(t, tensor.Shape{2, 44, 3}, cls.Shape())

	// The first anchor of the first level is the first 7 channels at (0, 0).
	fused := ToPred(ps[0], 7)
	assert.Equal(t, fused.At(1, 0, 2), loc.At(1, 0, 2))
	assert.Equal(t, fused.At(1, 0, 5), cls.At(1, 0, 1))

	_, single := LocClsPreds([]*T{randn(1, 5, 2, 2)}, 1)
	assert.Equal(t, tensor.Shape{1, 4}, single.Shape())
}

func TestSplitLevels(t *testing.T) {
	tests := []struct {
		levels       []int
		splitAt      int
		basic, extra []int
	}{
		{[]int{3, 4, 5, 6, 7}, 5, []int{3, 4, 5}, []int{6, 7}},
		{[]int{3, 4, 5}, 5, []int{3, 4, 5}, nil},
		{[]int{6, 7}, 5, nil, []int{6, 7}},
		{[]int{2}, 5, []int{2}, nil},
	}
	for _, tt := range tests {
		basic, extra, err := SplitLevels(tt.levels, tt.splitAt)
		require.NoError(t, err)
		assert.Equal(t, tt.basic, basic)
		assert.Equal(t, tt.extra, extra)
	}

	_, _, err := SplitLevels([]int{3, 5}, 5)
	assert.Error(t, err)
	_, _, err = SplitLevels(nil, 5)
	assert.Error(t, err)
}

func pyramid() []*T {
	return []*T{randn(2, 16, 8, 8), randn(2, 16, 4, 4)}
}

func TestSharedDWConvHead(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	head := NewSharedDWConvHead(b, 3, 4, 16, 8, false, nn.NormBatch)

	out := head.ForwardMulti(pyramid()...)
	require.Len(t, out, 2)
	assert.Equal(t, tensor.Shape{2, 240, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{2, 240, 4}, out[1].Shape())

	want := float32(nn.InverseSigmoid(PriorProb))
	for _, v := range head.clsConv.Bias().Tensor().Data() {
		assert.InDelta(t, want, v, 1e-6)
	}

	withFeatures := NewSharedDWConvHead(b, 3, 4, 16, 8, true, nn.NormBatch)
	out = withFeatures.ForwardMulti(pyramid()...)
	require.Len(t, out, 3)
	assert.Equal(t, tensor.Shape{2, 192, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{2, 8, 8, 8}, out[2].Shape())
}

func TestConvHead(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	head := NewConvHead(b, 3, 5, 16, 2, nn.NormBatch)

	out := head.ForwardMulti(pyramid()...)
	assert.Equal(t, tensor.Shape{2, 240, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{2, 240, 5}, out[1].Shape())

	state := nn.StateDict[testBackend](head)
	assert.Contains(t, state, "cls_head.1.norm.running_mean")
	assert.Contains(t, state, "cls_head.2.bias")
	assert.InDelta(t, nn.InverseSigmoid(PriorProb), float64(state["cls_head.2.bias"].AsFloat32()[0]), 1e-6)
	assert.NotEqual(t, state["loc_head.2.bias"].AsFloat32()[0], state["cls_head.2.bias"].AsFloat32()[0])
}

func TestSSDHeads(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	ps := []*T{randn(2, 16, 4, 4), randn(2, 8, 2, 2)}
	anchors := []int{4, 6}
	channels := []int{16, 8}
	// 4*16 + 6*4 anchors.
	const total = 88

	heads := map[string]nn.MultiModule[testBackend]{
		"ssd":         NewSSDHead(b, anchors, 3, channels, nn.NormBatch),
		"sep_ssd":     NewSepSSDHead(b, anchors, 3, channels, nn.NormBatch),
		"ssdlite":     NewSSDLiteHead(b, anchors, 3, channels, nn.NormBatch),
		"sep_ssdlite": NewSepSSDLiteHead(b, anchors, 3, channels, ""),
	}
	for name, head := range heads {
		t.Run(name, func(t *testing.T) {
			out := head.ForwardMulti(ps...)
			require.Len(t, out, 2)
			assert.Equal(t, tensor.Shape{2, total, 4}, out[0].Shape())
			assert.Equal(t, tensor.Shape{2, total, 3}, out[1].Shape())
			assert.Panics(t, func() { head.ForwardMulti(ps[0]) })
		})
	}
}

func TestSSDHead_Options(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)

	withNorm := nn.StateDict[testBackend](NewSSDHead(b, []int{2}, 3, []int{16, 8}, nn.NormBatch))
	assert.Contains(t, withNorm, "preds.0.0.running_mean")
	assert.Contains(t, withNorm, "preds.1.1.weight")

	plain := nn.StateDict[testBackend](NewSSDHead(b, []int{2}, 3, []int{16, 8}, ""))
	assert.Equal(t, tensor.Shape{2 * 7, 8, 3, 3}, plain["preds.1.weight"].Shape())

	single := NewSepSSDHead(b, []int{2}, 1, []int{16}, "")
	out := single.ForwardMulti(randn(2, 16, 3, 3))
	assert.Equal(t, tensor.Shape{2, 18}, out[1].Shape())

	assert.Panics(t, func() { NewSSDHead(b, []int{2, 3, 4}, 3, []int{16, 8}, "") })
}

func TestRPNHead(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)

	head := NewRPNHead(b, 3, 16, 8, false)
	out := head.ForwardMulti(pyramid()...)
	assert.Equal(t, tensor.Shape{2, 240, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{2, 240, 2}, out[1].Shape())

	lite := NewRPNHead(b, 3, 16, 8, true)
	state := nn.StateDict[testBackend](lite)
	assert.Equal(t, tensor.Shape{16, 1, 5, 5}, state["conv.conv.depthwise.weight"].Shape())
	assert.Contains(t, state, "conv.conv.mid_norm.running_var")
	assert.Equal(t, tensor.Shape{2, 240, 2}, lite.ForwardMulti(pyramid()...)[1].Shape())
}

func TestThunderRCNNHead(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	head := NewThunderRCNNHead(b, 5, 16, 8, nn.NormBatch)

	out := head.ForwardMulti(randn(6, 16))
	assert.Equal(t, tensor.Shape{6, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{6, 5}, out[1].Shape())

	out = head.ForwardMulti(randn(2, 3, 16))
	assert.Equal(t, tensor.Shape{2, 3, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{2, 3, 5}, out[1].Shape())

	assert.Panics(t, func() { head.ForwardMulti(randn(2, 16, 1, 1)) })
}

func TestBox2FCHead(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	head := NewBox2FCHead(b, 5, 8*2*2, 8)

	out := head.ForwardMulti(randn(6, 8, 2, 2), randn(6, 8, 2, 2))
	assert.Equal(t, tensor.Shape{6, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{6, 5}, out[1].Shape())

	for _, v := range head.locFC.Weight().Tensor().Data() {
		assert.Less(t, math.Abs(float64(v)), 0.01)
	}
}

func TestMaskHead(t *testing.T) {
	for _, lite := range []bool{false, true} {
		b := nn.NewBuilder(cpu.New(), 1)
		head := NewMaskHead(b, 3, 8, lite)
		out := head.ForwardMulti(randn(6, 8, 4, 4), randn(6, 8, 4, 4))
		require.Len(t, out, 1)
		assert.Equal(t, tensor.Shape{6, 3, 8, 8}, out[0].Shape())
	}
}

func TestRoIPool(t *testing.T) {
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	features := fromSlice(t, data, 1, 1, 4, 4)
	rois := fromSlice(t, []float32{
		0, 0, 0, 3, 3,
		0, 1, 1, 2, 2,
	}, 2, 5)

	pool := NewRoIPool[testBackend](2, 2, 1)
	out := pool.Pool(features, rois)
	require.Equal(t, tensor.Shape{2, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{5, 7, 13, 15}, out.Data()[:4])
	assert.Equal(t, []float32{5, 6, 9, 10}, out.Data()[4:])

	half := NewRoIPool[testBackend](1, 1, 0.5)
	scaled := half.ForwardMulti(features, fromSlice(t, []float32{0, 0, 0, 2, 2}, 1, 5))[0]
	assert.Equal(t, []float32{5}, scaled.Data())

	bad := fromSlice(t, []float32{1, 0, 0, 3, 3}, 1, 5)
	assert.Panics(t, func() { pool.Pool(features, bad) })
}

// detector fixtures

func backbone(b *nn.Builder[testBackend]) *nn.ConvBlock[testBackend] {
	return nn.NewConvBlock(b, nn.ConvBlockConfig{
		In: 3, Out: 16, Kernel: 3, Stride: 2,
		Norm: nn.NormBatch, Activation: nn.ActReLU,
	})
}

func fixedRoIs(preds ...*T) []*T {
	rois, _ := tensor.FromSlice([]float32{
		0, 0, 0, 8, 8,
		1, 4, 4, 15, 15,
	}, tensor.Shape{2, 5}, preds[0].Backend())
	return []*T{rois}
}

func TestOneStageDetector(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	bb := backbone(b)
	var trainingDuringInference bool
	det := NewOneStageDetector[testBackend](bb, nil, NewSSDHead(b, []int{2}, 3, []int{16}, ""),
		func(preds ...*T) []*T {
			trainingDuringInference = bb.Norm().(*nn.BatchNorm2D[testBackend]).Training()
			return preds[:1]
		})

	x := randn(2, 3, 16, 16)
	out := det.ForwardMulti(x)
	assert.Equal(t, tensor.Shape{2, 128, 4}, out[0].Shape())
	assert.Equal(t, tensor.Shape{2, 128, 3}, out[1].Shape())

	decoded := det.Inference(x)
	assert.Len(t, decoded, 1)
	assert.False(t, trainingDuringInference)
	assert.True(t, bb.Norm().(*nn.BatchNorm2D[testBackend]).Training())

	// A detector already in evaluation mode stays there.
	nn.SetTraining[testBackend](det, false)
	det.Inference(x)
	assert.False(t, bb.Norm().(*nn.BatchNorm2D[testBackend]).Training())

	state := nn.StateDict[testBackend](det)
	assert.Contains(t, state, "backbone.conv.weight")
	assert.Contains(t, state, "head.preds.0.bias")
}

func newRPN(b *nn.Builder[testBackend], matcher Matcher[testBackend]) *RPN[testBackend] {
	return NewRPN[testBackend](backbone(b), nil, NewRPNHead(b, 3, 16, 8, false), matcher, fixedRoIs)
}

func TestRPN(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	matched := 0
	rpn := newRPN(b, func(features []*T, targets []GroundTruth) []*T {
		matched++
		return []*T{features[0]}
	})
	x := randn(2, 3, 16, 16)
	gts := []GroundTruth{{Boxes: [][4]float32{{0, 0, 4, 4}}, Classes: []int{1}}, {}}

	out, err := rpn.Forward(x, gts)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	_, err = rpn.Forward(x, nil)
	assert.ErrorIs(t, err, ErrTargetsRequired)

	prop, err := rpn.RegionProposal(x, gts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 5}, prop.RoIs.Shape())
	assert.Equal(t, tensor.Shape{2, 192, 4}, prop.Loc.Shape())
	assert.Len(t, prop.Targets, 1)
	assert.Equal(t, 2, matched)

	nn.SetTraining[testBackend](rpn, false)
	prop, err = rpn.RegionProposal(x, nil)
	require.NoError(t, err)
	assert.Nil(t, prop.Loc)
	assert.Nil(t, prop.Targets)
	out, err = rpn.Forward(x, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	noInference := NewRPN[testBackend](backbone(b), nil, NewRPNHead(b, 3, 16, 8, false), nil, nil)
	_, err = noInference.RegionProposal(x, nil)
	assert.ErrorIs(t, err, ErrNoInference)
}

func TestFasterRCNN(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	rpn := newRPN(b, nil)
	var gotBoxes tensor.Shape
	f := NewFasterRCNN[testBackend](rpn,
		func(rois *T, _ []GroundTruth) ([]*T, *T) { return []*T{rois}, rois },
		NewRoIPool[testBackend](2, 2, 0.5),
		NewBox2FCHead(b, 3, 16*2*2, 8),
		func(boxes *T, preds ...*T) []*T {
			gotBoxes = boxes.Shape()
			return preds
		},
	)
	x := randn(2, 3, 16, 16)

	out, err := f.Forward(x, []GroundTruth{{}, {}})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 4}, out.Loc.Shape())
	assert.Equal(t, tensor.Shape{2, 3}, out.Cls.Shape())
	assert.NotNil(t, out.RPNLoc)

	_, err = f.Forward(x, nil)
	assert.ErrorIs(t, err, ErrTargetsRequired)

	dets, err := f.Inference(x)
	require.NoError(t, err)
	assert.Len(t, dets, 2)
	assert.Equal(t, tensor.Shape{2, 4}, gotBoxes)
	assert.True(t, rpn.Training())

	state := nn.StateDict[testBackend](f)
	assert.Contains(t, state, "rpn.head.cls_conv.bias")
	assert.Contains(t, state, "box_head.fc1.norm.running_mean")
}

func noRoIs(...*T) []*T { return []*T{nil} }

func TestTwoStage_NoProposals(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	x := randn(2, 3, 16, 16)
	empty := func() *RPN[testBackend] {
		return NewRPN[testBackend](backbone(b), nil, NewRPNHead(b, 3, 16, 8, false), nil, noRoIs)
	}
	sampleNone := func(*T, []GroundTruth) ([]*T, *T) { return nil, nil }

	f := NewFasterRCNN[testBackend](empty(), sampleNone,
		NewRoIPool[testBackend](2, 2, 0.5),
		NewBox2FCHead(b, 3, 16*2*2, 8),
		func(*T, ...*T) []*T {
			t.Error("box inference must not run without proposals")
			return nil
		},
	)
	dets, err := f.Inference(x)
	require.NoError(t, err)
	assert.Empty(t, dets)
	_, err = f.Forward(x, []GroundTruth{{}, {}})
	assert.ErrorIs(t, err, ErrNoRoIs)

	m := NewMaskRCNN[testBackend](
		func([]GroundTruth) []*T { return nil },
		empty(), sampleNone,
		NewRoIPool[testBackend](2, 2, 0.5),
		NewBox2FCHead(b, 3, 16*2*2, 8),
		NewMaskHead(b, 3, 16, false),
		func(_, _, _ *T, _ func(int, []int) *T) []*T {
			t.Error("mask inference must not run without proposals")
			return nil
		},
	)
	dets, err = m.Inference(x)
	require.NoError(t, err)
	assert.Empty(t, dets)
	_, err = m.Forward(x, []GroundTruth{{}, {}})
	assert.ErrorIs(t, err, ErrNoRoIs)
}

func TestMaskRCNN(t *testing.T) {
	b := nn.NewBuilder(cpu.New(), 1)
	backend := b.Backend
	m := NewMaskRCNN[testBackend](
		func([]GroundTruth) []*T { return nil },
		newRPN(b, nil),
		func(rois *T, _ []GroundTruth) ([]*T, *T) {
			clsT, _ := tensor.FromSlice([]float32{0, 2}, tensor.Shape{2}, backend)
			return []*T{rois, clsT, rois}, rois
		},
		NewRoIPool[testBackend](2, 2, 0.5),
		NewBox2FCHead(b, 3, 16*2*2, 8),
		NewMaskHead(b, 3, 16, false),
		func(boxes, loc, cls *T, predictMask func(int, []int) *T) []*T {
			return []*T{predictMask(1, []int{0})}
		},
	)
	x := randn(2, 3, 16, 16)

	out, err := m.Forward(x, []GroundTruth{{}, {}})
	require.NoError(t, err)
	require.NotNil(t, out.Mask)
	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, out.Mask.Shape())

	dets, err := m.Inference(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, dets[0].Shape())
}
