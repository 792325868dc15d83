// Package detection implements object detection heads, region proposal and
// two-stage detector compositions, and RoI pooling.
//
// Heads consume a feature pyramid (one [N, C, H, W] map per level) and return
// location and classification predictions flattened over levels and anchors:
//
//	loc: [N, A, 4]
//	cls: [N, A, numClasses] (or [N, A] for a single class)
//
// where A is the total number of anchors over all levels.
package detection

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// ToPred flattens a prediction map [b, n*c, H, W] into [b, W*H*n, c], or
// [b, W*H*n] when c == 1.
//
// The map is permuted to [b, W, H, n*c] first, so predictions are ordered by
// column, then row, then anchor.
func ToPred[B tensor.Backend](p *tensor.Tensor[float32, B], c int) *tensor.Tensor[float32, B] {
	if len(p.Shape()) != 4 {
		panic(fmt.Sprintf("to_pred: expected [N,C,H,W] input, got shape %v", p.Shape()))
	}
	if c <= 0 || p.Dim(1)%c != 0 {
		panic(fmt.Sprintf("to_pred: %d channels not divisible by %d", p.Dim(1), c))
	}
	b := p.Dim(0)
	p = p.Transpose(0, 3, 2, 1)
	if c == 1 {
		return p.Reshape(b, -1)
	}
	return p.Reshape(b, -1, c)
}

// LocClsPreds splits fused prediction maps [b, n*(numClasses+4), H, W] into
// location [b, A, 4] and classification [b, A, numClasses] predictions,
// concatenated over levels. The classification output is [b, A] when
// numClasses == 1.
func LocClsPreds[B tensor.Backend](ps []*tensor.Tensor[float32, B], numClasses int) (loc, cls *tensor.Tensor[float32, B]) {
	locs := make([]*tensor.Tensor[float32, B], len(ps))
	clss := make([]*tensor.Tensor[float32, B], len(ps))
	for i, p := range ps {
		p = ToPred(p, numClasses+4)
		locs[i] = p.Narrow(2, 0, 4)
		c := p.Narrow(2, 4, numClasses)
		if numClasses == 1 {
			c = c.Reshape(c.Dim(0), -1)
		}
		clss[i] = c
	}
	return concat(locs, 1), concat(clss, 1)
}

// concat is Cat that skips the copy for a single tensor.
func concat[B tensor.Backend](ts []*tensor.Tensor[float32, B], dim int) *tensor.Tensor[float32, B] {
	if len(ts) == 1 {
		return ts[0]
	}
	return tensor.Cat(ts, dim)
}

// perLevel expands a single anchor count to every level.
func perLevel(numAnchors []int, levels int) []int {
	switch len(numAnchors) {
	case levels:
		return numAnchors
	case 1:
		out := make([]int, levels)
		for i := range out {
			out[i] = numAnchors[0]
		}
		return out
	default:
		panic(fmt.Sprintf("detection: %d anchor counts for %d levels", len(numAnchors), levels))
	}
}

// SplitLevels splits consecutive pyramid levels lo..hi into the levels a
// backbone provides (up to splitAt) and the extra levels built on top of it.
//
// Example:
//
//	basic, extra, _ := detection.SplitLevels([]int{3, 4, 5, 6, 7}, 5)
//	// basic = [3 4 5], extra = [6 7]
func SplitLevels(levels []int, splitAt int) (basic, extra []int, err error) {
	if len(levels) == 0 {
		return nil, nil, fmt.Errorf("split levels: no levels")
	}
	lo, hi := levels[0], levels[len(levels)-1]
	for i, l := range levels {
		if l != lo+i {
			return nil, nil, fmt.Errorf("split levels: levels %v are not consecutive", levels)
		}
	}
	for l := lo; l <= min(hi, splitAt); l++ {
		basic = append(basic, l)
	}
	for l := max(lo, splitAt+1); l <= hi; l++ {
		extra = append(extra, l)
	}
	return basic, extra, nil
}
