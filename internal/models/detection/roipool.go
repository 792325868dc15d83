package detection

import (
	"fmt"
	"math"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// RoIPool max-pools every region of interest of a feature map into a fixed
// [outH, outW] grid.
//
// RoIs are [R, 5] rows of (batch index, x1, y1, x2, y2) in input image
// coordinates; SpatialScale maps them onto the feature map (1/stride). Bins
// that fall outside the map produce zeros.
type RoIPool[B tensor.Backend] struct {
	nn.Hooks[B]

	outH, outW   int
	spatialScale float64
}

// NewRoIPool creates a pooler with output size outH x outW.
func NewRoIPool[B tensor.Backend](outH, outW int, spatialScale float64) *RoIPool[B] {
	if outH <= 0 || outW <= 0 || spatialScale <= 0 {
		panic(fmt.Sprintf("roi_pool: invalid output %dx%d or scale %g", outH, outW, spatialScale))
	}
	return &RoIPool[B]{outH: outH, outW: outW, spatialScale: spatialScale}
}

// ForwardMulti pools [features, rois] into [[R, C, outH, outW]].
func (r *RoIPool[B]) ForwardMulti(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	if len(inputs) != 2 {
		panic(fmt.Sprintf("roi_pool: expected features and rois, got %d inputs", len(inputs)))
	}
	return r.Outputs(r, inputs, []*tensor.Tensor[float32, B]{r.Pool(inputs[0], inputs[1])})
}

// Pool pools rois out of features [N, C, H, W]. rois must hold at least
// one row; the detectors skip pooling when nothing is proposed.
func (r *RoIPool[B]) Pool(features, rois *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	fs, rs := features.Shape(), rois.Shape()
	if len(fs) != 4 {
		panic(fmt.Sprintf("roi_pool: expected [N,C,H,W] features, got shape %v", fs))
	}
	if len(rs) != 2 || rs[1] != 5 {
		panic(fmt.Sprintf("roi_pool: expected [R, 5] rois, got shape %v", rs))
	}
	n, c, h, w := fs[0], fs[1], fs[2], fs[3]
	numRoIs := rs[0]

	out := tensor.Zeros[float32](tensor.Shape{numRoIs, c, r.outH, r.outW}, features.Backend())
	src := features.Data()
	dst := out.Data()
	boxes := rois.Data()

	for i := 0; i < numRoIs; i++ {
		box := boxes[i*5 : i*5+5]
		batch := int(box[0])
		if batch < 0 || batch >= n {
			panic(fmt.Sprintf("roi_pool: roi %d has batch index %d, batch size is %d", i, batch, n))
		}
		x1 := int(math.Round(float64(box[1]) * r.spatialScale))
		y1 := int(math.Round(float64(box[2]) * r.spatialScale))
		x2 := int(math.Round(float64(box[3]) * r.spatialScale))
		y2 := int(math.Round(float64(box[4]) * r.spatialScale))
		binH := float64(max(y2-y1+1, 1)) / float64(r.outH)
		binW := float64(max(x2-x1+1, 1)) / float64(r.outW)

		for ch := 0; ch < c; ch++ {
			plane := src[(batch*c+ch)*h*w : (batch*c+ch+1)*h*w]
			cell := dst[(i*c+ch)*r.outH*r.outW:]
			for ph := 0; ph < r.outH; ph++ {
				hs := clamp(int(math.Floor(float64(ph)*binH))+y1, 0, h)
				he := clamp(int(math.Ceil(float64(ph+1)*binH))+y1, 0, h)
				for pw := 0; pw < r.outW; pw++ {
					ws := clamp(int(math.Floor(float64(pw)*binW))+x1, 0, w)
					we := clamp(int(math.Ceil(float64(pw+1)*binW))+x1, 0, w)
					if he <= hs || we <= ws {
						continue
					}
					best := float32(math.Inf(-1))
					for y := hs; y < he; y++ {
						for _, v := range plane[y*w+ws : y*w+we] {
							if v > best {
								best = v
							}
						}
					}
					cell[ph*r.outW+pw] = best
				}
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// OutputSize returns the pooled grid size.
func (r *RoIPool[B]) OutputSize() (h, w int) {
	return r.outH, r.outW
}

// Parameters returns nil.
func (r *RoIPool[B]) Parameters() []*nn.Parameter[B] {
	return nil
}
