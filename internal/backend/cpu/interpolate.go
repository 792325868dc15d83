package cpu

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// Interpolate resizes the spatial dimensions of an [N, C, H, W] tensor.
//
// Nearest picks source index floor(dst * in / out). Bilinear samples at
// half-pixel centers, src = (dst + 0.5) * in / out - 0.5, clamped to the
// input.
func (cpu *CPUBackend) Interpolate(input *tensor.RawTensor, outH, outW int, mode tensor.InterpMode) *tensor.RawTensor {
	dt := requireFloat("interpolate", input)
	N, C, H, W := require4D("interpolate", input)
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("interpolate: invalid output size %dx%d", outH, outW))
	}
	if mode != tensor.Nearest && mode != tensor.Bilinear {
		panic(fmt.Sprintf("interpolate: unsupported mode %d", mode))
	}

	output := cpu.alloc("interpolate", tensor.Shape{N, C, outH, outW}, dt)
	switch dt {
	case tensor.Float32:
		interpolate(cpu, floats[float32](output), floats[float32](input), N, C, H, W, outH, outW, mode)
	case tensor.Float64:
		interpolate(cpu, floats[float64](output), floats[float64](input), N, C, H, W, outH, outW, mode)
	}
	return output
}

// axisWeights precomputes, for each output coordinate, the two source
// indices and the weight of the second one.
type axisWeights struct {
	lo, hi []int
	frac   []float64
}

func nearestAxis(in, out int) axisWeights {
	aw := axisWeights{lo: make([]int, out), hi: make([]int, out), frac: make([]float64, out)}
	for i := 0; i < out; i++ {
		src := min(i*in/out, in-1)
		aw.lo[i], aw.hi[i] = src, src
	}
	return aw
}

func bilinearAxis(in, out int) axisWeights {
	aw := axisWeights{lo: make([]int, out), hi: make([]int, out), frac: make([]float64, out)}
	scale := float64(in) / float64(out)
	for i := 0; i < out; i++ {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		lo := int(src)
		if lo > in-1 {
			lo = in - 1
		}
		hi := min(lo+1, in-1)
		aw.lo[i], aw.hi[i], aw.frac[i] = lo, hi, src-float64(lo)
	}
	return aw
}

func interpolate[T tensor.Float](cpu *CPUBackend, out, in []T, N, C, H, W, outH, outW int, mode tensor.InterpMode) {
	var ys, xs axisWeights
	if mode == tensor.Nearest {
		ys, xs = nearestAxis(H, outH), nearestAxis(W, outW)
	} else {
		ys, xs = bilinearAxis(H, outH), bilinearAxis(W, outW)
	}

	cpu.par.ForPlanes(N, C, outH*outW*4, func(n, c int) {
		plane := in[(n*C+c)*H*W : (n*C+c+1)*H*W]
		dst := out[(n*C+c)*outH*outW : (n*C+c+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			y0, y1, fy := ys.lo[oy], ys.hi[oy], ys.frac[oy]
			for ox := 0; ox < outW; ox++ {
				x0, x1, fx := xs.lo[ox], xs.hi[ox], xs.frac[ox]
				top := float64(plane[y0*W+x0])*(1-fx) + float64(plane[y0*W+x1])*fx
				bottom := float64(plane[y1*W+x0])*(1-fx) + float64(plane[y1*W+x1])*fx
				dst[oy*outW+ox] = T(top*(1-fy) + bottom*fy)
			}
		}
	})
}
