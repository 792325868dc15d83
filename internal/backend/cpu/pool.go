package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/vision/internal/tensor"
)

func poolOutput(op string, H, W int, p tensor.PoolParams) (int, int) {
	for i := 0; i < 2; i++ {
		if p.Kernel[i] <= 0 || p.Stride[i] <= 0 || p.Padding[i] < 0 {
			panic(fmt.Sprintf("%s: invalid window kernel=%v stride=%v padding=%v", op, p.Kernel, p.Stride, p.Padding))
		}
		if 2*p.Padding[i] > p.Kernel[i] {
			panic(fmt.Sprintf("%s: padding %v larger than half the kernel %v", op, p.Padding, p.Kernel))
		}
	}
	HOut := (H+2*p.Padding[0]-p.Kernel[0])/p.Stride[0] + 1
	WOut := (W+2*p.Padding[1]-p.Kernel[1])/p.Stride[1] + 1
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions %dx%d (kernel=%v, stride=%v, input=%dx%d)",
			op, HOut, WOut, p.Kernel, p.Stride, H, W))
	}
	return HOut, WOut
}

// MaxPool2D performs 2D max pooling.
//
// Input shape:  [N, C, H, W]
// Output shape: [N, C, H_out, W_out] where
//
//	H_out = (H + 2*padding - kernel) / stride + 1
//
// Padded positions never win the maximum.
//
// Example (2x2 pool, stride=2):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, p tensor.PoolParams) *tensor.RawTensor {
	dt := requireFloat("maxpool2d", input)
	N, C, H, W := require4D("maxpool2d", input)
	HOut, WOut := poolOutput("maxpool2d", H, W, p)

	output := cpu.alloc("maxpool2d", tensor.Shape{N, C, HOut, WOut}, dt)
	switch dt {
	case tensor.Float32:
		pool2d(cpu, floats[float32](output), floats[float32](input), N, C, H, W, HOut, WOut, p, true)
	case tensor.Float64:
		pool2d(cpu, floats[float64](output), floats[float64](input), N, C, H, W, HOut, WOut, p, true)
	}
	return output
}

// AvgPool2D performs 2D average pooling.
//
// Padded positions count as zeros and the divisor is always the full window
// size.
func (cpu *CPUBackend) AvgPool2D(input *tensor.RawTensor, p tensor.PoolParams) *tensor.RawTensor {
	dt := requireFloat("avgpool2d", input)
	N, C, H, W := require4D("avgpool2d", input)
	HOut, WOut := poolOutput("avgpool2d", H, W, p)

	output := cpu.alloc("avgpool2d", tensor.Shape{N, C, HOut, WOut}, dt)
	switch dt {
	case tensor.Float32:
		pool2d(cpu, floats[float32](output), floats[float32](input), N, C, H, W, HOut, WOut, p, false)
	case tensor.Float64:
		pool2d(cpu, floats[float64](output), floats[float64](input), N, C, H, W, HOut, WOut, p, false)
	}
	return output
}

func pool2d[T tensor.Float](cpu *CPUBackend, out, in []T, N, C, H, W, HOut, WOut int, p tensor.PoolParams, isMax bool) {
	KH, KW := p.Kernel[0], p.Kernel[1]
	area := float64(KH * KW)

	cpu.par.ForPlanes(N, C, HOut*WOut*KH*KW, func(n, c int) {
		plane := in[(n*C+c)*H*W : (n*C+c+1)*H*W]
		dst := out[(n*C+c)*HOut*WOut : (n*C+c+1)*HOut*WOut]
		for oh := 0; oh < HOut; oh++ {
			hStart := oh*p.Stride[0] - p.Padding[0]
			for ow := 0; ow < WOut; ow++ {
				wStart := ow*p.Stride[1] - p.Padding[1]
				best := math.Inf(-1)
				sum := 0.0
				for kh := 0; kh < KH; kh++ {
					h := hStart + kh
					if h < 0 || h >= H {
						continue
					}
					for kw := 0; kw < KW; kw++ {
						w := wStart + kw
						if w < 0 || w >= W {
							continue
						}
						v := float64(plane[h*W+w])
						if v > best {
							best = v
						}
						sum += v
					}
				}
				if isMax {
					dst[oh*WOut+ow] = T(best)
				} else {
					dst[oh*WOut+ow] = T(sum / area)
				}
			}
		}
	})
}

// AdaptiveAvgPool2D averages into a fixed [outH, outW] grid.
//
// Output cell i along an axis of size L covers [floor(i*L/out), ceil((i+1)*L/out)).
func (cpu *CPUBackend) AdaptiveAvgPool2D(input *tensor.RawTensor, outH, outW int) *tensor.RawTensor {
	dt := requireFloat("adaptive_avgpool2d", input)
	N, C, H, W := require4D("adaptive_avgpool2d", input)
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("adaptive_avgpool2d: invalid output size %dx%d", outH, outW))
	}

	output := cpu.alloc("adaptive_avgpool2d", tensor.Shape{N, C, outH, outW}, dt)
	switch dt {
	case tensor.Float32:
		adaptiveAvgPool2d(cpu, floats[float32](output), floats[float32](input), N, C, H, W, outH, outW)
	case tensor.Float64:
		adaptiveAvgPool2d(cpu, floats[float64](output), floats[float64](input), N, C, H, W, outH, outW)
	}
	return output
}

func adaptiveAvgPool2d[T tensor.Float](cpu *CPUBackend, out, in []T, N, C, H, W, outH, outW int) {
	cpu.par.ForPlanes(N, C, H*W, func(n, c int) {
		plane := in[(n*C+c)*H*W : (n*C+c+1)*H*W]
		dst := out[(n*C+c)*outH*outW : (n*C+c+1)*outH*outW]
		for oh := 0; oh < outH; oh++ {
			h0, h1 := adaptiveBounds(oh, H, outH)
			for ow := 0; ow < outW; ow++ {
				w0, w1 := adaptiveBounds(ow, W, outW)
				sum := 0.0
				for h := h0; h < h1; h++ {
					for w := w0; w < w1; w++ {
						sum += float64(plane[h*W+w])
					}
				}
				dst[oh*outW+ow] = T(sum / float64((h1-h0)*(w1-w0)))
			}
		}
	})
}

func adaptiveBounds(i, in, out int) (int, int) {
	start := i * in / out
	end := ((i+1)*in + out - 1) / out
	return start, end
}
