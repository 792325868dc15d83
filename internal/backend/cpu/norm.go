package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/vision/internal/tensor"
)

// GroupNorm normalizes each group of C/groups channels of every sample to
// zero mean and unit variance (biased estimator). Affine scaling is left to
// the caller.
//
// Input of any rank >= 2 is accepted; dimensions after the channel axis are
// treated as spatial.
func (cpu *CPUBackend) GroupNorm(x *tensor.RawTensor, groups int, eps float64) *tensor.RawTensor {
	dt := requireFloat("groupnorm", x)
	s := x.Shape()
	if len(s) < 2 {
		panic(fmt.Sprintf("groupnorm: expected at least 2D input [N,C,...], got shape %v", s))
	}
	N, C := s[0], s[1]
	if groups <= 0 || C%groups != 0 {
		panic(fmt.Sprintf("groupnorm: channels %d not divisible by groups %d", C, groups))
	}
	spatial := 1
	for _, d := range s[2:] {
		spatial *= d
	}
	groupSize := C / groups * spatial

	out := cpu.alloc("groupnorm", s, dt)
	switch dt {
	case tensor.Float32:
		groupNorm(cpu, floats[float32](out), floats[float32](x), N, groups, groupSize, eps)
	case tensor.Float64:
		groupNorm(cpu, floats[float64](out), floats[float64](x), N, groups, groupSize, eps)
	}
	return out
}

func groupNorm[T tensor.Float](cpu *CPUBackend, out, in []T, N, groups, groupSize int, eps float64) {
	cpu.par.ForPlanes(N, groups, groupSize*3, func(n, g int) {
		off := (n*groups + g) * groupSize
		src := in[off : off+groupSize]
		dst := out[off : off+groupSize]

		mean := 0.0
		for _, v := range src {
			mean += float64(v)
		}
		mean /= float64(groupSize)

		variance := 0.0
		for _, v := range src {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(groupSize)

		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range src {
			dst[i] = T((float64(v) - mean) * inv)
		}
	})
}
