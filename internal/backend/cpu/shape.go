package cpu

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// Reshape returns a copy of x with a new shape. A single -1 is inferred.
func (cpu *CPUBackend) Reshape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	out, err := x.Clone().View(shape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return out
}

// Transpose permutes dimensions. With no axes the dimensions are reversed.
//
// Works on raw words, so every dtype is supported.
func (cpu *CPUBackend) Transpose(x *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	s := x.Shape()
	rank := len(s)
	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = rank - 1 - i
		}
	}
	if len(axes) != rank {
		panic(fmt.Sprintf("transpose: expected %d axes, got %d", rank, len(axes)))
	}
	seen := make([]bool, rank)
	perm := make([]int, rank)
	outShape := make(tensor.Shape, rank)
	for i, a := range axes {
		if a < 0 {
			a += rank
		}
		if a < 0 || a >= rank || seen[a] {
			panic(fmt.Sprintf("transpose: invalid permutation %v for rank %d", axes, rank))
		}
		seen[a] = true
		perm[i] = a
		outShape[i] = s[a]
	}

	out := cpu.alloc("transpose", outShape, x.DType())
	inStrides := x.Strides()
	// Source stride for each output dimension.
	srcStrides := make([]int, rank)
	for i, a := range perm {
		srcStrides[i] = inStrides[a]
	}

	switch x.DType().Size() {
	case 4:
		permute(words32(out), words32(x), outShape, srcStrides)
	case 8:
		permute(words64(out), words64(x), outShape, srcStrides)
	default:
		panic(fmt.Sprintf("transpose: unsupported dtype %s", x.DType()))
	}
	return out
}

func permute[W uint32 | uint64](dst, src []W, outShape tensor.Shape, srcStrides []int) {
	rank := len(outShape)
	if rank == 0 {
		copy(dst, src)
		return
	}
	idx := make([]int, rank)
	si := 0
	for o := range dst {
		dst[o] = src[si]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			si += srcStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			si -= srcStrides[d] * outShape[d]
			idx[d] = 0
		}
	}
}

// outerInner splits shape around dim into (outer, size, inner) element counts.
func outerInner(shape tensor.Shape, dim int) (int, int, int) {
	outer, inner := 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func normalizeDim(op string, dim, rank int) int {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		panic(fmt.Sprintf("%s: dim %d out of range for rank %d", op, dim, rank))
	}
	return dim
}

// Narrow copies entries [start, start+length) of dimension dim.
func (cpu *CPUBackend) Narrow(x *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	s := x.Shape()
	dim = normalizeDim("narrow", dim, len(s))
	if start < 0 || length <= 0 || start+length > s[dim] {
		panic(fmt.Sprintf("narrow: range [%d, %d) out of bounds for dim %d of shape %v", start, start+length, dim, s))
	}

	outShape := s.Clone()
	outShape[dim] = length
	out := cpu.alloc("narrow", outShape, x.DType())

	outer, size, inner := outerInner(s, dim)
	es := x.DType().Size()
	rowIn := size * inner * es
	rowOut := length * inner * es
	src, dst := x.Data(), out.Data()
	for o := 0; o < outer; o++ {
		from := o*rowIn + start*inner*es
		copy(dst[o*rowOut:(o+1)*rowOut], src[from:from+rowOut])
	}
	return out
}

// Cat concatenates tensors along dim. All other dimensions must match.
func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: no tensors")
	}
	first := tensors[0].Shape()
	dim = normalizeDim("cat", dim, len(first))
	dt := tensors[0].DType()

	outShape := first.Clone()
	outShape[dim] = 0
	for _, t := range tensors {
		ts := t.Shape()
		if t.DType() != dt {
			panic(fmt.Sprintf("cat: dtype mismatch %s vs %s", dt, t.DType()))
		}
		if len(ts) != len(first) {
			panic(fmt.Sprintf("cat: rank mismatch %v vs %v", first, ts))
		}
		for i := range ts {
			if i != dim && ts[i] != first[i] {
				panic(fmt.Sprintf("cat: shape mismatch %v vs %v at dim %d", first, ts, i))
			}
		}
		outShape[dim] += ts[dim]
	}

	out := cpu.alloc("cat", outShape, dt)
	outer, total, inner := outerInner(outShape, dim)
	es := dt.Size()
	dst := out.Data()
	rowOut := total * inner * es
	offset := 0
	for _, t := range tensors {
		chunk := t.Shape()[dim] * inner * es
		src := t.Data()
		for o := 0; o < outer; o++ {
			copy(dst[o*rowOut+offset:o*rowOut+offset+chunk], src[o*chunk:(o+1)*chunk])
		}
		offset += chunk
	}
	return out
}
