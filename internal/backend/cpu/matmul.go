package cpu

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// MatMul multiplies [M, K] by [K, N].
//
// Rows of the result are independent and are split across workers; the
// inner loop runs i-k-j so both operands are read sequentially.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	dt := requireFloat("matmul", a, b)
	as, bs := a.Shape(), b.Shape()
	if len(as) != 2 || len(bs) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D operands, got %v and %v", as, bs))
	}
	if as[1] != bs[0] {
		panic(fmt.Sprintf("matmul: inner dimensions differ: %v @ %v", as, bs))
	}
	m, k, n := as[0], as[1], bs[1]
	out := cpu.alloc("matmul", tensor.Shape{m, n}, dt)

	switch dt {
	case tensor.Float32:
		matmul(cpu, floats[float32](out), floats[float32](a), floats[float32](b), m, k, n)
	case tensor.Float64:
		matmul(cpu, floats[float64](out), floats[float64](a), floats[float64](b), m, k, n)
	}
	return out
}

func matmul[T tensor.Float](cpu *CPUBackend, out, a, b []T, m, k, n int) {
	cpu.par.For(m, k*n, func(i int) {
		row := out[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			brow := b[p*n : (p+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	})
}
