package cpu

import (
	"fmt"

	"github.com/born-ml/vision/internal/tensor"
)

// convGeom holds the resolved geometry of a (transposed) convolution.
type convGeom struct {
	N, CIn, H, W     int
	COut, KH, KW     int
	HOut, WOut       int
	Groups           int
	CInG, COutG      int
	SH, SW, PH, PW   int
	DH, DW           int
	kernelPerOutChan int
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [N, C_in, H, W]
// Kernel shape: [C_out, C_in/groups, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out]
//
// Algorithm: Im2col, per (sample, group)
//  1. Unfold the group's input patches into a [C_in/g * K_h * K_w, H_out * W_out] matrix
//  2. Multiply the group's kernel rows [C_out/g, C_in/g * K_h * K_w] by it
//  3. Write the product straight into the output planes
//
// (sample, group) pairs are independent and run in parallel.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, p tensor.ConvParams) *tensor.RawTensor {
	dt := requireFloat("conv2d", input, kernel)
	if err := p.Validate(); err != nil {
		panic(fmt.Sprintf("conv2d: %v", err))
	}
	N, CIn, H, W := require4D("conv2d", input)
	ks := kernel.Shape()
	if len(ks) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in/g,K_h,K_w], got %dD", len(ks)))
	}
	COut, CInG, KH, KW := ks[0], ks[1], ks[2], ks[3]
	if CIn%p.Groups != 0 || COut%p.Groups != 0 {
		panic(fmt.Sprintf("conv2d: channels %d->%d not divisible by groups %d", CIn, COut, p.Groups))
	}
	if CIn/p.Groups != CInG {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d x groups %d", CIn, CInG, p.Groups))
	}

	effKH := p.Dilation[0]*(KH-1) + 1
	effKW := p.Dilation[1]*(KW-1) + 1
	HOut := (H+2*p.Padding[0]-effKH)/p.Stride[0] + 1
	WOut := (W+2*p.Padding[1]-effKW)/p.Stride[1] + 1
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut))
	}

	g := convGeom{
		N: N, CIn: CIn, H: H, W: W,
		COut: COut, KH: KH, KW: KW,
		HOut: HOut, WOut: WOut,
		Groups: p.Groups, CInG: CInG, COutG: COut / p.Groups,
		SH: p.Stride[0], SW: p.Stride[1],
		PH: p.Padding[0], PW: p.Padding[1],
		DH: p.Dilation[0], DW: p.Dilation[1],
		kernelPerOutChan: CInG * KH * KW,
	}

	output := cpu.alloc("conv2d", tensor.Shape{N, COut, HOut, WOut}, dt)
	switch dt {
	case tensor.Float32:
		conv2d(cpu, floats[float32](output), floats[float32](input), floats[float32](kernel), &g)
	case tensor.Float64:
		conv2d(cpu, floats[float64](output), floats[float64](input), floats[float64](kernel), &g)
	}
	return output
}

func conv2d[T tensor.Float](cpu *CPUBackend, out, in, kernel []T, g *convGeom) {
	positions := g.HOut * g.WOut
	colHeight := g.kernelPerOutChan
	cost := colHeight * positions * g.COutG

	cpu.par.ForPlanes(g.N, g.Groups, cost, func(n, grp int) {
		col := make([]T, colHeight*positions)
		im2col(col, in, g, n, grp)

		for oc := 0; oc < g.COutG; oc++ {
			outChan := grp*g.COutG + oc
			krow := kernel[outChan*colHeight : (outChan+1)*colHeight]
			dst := out[(n*g.COut+outChan)*positions : (n*g.COut+outChan+1)*positions]
			for k, kv := range krow {
				if kv == 0 {
					continue
				}
				src := col[k*positions : (k+1)*positions]
				for j, v := range src {
					dst[j] += kv * v
				}
			}
		}
	})
}

// im2col unfolds the input patches of one (sample, group) pair.
//
// Row r = (c, kh, kw) of col holds, for every output position, the input
// value under kernel tap (kh, kw) of channel c; out-of-bounds taps are zero.
func im2col[T tensor.Float](col, in []T, g *convGeom, n, grp int) {
	positions := g.HOut * g.WOut
	row := 0
	for c := 0; c < g.CInG; c++ {
		plane := in[(n*g.CIn+grp*g.CInG+c)*g.H*g.W:]
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				dst := col[row*positions : (row+1)*positions]
				i := 0
				for oh := 0; oh < g.HOut; oh++ {
					h := oh*g.SH - g.PH + kh*g.DH
					for ow := 0; ow < g.WOut; ow++ {
						w := ow*g.SW - g.PW + kw*g.DW
						if h >= 0 && h < g.H && w >= 0 && w < g.W {
							dst[i] = plane[h*g.W+w]
						}
						i++
					}
				}
				row++
			}
		}
	}
}

// ConvTranspose2D performs a transposed (fractionally strided) convolution.
//
// Input shape: [N, C_in, H, W]
// Kernel shape: [C_in, C_out/groups, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out] with
//
//	H_out = (H-1)*stride - 2*padding + dilation*(K_h-1) + output_padding + 1
//
// Every input element scatters its kernel-weighted contribution into the
// output; work is split per (sample, group).
func (cpu *CPUBackend) ConvTranspose2D(input, kernel *tensor.RawTensor, p tensor.ConvParams) *tensor.RawTensor {
	dt := requireFloat("conv_transpose2d", input, kernel)
	if err := p.Validate(); err != nil {
		panic(fmt.Sprintf("conv_transpose2d: %v", err))
	}
	N, CIn, H, W := require4D("conv_transpose2d", input)
	ks := kernel.Shape()
	if len(ks) != 4 {
		panic(fmt.Sprintf("conv_transpose2d: kernel must be 4D [C_in,C_out/g,K_h,K_w], got %dD", len(ks)))
	}
	if ks[0] != CIn {
		panic(fmt.Sprintf("conv_transpose2d: input channels %d != kernel channels %d", CIn, ks[0]))
	}
	if CIn%p.Groups != 0 {
		panic(fmt.Sprintf("conv_transpose2d: input channels %d not divisible by groups %d", CIn, p.Groups))
	}
	COutG, KH, KW := ks[1], ks[2], ks[3]
	COut := COutG * p.Groups

	HOut := (H-1)*p.Stride[0] - 2*p.Padding[0] + p.Dilation[0]*(KH-1) + p.OutputPadding[0] + 1
	WOut := (W-1)*p.Stride[1] - 2*p.Padding[1] + p.Dilation[1]*(KW-1) + p.OutputPadding[1] + 1
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv_transpose2d: invalid output dimensions: out_h=%d, out_w=%d", HOut, WOut))
	}

	g := convGeom{
		N: N, CIn: CIn, H: H, W: W,
		COut: COut, KH: KH, KW: KW,
		HOut: HOut, WOut: WOut,
		Groups: p.Groups, CInG: CIn / p.Groups, COutG: COutG,
		SH: p.Stride[0], SW: p.Stride[1],
		PH: p.Padding[0], PW: p.Padding[1],
		DH: p.Dilation[0], DW: p.Dilation[1],
	}

	output := cpu.alloc("conv_transpose2d", tensor.Shape{N, COut, HOut, WOut}, dt)
	switch dt {
	case tensor.Float32:
		convTranspose2d(cpu, floats[float32](output), floats[float32](input), floats[float32](kernel), &g)
	case tensor.Float64:
		convTranspose2d(cpu, floats[float64](output), floats[float64](input), floats[float64](kernel), &g)
	}
	return output
}

func convTranspose2d[T tensor.Float](cpu *CPUBackend, out, in, kernel []T, g *convGeom) {
	cost := g.CInG * g.H * g.W * g.COutG * g.KH * g.KW

	cpu.par.ForPlanes(g.N, g.Groups, cost, func(n, grp int) {
		for ic := 0; ic < g.CInG; ic++ {
			inChan := grp*g.CInG + ic
			plane := in[(n*g.CIn+inChan)*g.H*g.W : (n*g.CIn+inChan+1)*g.H*g.W]
			for oc := 0; oc < g.COutG; oc++ {
				outChan := grp*g.COutG + oc
				dst := out[(n*g.COut+outChan)*g.HOut*g.WOut:]
				k := kernel[(inChan*g.COutG+oc)*g.KH*g.KW:]
				for ih := 0; ih < g.H; ih++ {
					for iw := 0; iw < g.W; iw++ {
						v := plane[ih*g.W+iw]
						if v == 0 {
							continue
						}
						for kh := 0; kh < g.KH; kh++ {
							oh := ih*g.SH - g.PH + kh*g.DH
							if oh < 0 || oh >= g.HOut {
								continue
							}
							for kw := 0; kw < g.KW; kw++ {
								ow := iw*g.SW - g.PW + kw*g.DW
								if ow < 0 || ow >= g.WOut {
									continue
								}
								dst[oh*g.WOut+ow] += v * k[kh*g.KW+kw]
							}
						}
					}
				}
			}
		}
	})
}
