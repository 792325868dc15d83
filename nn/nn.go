// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the layers and module tree of born vision models.
//
// Layers are built through a Builder, which holds the backend, the random
// source for initialisation and the defaults "default" norm and activation
// names resolve to.
//
// Example:
//
//	b := nn.NewBuilder(cpu.New(), 42)
//	block := nn.NewConvBlock(b, nn.ConvBlockConfig{
//	    In: 3, Out: 16, Kernel: 3, Stride: 2,
//	    Norm: nn.NormDefault, Activation: nn.ActDefault,
//	})
//	y := block.Forward(x)
package nn

import (
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// Layer names understood by Builder.
const (
	NormDefault  = nn.NormDefault
	NormBatch    = nn.NormBatch
	NormGroup    = nn.NormGroup
	ActDefault   = nn.ActDefault
	ActReLU      = nn.ActReLU
	ActLeakyReLU = nn.ActLeakyReLU
	ActSigmoid   = nn.ActSigmoid
	ActTanh      = nn.ActTanh
)

// Module tree.
type (
	Component[B tensor.Backend]   = nn.Component[B]
	Module[B tensor.Backend]      = nn.Module[B]
	MultiModule[B tensor.Backend] = nn.MultiModule[B]
	Parent[B tensor.Backend]      = nn.Parent[B]
	Child[B tensor.Backend]       = nn.Child[B]
	Hookable[B tensor.Backend]    = nn.Hookable[B]
	ForwardHook[B tensor.Backend] = nn.ForwardHook[B]
	Parameter[B tensor.Backend]   = nn.Parameter[B]
	Builder[B tensor.Backend]     = nn.Builder[B]
)

// Layers.
type (
	Conv2DConfig                      = nn.Conv2DConfig
	Conv2D[B tensor.Backend]          = nn.Conv2D[B]
	ConvTranspose2D[B tensor.Backend] = nn.ConvTranspose2D[B]
	ConvBlockConfig                   = nn.ConvBlockConfig
	ConvBlock[B tensor.Backend]       = nn.ConvBlock[B]
	DWConv2DConfig                    = nn.DWConv2DConfig
	DWConv2D[B tensor.Backend]        = nn.DWConv2D[B]
	SE[B tensor.Backend]              = nn.SE[B]
	Linear[B tensor.Backend]          = nn.Linear[B]
	BatchNorm2D[B tensor.Backend]     = nn.BatchNorm2D[B]
	GroupNorm[B tensor.Backend]       = nn.GroupNorm[B]
	SpectralNorm[B tensor.Backend]    = nn.SpectralNorm[B]
	Sequential[B tensor.Backend]      = nn.Sequential[B]
	ModuleList[B tensor.Backend]      = nn.ModuleList[B]
	ReLU[B tensor.Backend]            = nn.ReLU[B]
	Identity[B tensor.Backend]        = nn.Identity[B]
	MaxPool2D[B tensor.Backend]       = nn.MaxPool2D[B]
	Upsample[B tensor.Backend]        = nn.Upsample[B]
	Flatten[B tensor.Backend]         = nn.Flatten[B]
)

// NewBuilder creates a builder with batch norm and ReLU as defaults.
func NewBuilder[B tensor.Backend](backend B, seed int64) *Builder[B] {
	return nn.NewBuilder(backend, seed)
}

// NewConv2D creates a convolution.
func NewConv2D[B tensor.Backend](b *Builder[B], cfg Conv2DConfig) *Conv2D[B] {
	return nn.NewConv2D(b, cfg)
}

// NewConvTranspose2D creates a transposed convolution.
func NewConvTranspose2D[B tensor.Backend](b *Builder[B], cfg Conv2DConfig) *ConvTranspose2D[B] {
	return nn.NewConvTranspose2D(b, cfg)
}

// NewConvBlock creates a conv -> norm -> activation block.
func NewConvBlock[B tensor.Backend](b *Builder[B], cfg ConvBlockConfig) *ConvBlock[B] {
	return nn.NewConvBlock(b, cfg)
}

// NewDWConv2D creates a depthwise-separable convolution.
func NewDWConv2D[B tensor.Backend](b *Builder[B], cfg DWConv2DConfig) *DWConv2D[B] {
	return nn.NewDWConv2D(b, cfg)
}

// NewSE creates a squeeze-and-excitation block.
func NewSE[B tensor.Backend](b *Builder[B], channels, reduction int) *SE[B] {
	return nn.NewSE(b, channels, reduction)
}

// NewLinear creates a fully connected layer.
func NewLinear[B tensor.Backend](b *Builder[B], inFeatures, outFeatures int) *Linear[B] {
	return nn.NewLinear(b, inFeatures, outFeatures)
}

// NewBatchNorm2D creates a batch norm layer in training mode.
func NewBatchNorm2D[B tensor.Backend](b *Builder[B], channels int) *BatchNorm2D[B] {
	return nn.NewBatchNorm2D(b, channels)
}

// NewGroupNorm creates a group norm layer.
func NewGroupNorm[B tensor.Backend](b *Builder[B], groups, channels int) *GroupNorm[B] {
	return nn.NewGroupNorm(b, groups, channels)
}

// NewSpectralNorm wraps a convolution or linear layer with spectral
// normalisation of its weight.
func NewSpectralNorm[B tensor.Backend](b *Builder[B], m Module[B]) *SpectralNorm[B] {
	return nn.NewSpectralNorm(b, m)
}

// NewReLU creates a ReLU activation.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return nn.NewReLU[B]()
}

// NewIdentity creates a pass-through module.
func NewIdentity[B tensor.Backend]() *Identity[B] {
	return nn.NewIdentity[B]()
}

// NewMaxPool2D creates a max pooling layer.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride, padding int) *MaxPool2D[B] {
	return nn.NewMaxPool2D[B](kernelSize, stride, padding)
}

// NewUpsample creates an upsampling layer with an integer scale.
func NewUpsample[B tensor.Backend](scale int, mode tensor.InterpMode) *Upsample[B] {
	return nn.NewUpsample[B](scale, mode)
}

// NewFlatten flattens all dimensions after the batch.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return nn.NewFlatten[B]()
}

// NewSequential chains modules.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return nn.NewSequential(modules...)
}

// NewModuleList holds components without running them.
func NewModuleList[B tensor.Backend](items ...Component[B]) *ModuleList[B] {
	return nn.NewModuleList(items...)
}

// Walk visits c and its descendants depth-first. Returning false skips the
// children of a node.
func Walk[B tensor.Backend](c Component[B], fn func(path string, c Component[B]) bool) {
	nn.Walk(c, fn)
}

// Apply runs a Module or MultiModule on inputs.
func Apply[B tensor.Backend](c Component[B], inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	return nn.Apply(c, inputs...)
}

// CountParameters returns the total and trainable parameter counts of c.
func CountParameters[B tensor.Backend](c Component[B]) (total, trainable int) {
	return nn.CountParameters(c)
}

// SetTraining switches every layer under c between training and
// evaluation mode.
func SetTraining[B tensor.Backend](c Component[B], training bool) {
	nn.SetTraining(c, training)
}

// Eval switches every layer under c to evaluation mode and returns a
// function restoring the previous modes.
func Eval[B tensor.Backend](c Component[B]) (restore func()) {
	return nn.Eval(c)
}

// StateDict returns the parameters and buffers of c by dotted name.
func StateDict[B tensor.Backend](c Component[B]) map[string]*tensor.RawTensor {
	return nn.StateDict(c)
}

// LoadStateDict copies state into c. Names and shapes must match exactly.
func LoadStateDict[B tensor.Backend](c Component[B], state map[string]*tensor.RawTensor) error {
	return nn.LoadStateDict(c, state)
}
