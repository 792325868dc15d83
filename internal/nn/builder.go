package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/vision/internal/tensor"
)

// Norm and activation names accepted by Builder.
const (
	NormDefault = "default"
	NormBatch   = "bn"
	NormGroup   = "gn"

	ActDefault   = "default"
	ActReLU      = "relu"
	ActLeakyReLU = "leaky_relu"
	ActSigmoid   = "sigmoid"
	ActTanh      = "tanh"
)

// Builder carries everything layer constructors need: the backend, the
// random source for parameter initialization, and the choices that "default"
// resolves to.
//
// Two builders created with the same seed construct identical models.
//
// Example:
//
//	b := nn.NewBuilder(cpu.New(), 42)
//	conv := nn.NewConvBlock(b, nn.ConvBlockConfig{In: 3, Out: 16, Kernel: 3, Norm: nn.NormDefault})
type Builder[B tensor.Backend] struct {
	Backend B
	Rand    *rand.Rand

	Norm       string  // What NormDefault resolves to: "bn" or "gn".
	Activation string  // What ActDefault resolves to.
	BNEps      float64 // BatchNorm epsilon.
	BNMomentum float64 // BatchNorm running-stat momentum.
	GNGroups   int     // GroupNorm group count.
	LeakySlope float64 // Negative slope of "leaky_relu".
}

// NewBuilder creates a builder with batch norm and ReLU as defaults.
func NewBuilder[B tensor.Backend](backend B, seed int64) *Builder[B] {
	return &Builder[B]{
		Backend:    backend,
		Rand:       rand.New(rand.NewSource(seed)), //nolint:gosec // parameter init, not security-critical
		Norm:       NormBatch,
		Activation: ActReLU,
		BNEps:      1e-5,
		BNMomentum: 0.1,
		GNGroups:   32,
		LeakySlope: 0.1,
	}
}

// NormLayer creates a normalization layer by name. An empty name returns nil.
func (b *Builder[B]) NormLayer(name string, channels int) Module[B] {
	if name == NormDefault {
		name = b.Norm
	}
	switch name {
	case "":
		return nil
	case NormBatch:
		return NewBatchNorm2D(b, channels)
	case NormGroup:
		groups := min(b.GNGroups, channels)
		for channels%groups != 0 {
			groups--
		}
		return NewGroupNorm(b, groups, channels)
	default:
		panic(fmt.Sprintf("builder: unknown norm layer %q", name))
	}
}

// ActivationLayer creates an activation by name. An empty name returns nil.
func (b *Builder[B]) ActivationLayer(name string) Module[B] {
	if name == ActDefault {
		name = b.Activation
	}
	switch name {
	case "":
		return nil
	case ActReLU:
		return NewReLU[B]()
	case ActLeakyReLU:
		return NewLeakyReLU[B](b.LeakySlope)
	case ActSigmoid:
		return NewSigmoid[B]()
	case ActTanh:
		return NewTanh[B]()
	default:
		panic(fmt.Sprintf("builder: unknown activation %q", name))
	}
}

// Validate checks the default choices.
func (b *Builder[B]) Validate() error {
	switch b.Norm {
	case NormBatch, NormGroup:
	default:
		return fmt.Errorf("unknown default norm %q", b.Norm)
	}
	switch b.Activation {
	case ActReLU, ActLeakyReLU, ActSigmoid, ActTanh:
	default:
		return fmt.Errorf("unknown default activation %q", b.Activation)
	}
	if b.BNEps <= 0 || b.BNMomentum < 0 || b.BNMomentum > 1 {
		return fmt.Errorf("invalid batch norm eps=%v momentum=%v", b.BNEps, b.BNMomentum)
	}
	if b.GNGroups <= 0 {
		return fmt.Errorf("invalid group norm groups %d", b.GNGroups)
	}
	return nil
}
