// Package zoo maps model names to constructors with their default input
// shapes, for tools that build a model from its name.
package zoo

import (
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/vision/internal/models/detection"
	"github.com/born-ml/vision/internal/models/gan"
	"github.com/born-ml/vision/internal/models/hourglass"
	"github.com/born-ml/vision/internal/models/regnet"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// ErrUnknownModel is returned by Build for names that are not registered.
var ErrUnknownModel = errors.New("unknown model")

// Model is a constructed network and the per-sample shapes of its inputs.
type Model[B tensor.Backend] struct {
	Name      string
	Component nn.Component[B]

	// InputShapes exclude the batch dimension.
	InputShapes []tensor.Shape
}

// Forward runs the model on inputs.
func (m *Model[B]) Forward(inputs ...*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	return nn.Apply(m.Component, inputs...)
}

// RandomInputs returns normally distributed inputs of the default shapes
// with the given batch size.
func (m *Model[B]) RandomInputs(b *nn.Builder[B], batch int) []*tensor.Tensor[float32, B] {
	xs := make([]*tensor.Tensor[float32, B], len(m.InputShapes))
	for i, s := range m.InputShapes {
		shape := append(tensor.Shape{batch}, s...)
		xs[i] = tensor.Randn[float32](shape, b.Rand, b.Backend)
	}
	return xs
}

// Constructor builds a model with the given builder.
type Constructor[B tensor.Backend] func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape)

// Registry maps model names to constructors.
type Registry[B tensor.Backend] struct {
	constructors map[string]Constructor[B]
}

// NewRegistry creates a registry with every built-in model.
func NewRegistry[B tensor.Backend]() *Registry[B] {
	r := &Registry[B]{constructors: make(map[string]Constructor[B])}
	r.registerBackbones()
	r.registerGAN()
	r.registerHeads()
	return r
}

// Register adds or replaces a constructor.
func (r *Registry[B]) Register(name string, c Constructor[B]) {
	r.constructors[name] = c
}

// Build constructs the named model.
func (r *Registry[B]) Build(name string, b *nn.Builder[B]) (*Model[B], error) {
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("zoo: %w: %q (available: %v)", ErrUnknownModel, name, r.Names())
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("zoo: build %s: %w", name, err)
	}
	component, shapes := c(b)
	return &Model[B]{Name: name, Component: component, InputShapes: shapes}, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[B]) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry[B]) registerBackbones() {
	r.Register("regnet", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return regnet.New(b, regnet.DefaultConfig()), []tensor.Shape{{3, 32, 32}}
	})
	r.Register("hourglass", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return hourglass.New(b, hourglass.DefaultConfig()), []tensor.Shape{{3, 64, 64}}
	})
}

// Latent size and base width of the SNGAN models.
const (
	ganLatent   = 128
	ganChannels = 64
)

func (r *Registry[B]) registerGAN() {
	r.Register("gan-generator", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return gan.NewResNetGenerator(b, ganLatent, ganChannels, 3, true), []tensor.Shape{{ganLatent}}
	})
	r.Register("gan-discriminator", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return gan.NewResNetDiscriminator(b, 3, ganChannels, 1, true), []tensor.Shape{{3, 48, 48}}
	})
}

func (r *Registry[B]) registerHeads() {
	const (
		f          = detection.DefaultFChannels
		vocClasses = 21
	)
	pyramid := []tensor.Shape{{f, 16, 16}, {f, 8, 8}, {f, 4, 4}}

	r.Register("ssd-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewSSDHead(b, []int{6}, vocClasses, []int{f, f, f}, nn.NormDefault), pyramid
	})
	r.Register("sep-ssd-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewSepSSDHead(b, []int{6}, vocClasses, []int{f, f, f}, nn.NormDefault), pyramid
	})
	r.Register("ssdlite-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewSSDLiteHead(b, []int{6}, vocClasses, []int{f, f, f}, nn.NormDefault), pyramid
	})
	r.Register("sep-ssdlite-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewSepSSDLiteHead(b, []int{6}, vocClasses, []int{f, f, f}, nn.NormDefault), pyramid
	})
	r.Register("retina-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewConvHead(b, 9, vocClasses, f, detection.DefaultNumLayers, nn.NormDefault), pyramid
	})
	r.Register("shared-dwconv-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		in := detection.DefaultInChannels
		head := detection.NewSharedDWConvHead(b, 25, 1, in, f, false, nn.NormDefault)
		return head, []tensor.Shape{{in, 20, 20}}
	})
	r.Register("rpn-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewRPNHead(b, 3, f, f, false), pyramid
	})
	r.Register("rpn-head-lite", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewRPNHead(b, 3, f, f, true), pyramid
	})
	r.Register("thunder-rcnn-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		in := detection.DefaultInChannels
		return detection.NewThunderRCNNHead(b, vocClasses, in*7*7, 1024, nn.NormDefault), []tensor.Shape{{in * 7 * 7}}
	})
	r.Register("box2fc-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewBox2FCHead(b, vocClasses, f*7*7, 1024), []tensor.Shape{{f, 7, 7}}
	})
	r.Register("mask-head", func(b *nn.Builder[B]) (nn.Component[B], []tensor.Shape) {
		return detection.NewMaskHead(b, vocClasses, f, false), []tensor.Shape{{f, 14, 14}}
	})
}
