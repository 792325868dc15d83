// Package summary prints a per-layer table of output shapes and parameter
// counts for a model, in the style of Keras' model.summary().
package summary

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// DefaultBatchSize is the batch size of the random inputs. BatchNorm needs
// more than one sample in training mode.
const DefaultBatchSize = 2

// bytesPerValue assumes float32 storage.
const bytesPerValue = 4

// ErrNoForward is returned for components that are neither Modules nor
// MultiModules.
var ErrNoForward = errors.New("component has no forward pass")

// Options configures Run.
type Options struct {
	// BatchSize of the random inputs; DefaultBatchSize if zero.
	BatchSize int
}

// Row describes one invocation of a hookable layer.
type Row struct {
	// Key is "Kind-n", n counting invocations from 1.
	Key  string
	Path string

	// Shapes with the batch dimension shown as -1.
	InputShape   []int
	OutputShapes [][]int

	// Params counts the layer's own parameters on its first invocation
	// and is zero afterwards.
	Params    int
	Trainable int
}

// Report is the result of a summary run.
type Report struct {
	Rows []Row

	TotalParams     int
	TrainableParams int

	// Sizes in MB (1024^2 bytes) of one sample.
	InputSizeMB    float64
	ForwardSizeMB  float64 // outputs, doubled for gradients
	ParamsSizeMB   float64
	EstimatedTotal float64
}

// NonTrainableParams returns TotalParams - TrainableParams.
func (r *Report) NonTrainableParams() int {
	return r.TotalParams - r.TrainableParams
}

// Run feeds random inputs with the given per-sample shapes through model and
// records every hookable layer below the root.
func Run[B tensor.Backend](b *nn.Builder[B], model nn.Component[B], opts Options, inputShapes ...tensor.Shape) (report *Report, err error) {
	if len(inputShapes) == 0 {
		return nil, fmt.Errorf("summary: no input shapes")
	}
	switch model.(type) {
	case nn.Module[B], nn.MultiModule[B]:
	default:
		return nil, fmt.Errorf("summary: %s: %w", nn.KindOf(model), ErrNoForward)
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	inputs := make([]*tensor.Tensor[float32, B], len(inputShapes))
	for i, s := range inputShapes {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("summary: input %d: %w", i, err)
		}
		inputs[i] = tensor.Rand[float32](append(tensor.Shape{batch}, s...), b.Rand, b.Backend)
	}

	report = &Report{}
	visited := make(map[nn.Component[B]]bool)
	hooked := make(map[nn.Component[B]]bool)
	var removes []func()
	defer func() {
		for _, remove := range removes {
			remove()
		}
	}()

	nn.Walk(model, func(path string, c nn.Component[B]) bool {
		h, ok := c.(nn.Hookable[B])
		if !ok || path == "" || hooked[c] {
			return true
		}
		hooked[c] = true
		removes = append(removes, h.RegisterForwardHook(func(m nn.Component[B], ins, outs []*tensor.Tensor[float32, B]) {
			row := Row{
				Key:  fmt.Sprintf("%s-%d", nn.KindOf(m), len(report.Rows)+1),
				Path: path,
			}
			if len(ins) > 0 {
				row.InputShape = perSample(ins[0].Shape())
			}
			for _, o := range outs {
				row.OutputShapes = append(row.OutputShapes, perSample(o.Shape()))
			}
			if !visited[m] {
				visited[m] = true
				for _, p := range nn.OwnParameters(m) {
					n := p.Tensor().NumElements()
					row.Params += n
					if p.Trainable() {
						row.Trainable += n
					}
				}
			}
			report.Rows = append(report.Rows, row)
		}))
		return true
	})

	defer func() {
		if r := recover(); r != nil {
			report, err = nil, fmt.Errorf("summary: forward pass failed: %v", r)
		}
	}()
	nn.Apply(model, inputs...)

	report.totals(inputShapes)
	return report, nil
}

// Print runs the summary and writes the table to w.
func Print[B tensor.Backend](w io.Writer, b *nn.Builder[B], model nn.Component[B], opts Options, inputShapes ...tensor.Shape) (*Report, error) {
	report, err := Run(b, model, opts, inputShapes...)
	if err != nil {
		return nil, err
	}
	if _, err := report.WriteTo(w); err != nil {
		return nil, fmt.Errorf("summary: write: %w", err)
	}
	return report, nil
}

func perSample(s tensor.Shape) []int {
	out := append([]int(nil), s...)
	if len(out) > 0 {
		out[0] = -1
	}
	return out
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}

func (r *Report) totals(inputShapes []tensor.Shape) {
	outputs := 0
	for _, row := range r.Rows {
		r.TotalParams += row.Params
		r.TrainableParams += row.Trainable
		for _, s := range row.OutputShapes {
			if len(s) > 0 {
				outputs += elements(s)
			}
		}
	}
	inputs := 0
	for _, s := range inputShapes {
		inputs += s.NumElements()
	}
	const mb = 1024 * 1024
	r.InputSizeMB = float64(inputs*bytesPerValue) / mb
	r.ForwardSizeMB = float64(2*outputs*bytesPerValue) / mb
	r.ParamsSizeMB = float64(r.TotalParams*bytesPerValue) / mb
	r.EstimatedTotal = r.InputSizeMB + r.ForwardSizeMB + r.ParamsSizeMB
}

const (
	thinRule  = "----------------------------------------------------------------"
	thickRule = "================================================================"
)

// WriteTo writes the summary table.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	line := func(layer, shape, params string) {
		fmt.Fprintf(&sb, "%20s  %25s %15s\n", layer, shape, params)
	}

	sb.WriteString(thinRule + "\n")
	line("Layer (type)", "Output Shape", "Param #")
	sb.WriteString(thickRule + "\n")
	for _, row := range r.Rows {
		first := ""
		if len(row.OutputShapes) > 0 {
			first = formatShape(row.OutputShapes[0])
		}
		line(row.Key, first, Commas(row.Params))
		for i := 1; i < len(row.OutputShapes); i++ {
			line("", formatShape(row.OutputShapes[i]), "")
		}
	}
	sb.WriteString(thickRule + "\n")
	fmt.Fprintf(&sb, "Total params: %s\n", Commas(r.TotalParams))
	fmt.Fprintf(&sb, "Trainable params: %s\n", Commas(r.TrainableParams))
	fmt.Fprintf(&sb, "Non-trainable params: %s\n", Commas(r.NonTrainableParams()))
	sb.WriteString(thinRule + "\n")
	fmt.Fprintf(&sb, "Input size (MB): %0.2f\n", r.InputSizeMB)
	fmt.Fprintf(&sb, "Forward/backward pass size (MB): %0.2f\n", r.ForwardSizeMB)
	fmt.Fprintf(&sb, "Params size (MB): %0.2f\n", r.ParamsSizeMB)
	fmt.Fprintf(&sb, "Estimated Total Size (MB): %0.2f\n", r.EstimatedTotal)
	sb.WriteString(thinRule + "\n")

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// formatShape renders a shape as "[-1, 64, 32, 32]".
func formatShape(s []int) string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Commas formats n with thousands separators, e.g. 1234567 -> "1,234,567".
func Commas(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	sb.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		sb.WriteByte(',')
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}
