package nn

import (
	"fmt"
	"sort"

	"github.com/born-ml/vision/internal/tensor"
)

// ForwardHook observes a forward pass after it completes.
type ForwardHook[B tensor.Backend] func(m Component[B], inputs, outputs []*tensor.Tensor[float32, B])

// Hookable is a component that reports its forward passes.
type Hookable[B tensor.Backend] interface {
	Component[B]
	RegisterForwardHook(h ForwardHook[B]) (remove func())
}

// Hooks stores forward hooks. Embed it in a layer and call Fire at the end
// of Forward to make the layer Hookable.
type Hooks[B tensor.Backend] struct {
	next  int
	hooks map[int]ForwardHook[B]
}

// RegisterForwardHook adds h and returns a function removing it again.
func (h *Hooks[B]) RegisterForwardHook(hook ForwardHook[B]) (remove func()) {
	if h.hooks == nil {
		h.hooks = make(map[int]ForwardHook[B])
	}
	id := h.next
	h.next++
	h.hooks[id] = hook
	return func() { delete(h.hooks, id) }
}

// Fire runs the registered hooks in registration order.
func (h *Hooks[B]) Fire(m Component[B], inputs, outputs []*tensor.Tensor[float32, B]) {
	if len(h.hooks) == 0 {
		return
	}
	ids := make([]int, 0, len(h.hooks))
	for id := range h.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		h.hooks[id](m, inputs, outputs)
	}
}

// Output runs the hooks of a single-tensor module and returns out.
func (h *Hooks[B]) Output(m Component[B], in, out *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(h.hooks) > 0 {
		h.Fire(m, []*tensor.Tensor[float32, B]{in}, []*tensor.Tensor[float32, B]{out})
	}
	return out
}

// Outputs runs the hooks of a multi-tensor module and returns outs.
func (h *Hooks[B]) Outputs(m Component[B], ins, outs []*tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	h.Fire(m, ins, outs)
	return outs
}

func typeName(c any) string {
	return fmt.Sprintf("%T", c)
}
