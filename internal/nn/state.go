package nn

import (
	"fmt"
	"sort"

	"github.com/born-ml/vision/internal/tensor"
)

// StateDict returns every parameter and buffer under c by dotted name,
// e.g. "layer1.0.conv1.norm.running_mean".
//
// Shared sub-modules appear under the first name they are reached by.
func StateDict[B tensor.Backend](c Component[B]) map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for _, e := range namedState(c) {
		state[e.name] = e.param.Tensor().Raw()
	}
	return state
}

// LoadStateDict copies tensors from state into the parameters and buffers
// of c. Every entry of c must be present with a matching shape; extra
// entries in state are reported as errors too.
func LoadStateDict[B tensor.Backend](c Component[B], state map[string]*tensor.RawTensor) error {
	used := make(map[string]bool, len(state))
	for _, e := range namedState(c) {
		raw, ok := state[e.name]
		if !ok {
			return fmt.Errorf("missing %q in state dict", e.name)
		}
		if err := e.param.Load(raw); err != nil {
			return fmt.Errorf("load %q: %w", e.name, err)
		}
		used[e.name] = true
	}
	var unexpected []string
	for name := range state {
		if !used[name] {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("unexpected keys in state dict: %v", unexpected)
	}
	return nil
}

type namedParam[B tensor.Backend] struct {
	name  string
	param *Parameter[B]
}

// namedState lists parameters and buffers in walk order. A Parent
// contributes its children and its own buffers; any other component
// contributes its parameters and buffers.
func namedState[B tensor.Backend](c Component[B]) []namedParam[B] {
	var out []namedParam[B]
	seen := make(map[*Parameter[B]]bool)
	add := func(prefix string, params []*Parameter[B]) {
		for _, p := range params {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, namedParam[B]{name: joinPath(prefix, p.Name()), param: p})
		}
	}

	Walk(c, func(path string, m Component[B]) bool {
		if _, isParent := m.(Parent[B]); !isParent {
			add(path, m.Parameters())
		}
		if bh, ok := m.(BufferHolder[B]); ok {
			add(path, bh.Buffers())
		}
		return true
	})
	return out
}

// OwnParameters returns the parameters a component holds directly: none for
// a Parent, all of them otherwise.
func OwnParameters[B tensor.Backend](c Component[B]) []*Parameter[B] {
	if _, isParent := c.(Parent[B]); isParent {
		return nil
	}
	return c.Parameters()
}
