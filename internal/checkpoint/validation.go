package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Limits on untrusted checkpoint files.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// Common errors.
var (
	ErrInvalidHeader = errors.New("invalid checkpoint header")
	ErrChecksum      = errors.New("checkpoint checksum mismatch")
)

// ValidationError describes a malformed tensor entry.
type ValidationError struct {
	Type    string // e.g. "offset_overlap", "out_of_bounds"
	Tensor  string
	Tensor2 string // second tensor of an overlap
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// Unwrap lets callers match any ValidationError with ErrInvalidHeader.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidHeader
}

type span struct {
	name       string
	start, end int64
}

// validateOffsets rejects names with NUL bytes and data ranges that are
// negative, out of bounds or overlapping.
func validateOffsets(tensors map[string]TensorHeader, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	spans := make([]span, 0, len(tensors))
	for name, th := range tensors {
		if len(name) > MaxTensorNameLen {
			return &ValidationError{Type: "name_too_long", Tensor: name[:32] + "...", Details: fmt.Sprintf("length %d", len(name))}
		}
		if name == "" || strings.Contains(name, "\x00") {
			return &ValidationError{Type: "invalid_name", Tensor: name, Details: "empty or contains null byte"}
		}
		spans = append(spans, span{name: name, start: th.DataOffsets[0], end: th.DataOffsets[1]})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].name < spans[j].name
	})

	for i, s := range spans {
		if s.start < 0 || s.end < s.start {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  s.name,
				Details: fmt.Sprintf("range [%d-%d]", s.start, s.end),
			}
		}
		if s.end > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  s.name,
				Details: fmt.Sprintf("end %d > data size %d", s.end, dataSize),
			}
		}
		if i+1 < len(spans) && s.end > spans[i+1].start {
			next := spans[i+1]
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  s.name,
				Tensor2: next.name,
				Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap", s.start, s.end, next.start, next.end),
			}
		}
	}
	return nil
}
