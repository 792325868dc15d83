package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/born-ml/vision/internal/tensor"
)

// SafeTensors layout:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

const metadataKey = "__metadata__"

// TensorHeader describes one tensor in the JSON header.
type TensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// header is the parsed JSON header.
type header struct {
	Metadata map[string]string
	Tensors  map[string]TensorHeader
}

// UnmarshalJSON splits the metadata entry from the tensor entries.
func (h *header) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &h.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	h.Tensors = make(map[string]TensorHeader, len(raw))
	for name, value := range raw {
		if name == metadataKey {
			continue
		}
		var th TensorHeader
		if err := json.Unmarshal(value, &th); err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		h.Tensors[name] = th
	}
	return nil
}

// writeSafeTensors writes tensors in name order.
func writeSafeTensors(w io.Writer, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		entries[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		raw := tensors[name]
		dtype, err := dtypeName(raw.DType())
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := make([]int64, len(raw.Shape()))
		for i, d := range raw.Shape() {
			shape[i] = int64(d)
		}
		size := int64(raw.ByteSize())
		entries[name] = TensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// readSafeTensors parses a whole file held in memory.
func readSafeTensors(data []byte) (map[string]*tensor.RawTensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%w: file too short", ErrInvalidHeader)
	}
	size := binary.LittleEndian.Uint64(data[:8])
	if size > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header size %d exceeds %d", ErrInvalidHeader, size, MaxHeaderSize)
	}
	if size > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("%w: header size %d beyond end of file", ErrInvalidHeader, size)
	}

	var h header
	if err := json.Unmarshal(data[8:8+size], &h); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	body := data[8+size:]
	if err := validateOffsets(h.Tensors, int64(len(body))); err != nil {
		return nil, nil, err
	}

	tensors := make(map[string]*tensor.RawTensor, len(h.Tensors))
	for name, th := range h.Tensors {
		dt, err := parseDType(th.DType)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %w", ErrInvalidHeader, name, err)
		}
		// The declared size must match the data range before anything is
		// allocated from the header shape.
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		n, err := byteSize(th.Shape, dt)
		if err != nil {
			return nil, nil, &ValidationError{Type: "invalid_shape", Tensor: name, Details: err.Error()}
		}
		if n != end-start {
			return nil, nil, &ValidationError{
				Type:    "size_mismatch",
				Tensor:  name,
				Details: fmt.Sprintf("%d bytes for shape %v of %s", end-start, th.Shape, dt),
			}
		}
		shape := make(tensor.Shape, len(th.Shape))
		for i, d := range th.Shape {
			shape[i] = int(d)
		}
		raw, err := tensor.NewRaw(shape, dt, tensor.CPU)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %w", ErrInvalidHeader, name, err)
		}
		copy(raw.Data(), body[start:end])
		tensors[name] = raw
	}
	return tensors, h.Metadata, nil
}

// byteSize returns the data size of shape, rejecting negative dimensions
// and element counts that overflow.
func byteSize(shape []int64, dt tensor.DataType) (int64, error) {
	n := int64(dt.Size())
	for i, d := range shape {
		if d < 0 || d > math.MaxInt {
			return 0, fmt.Errorf("invalid dimension at index %d: %d", i, d)
		}
		if d != 0 && n > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows", shape)
		}
		n *= d
	}
	if n > math.MaxInt {
		return 0, fmt.Errorf("shape %v overflows", shape)
	}
	return n, nil
}

func dtypeName(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return "F32", nil
	case tensor.Float64:
		return "F64", nil
	case tensor.Int32:
		return "I32", nil
	case tensor.Int64:
		return "I64", nil
	default:
		return "", fmt.Errorf("unsupported dtype %v", dt)
	}
}

func parseDType(s string) (tensor.DataType, error) {
	switch s {
	case "F32":
		return tensor.Float32, nil
	case "F64":
		return tensor.Float64, nil
	case "I32":
		return tensor.Int32, nil
	case "I64":
		return tensor.Int64, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}
