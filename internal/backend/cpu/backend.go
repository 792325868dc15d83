// Package cpu implements the forward-only CPU backend.
package cpu

import (
	"fmt"
	"unsafe"

	"github.com/born-ml/vision/internal/parallel"
	"github.com/born-ml/vision/internal/tensor"
)

// CPUBackend implements tensor.Backend in pure Go.
//
// Convolution, pooling and normalization kernels fan their independent
// (batch, channel) planes out across goroutines according to the parallel
// configuration.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// Compile-time check that CPUBackend implements tensor.Backend.
var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend using every available core.
func New() *CPUBackend {
	return NewWithConfig(parallel.DefaultConfig())
}

// NewWithConfig creates a CPU backend with an explicit parallelism setting.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// alloc creates a result tensor, panicking with the op name on failure.
func (cpu *CPUBackend) alloc(op string, shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, dtype, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", op, err))
	}
	return out
}

// floats returns the typed view of a floating point tensor.
func floats[T tensor.Float](r *tensor.RawTensor) []T {
	var dummy T
	switch any(dummy).(type) {
	case float32:
		return any(r.AsFloat32()).([]T)
	case float64:
		return any(r.AsFloat64()).([]T)
	default:
		panic("unsupported float type")
	}
}

// words32 and words64 reinterpret a buffer as fixed-size words so shape
// operations can move elements of any dtype without decoding them.
func words32(r *tensor.RawTensor) []uint32 {
	data := r.Data()
	//nolint:gosec // element-sized view of a buffer owned by r
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), r.NumElements())
}

func words64(r *tensor.RawTensor) []uint64 {
	data := r.Data()
	//nolint:gosec // element-sized view of a buffer owned by r
	return unsafe.Slice((*uint64)(unsafe.Pointer(&data[0])), r.NumElements())
}

// requireFloat panics unless every tensor has the same floating point dtype.
func requireFloat(op string, ts ...*tensor.RawTensor) tensor.DataType {
	dt := ts[0].DType()
	if !dt.IsFloat() {
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, dt))
	}
	for _, t := range ts[1:] {
		if t.DType() != dt {
			panic(fmt.Sprintf("%s: dtype mismatch %s vs %s", op, dt, t.DType()))
		}
	}
	return dt
}

// require4D panics unless x is an NCHW tensor and returns its dimensions.
func require4D(op string, x *tensor.RawTensor) (n, c, h, w int) {
	s := x.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input [N,C,H,W], got shape %v", op, s))
	}
	return s[0], s[1], s[2], s[3]
}
