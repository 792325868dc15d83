// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go compute backend.
package cpu

import (
	internalcpu "github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/parallel"
	"github.com/born-ml/vision/tensor"
)

// Backend runs every kernel on the CPU, splitting batch and channel planes
// across goroutines.
type Backend = internalcpu.CPUBackend

var _ tensor.Backend = (*Backend)(nil)

// New creates a CPU backend with one worker per CPU.
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{2, 3}, backend)
func New() *Backend {
	return internalcpu.New()
}

// NewWithWorkers creates a CPU backend using at most workers goroutines per
// kernel. Values below 2 run every kernel inline.
func NewWithWorkers(workers int) *Backend {
	cfg := parallel.DefaultConfig()
	cfg.Workers = workers
	return internalcpu.NewWithConfig(cfg)
}
