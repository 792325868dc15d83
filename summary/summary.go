// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package summary prints per-layer output shapes and parameter counts.
//
// Example:
//
//	b := nn.NewBuilder(cpu.New(), 0)
//	model := regnet.New(b, regnet.DefaultConfig())
//	summary.Print(os.Stdout, b, model, summary.Options{}, tensor.Shape{3, 32, 32})
package summary

import (
	"io"

	"github.com/born-ml/vision/internal/summary"
	"github.com/born-ml/vision/nn"
	"github.com/born-ml/vision/tensor"
)

// ErrNoForward is returned for components without a forward pass.
var ErrNoForward = summary.ErrNoForward

type (
	// Options configures a summary run.
	Options = summary.Options
	// Row is one layer invocation.
	Row = summary.Row
	// Report holds the rows and totals.
	Report = summary.Report
)

// Run feeds random inputs of the given per-sample shapes through model.
func Run[B tensor.Backend](b *nn.Builder[B], model nn.Component[B], opts Options, inputShapes ...tensor.Shape) (*Report, error) {
	return summary.Run(b, model, opts, inputShapes...)
}

// Print runs the summary and writes the table to w.
func Print[B tensor.Backend](w io.Writer, b *nn.Builder[B], model nn.Component[B], opts Options, inputShapes ...tensor.Shape) (*Report, error) {
	return summary.Print(w, b, model, opts, inputShapes...)
}
