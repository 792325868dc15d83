// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package anchor_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/anchor"
)

func TestFindPriorsKMeans(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	sizes := [][2]float32{{0.5, 0.5}, {0.1, 0.2}}

	priors, err := anchor.FindPriorsKMeans(sizes, 2, anchor.Options{Logger: logger})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2}, priors[0][:], 1e-6)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, priors[1][:], 1e-6)

	_, err = anchor.FindPriorsKMeans(sizes, 3, anchor.Options{Logger: logger})
	assert.ErrorIs(t, err, anchor.ErrInvalidArgument)
}

func TestIoU(t *testing.T) {
	ltrb := anchor.Convert([][4]float32{{1, 1, 2, 2}}, anchor.XYWH, anchor.LTRB)
	assert.InDelta(t, 0.25, anchor.IoU(ltrb[0], [4]float32{0, 0, 1, 1}), 1e-6)
}
