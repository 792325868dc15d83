// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package anchor clusters ground-truth boxes into anchor priors with
// k-means on the 1 - IoU distance.
//
// Example:
//
//	ds, _ := coco.Open("instances_train2017.json")
//	priors, err := anchor.FindPriorsDataset(ds, 9, anchor.Options{Seed: 1})
package anchor

import (
	"github.com/born-ml/vision/internal/anchor"
	"github.com/born-ml/vision/internal/anchor/coco"
)

// ErrInvalidArgument reports bad k or non-finite boxes.
var ErrInvalidArgument = anchor.ErrInvalidArgument

type (
	// Options configures the k-means iteration.
	Options = anchor.Options
	// Result holds centers, assignments and the mean best IoU.
	Result = anchor.Result
	// Image is one image's size and LTWH pixel boxes.
	Image = anchor.Image
	// Dataset yields annotated images.
	Dataset = anchor.Dataset
	// BoxFormat names a box layout.
	BoxFormat = anchor.BoxFormat
)

// Box layouts.
const (
	LTRB = anchor.LTRB
	XYWH = anchor.XYWH
	LTWH = anchor.LTWH
)

// IoU returns the intersection over union of two LTRB boxes.
func IoU(a, b [4]float32) float64 {
	return anchor.IoU(a, b)
}

// Convert returns boxes in the target layout.
func Convert(boxes [][4]float32, from, to BoxFormat) [][4]float32 {
	return anchor.Convert(boxes, from, to)
}

// KMeans clusters LTRB boxes into k centers.
func KMeans(boxes [][4]float32, k int, opts Options) (*Result, error) {
	return anchor.KMeans(boxes, k, opts)
}

// FindCentersKMeans clusters LTRB boxes and logs the final mean IoU.
func FindCentersKMeans(boxes [][4]float32, k int, opts Options) (*Result, error) {
	return anchor.FindCentersKMeans(boxes, k, opts)
}

// FindPriorsKMeans clusters normalised (w, h) sizes into k priors sorted
// by area.
func FindPriorsKMeans(sizes [][2]float32, k int, opts Options) ([][2]float32, error) {
	return anchor.FindPriorsKMeans(sizes, k, opts)
}

// FindPriorsDataset clusters the box sizes of ds, normalised by image size.
func FindPriorsDataset(ds Dataset, k int, opts Options) ([][2]float32, error) {
	return anchor.FindPriorsDataset(ds, k, opts)
}

// OpenCOCO reads a COCO instances file as a Dataset.
func OpenCOCO(path string) (Dataset, error) {
	ds, err := coco.Open(path)
	if err != nil {
		return nil, err
	}
	return ds, nil
}
