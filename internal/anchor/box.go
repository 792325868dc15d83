// Package anchor finds anchor priors for object detection by clustering
// ground-truth boxes with k-means under the 1 - IoU distance.
//
// Boxes are [4]float32 in normalised coordinates. Clustering works on LTRB
// boxes (xmin, ymin, xmax, ymax); Convert translates from the other
// formats.
package anchor

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidArgument is wrapped by every precondition failure.
var ErrInvalidArgument = errors.New("invalid argument")

// BoxFormat is the coordinate layout of a box.
type BoxFormat int

const (
	// LTRB is (left, top, right, bottom).
	LTRB BoxFormat = iota
	// XYWH is (center x, center y, width, height).
	XYWH
	// LTWH is (left, top, width, height).
	LTWH
)

// String returns the format name.
func (f BoxFormat) String() string {
	switch f {
	case LTRB:
		return "LTRB"
	case XYWH:
		return "XYWH"
	case LTWH:
		return "LTWH"
	default:
		return fmt.Sprintf("BoxFormat(%d)", int(f))
	}
}

// Convert returns boxes converted from one format to another. The input is
// not modified.
func Convert(boxes [][4]float32, from, to BoxFormat) [][4]float32 {
	out := make([][4]float32, len(boxes))
	for i, b := range boxes {
		out[i] = fromLTRB(toLTRB(b, from), to)
	}
	return out
}

func toLTRB(b [4]float32, from BoxFormat) [4]float32 {
	switch from {
	case LTRB:
		return b
	case XYWH:
		return [4]float32{b[0] - b[2]/2, b[1] - b[3]/2, b[0] + b[2]/2, b[1] + b[3]/2}
	case LTWH:
		return [4]float32{b[0], b[1], b[0] + b[2], b[1] + b[3]}
	default:
		panic(fmt.Sprintf("anchor: unknown box format %v", from))
	}
}

func fromLTRB(b [4]float32, to BoxFormat) [4]float32 {
	switch to {
	case LTRB:
		return b
	case XYWH:
		return [4]float32{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2, b[2] - b[0], b[3] - b[1]}
	case LTWH:
		return [4]float32{b[0], b[1], b[2] - b[0], b[3] - b[1]}
	default:
		panic(fmt.Sprintf("anchor: unknown box format %v", to))
	}
}

// IoU returns the intersection over union of two LTRB boxes. It is 0 when
// the boxes do not overlap or either has a non-positive width or height.
func IoU(a, b [4]float32) float64 {
	return iou(box64(a), box64(b))
}

// IoUMatrix returns IoU(a[i], b[j]) for every pair.
func IoUMatrix(a, b [][4]float32) [][]float64 {
	bs := make([][4]float64, len(b))
	for j, box := range b {
		bs[j] = box64(box)
	}
	out := make([][]float64, len(a))
	for i, box := range a {
		row := make([]float64, len(b))
		ai := box64(box)
		for j := range bs {
			row[j] = iou(ai, bs[j])
		}
		out[i] = row
	}
	return out
}

func box64(b [4]float32) [4]float64 {
	return [4]float64{float64(b[0]), float64(b[1]), float64(b[2]), float64(b[3])}
}

func iou(a, b [4]float64) float64 {
	wa, ha := a[2]-a[0], a[3]-a[1]
	wb, hb := b[2]-b[0], b[3]-b[1]
	if wa <= 0 || ha <= 0 || wb <= 0 || hb <= 0 {
		return 0
	}
	x1 := math.Max(a[0], b[0])
	y1 := math.Max(a[1], b[1])
	x2 := math.Min(a[2], b[2])
	y2 := math.Min(a[3], b[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	return inter / (wa*ha + wb*hb - inter)
}

// FromRows converts rows of four values into boxes.
func FromRows(rows [][]float32) ([][4]float32, error) {
	boxes := make([][4]float32, len(rows))
	for i, r := range rows {
		if len(r) != 4 {
			return nil, fmt.Errorf("anchor: row %d has %d values, want 4: %w", i, len(r), ErrInvalidArgument)
		}
		copy(boxes[i][:], r)
	}
	return boxes, nil
}

// SizesFromRows converts rows of (width, height) into sizes.
func SizesFromRows(rows [][]float32) ([][2]float32, error) {
	sizes := make([][2]float32, len(rows))
	for i, r := range rows {
		if len(r) != 2 {
			return nil, fmt.Errorf("anchor: row %d has %d values, want 2: %w", i, len(r), ErrInvalidArgument)
		}
		copy(sizes[i][:], r)
	}
	return sizes, nil
}

func finite(vs ...float32) bool {
	for _, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
