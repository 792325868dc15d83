// Package coco reads COCO-style instance annotation files as an
// anchor.Dataset.
package coco

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/vision/internal/anchor"
)

// ImageInfo is an entry of the "images" array.
type ImageInfo struct {
	ID       int64  `json:"id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileName string `json:"file_name,omitempty"`
}

// Annotation is an entry of the "annotations" array.
type Annotation struct {
	ID         int64      `json:"id"`
	ImageID    int64      `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float32 `json:"bbox"` // left, top, width, height in pixels
	IsCrowd    int        `json:"iscrowd,omitempty"`
}

// Dataset is a parsed annotation file.
type Dataset struct {
	ImageInfos  []ImageInfo  `json:"images"`
	Annotations []Annotation `json:"annotations"`
}

// Read parses an annotation file from r.
func Read(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("coco: failed to parse annotations: %w", err)
	}
	return &ds, nil
}

// Open reads the annotation file at path.
func Open(path string) (*Dataset, error) {
	//nolint:gosec // G304: annotation path is user input by design of the CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("coco: failed to open annotations: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Images groups the annotations by image, in the order images are listed.
// Images without annotations are skipped.
func (d *Dataset) Images() ([]anchor.Image, error) {
	index := make(map[int64]int, len(d.ImageInfos))
	for i, info := range d.ImageInfos {
		if _, dup := index[info.ID]; dup {
			return nil, fmt.Errorf("coco: duplicate image id %d", info.ID)
		}
		index[info.ID] = i
	}

	boxes := make([][][4]float32, len(d.ImageInfos))
	for _, ann := range d.Annotations {
		i, ok := index[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("coco: annotation %d refers to unknown image %d", ann.ID, ann.ImageID)
		}
		boxes[i] = append(boxes[i], ann.BBox)
	}

	var images []anchor.Image
	for i, info := range d.ImageInfos {
		if len(boxes[i]) == 0 {
			continue
		}
		images = append(images, anchor.Image{Width: info.Width, Height: info.Height, Boxes: boxes[i]})
	}
	return images, nil
}
