package coco

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/anchor"
)

const annotations = `{
  "images": [
    {"id": 1, "width": 100, "height": 200, "file_name": "a.jpg"},
    {"id": 2, "width": 400, "height": 400},
    {"id": 3, "width": 50, "height": 50}
  ],
  "annotations": [
    {"id": 10, "image_id": 2, "category_id": 1, "bbox": [0, 0, 200, 200]},
    {"id": 11, "image_id": 1, "category_id": 3, "bbox": [10, 10, 50, 100]},
    {"id": 12, "image_id": 2, "category_id": 1, "bbox": [100, 100, 40, 40]}
  ],
  "categories": [{"id": 1, "name": "person"}]
}`

func TestImages(t *testing.T) {
	ds, err := Read(strings.NewReader(annotations))
	require.NoError(t, err)

	images, err := ds.Images()
	require.NoError(t, err)
	require.Len(t, images, 2, "images without annotations are skipped")

	assert.Equal(t, 100, images[0].Width)
	assert.Equal(t, [][4]float32{{10, 10, 50, 100}}, images[0].Boxes)
	assert.Equal(t, [][4]float32{{0, 0, 200, 200}, {100, 100, 40, 40}}, images[1].Boxes)
}

func TestImages_Errors(t *testing.T) {
	ds, err := Read(strings.NewReader(`{"images": [{"id": 1, "width": 1, "height": 1}],
		"annotations": [{"id": 5, "image_id": 9, "bbox": [0, 0, 1, 1]}]}`))
	require.NoError(t, err)
	_, err = ds.Images()
	assert.ErrorContains(t, err, "unknown image 9")

	ds, err = Read(strings.NewReader(`{"images": [{"id": 1}, {"id": 1}]}`))
	require.NoError(t, err)
	_, err = ds.Images()
	assert.ErrorContains(t, err, "duplicate image id")

	_, err = Read(strings.NewReader(`{"images": [`))
	assert.Error(t, err)
}

func TestOpen_FindPriors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	require.NoError(t, os.WriteFile(path, []byte(annotations), 0o600))

	ds, err := Open(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	priors, err := anchor.FindPriorsDataset(ds, 2, anchor.Options{Seed: 1, Logger: logger})
	require.NoError(t, err)
	require.Len(t, priors, 2)
	assert.LessOrEqual(t, priors[0][0]*priors[0][1], priors[1][0]*priors[1][1])

	_, err = Open(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
