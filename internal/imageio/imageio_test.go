package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/tensor"
)

func checker() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{G: 255, A: 255})
	img.Set(0, 1, color.NRGBA{B: 255, A: 255})
	img.Set(1, 1, color.NRGBA{R: 51, G: 102, B: 204, A: 255})
	return img
}

func TestLoadTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, imaging.Save(checker(), path))

	x, err := LoadTensor(path, 2, 2, Normalize{}, cpu.New())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, x.Shape())
	assert.InDeltaSlice(t, []float32{
		1, 0, 0, 0.2, // R
		0, 1, 0, 0.4, // G
		0, 0, 1, 0.8, // B
	}, x.Data(), 1e-6)
}

func TestToTensor_Normalize(t *testing.T) {
	img := imaging.New(8, 4, color.NRGBA{R: 255, G: 128, B: 0, A: 255})

	x, err := ToTensor(img, 3, 5, ImageNet(), cpu.New())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 5, 3}, x.Shape())

	data := x.Data()
	assert.InDelta(t, (1-0.485)/0.229, data[0], 1e-5)
	assert.InDelta(t, (128.0/255-0.456)/0.224, data[15], 1e-5)
	assert.InDelta(t, (0-0.406)/0.225, data[30], 1e-5)

	_, err = ToTensor(img, 0, 5, Normalize{}, cpu.New())
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.jpg"))
	assert.Error(t, err)
}
