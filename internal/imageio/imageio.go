// Package imageio turns image files into normalised NCHW input tensors.
package imageio

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/born-ml/vision/internal/tensor"
)

// ImageNet channel statistics in [0, 1] pixel units.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Normalize holds per-channel statistics. The zero value leaves pixels in
// [0, 1].
type Normalize struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNet returns the usual ImageNet normalisation.
func ImageNet() Normalize {
	return Normalize{Mean: ImageNetMean, Std: ImageNetStd}
}

// Load decodes the image at path, applying its EXIF orientation.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	return img, nil
}

// ToTensor resizes img to width x height with bilinear filtering and
// returns a [1, 3, height, width] RGB tensor.
func ToTensor[B tensor.Backend](img image.Image, width, height int, norm Normalize, b B) (*tensor.Tensor[float32, B], error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("imageio: invalid size %dx%d", width, height)
	}
	rgba := imaging.Resize(img, width, height, imaging.Linear)

	plane := width * height
	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < width; x++ {
			px := row[4*x:]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				if std := norm.Std[c]; std != 0 {
					v = (v - norm.Mean[c]) / std
				}
				data[c*plane+y*width+x] = v
			}
		}
	}
	return tensor.FromSlice(data, tensor.Shape{1, 3, height, width}, b)
}

// LoadTensor is Load followed by ToTensor.
func LoadTensor[B tensor.Backend](path string, width, height int, norm Normalize, b B) (*tensor.Tensor[float32, B], error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ToTensor(img, width, height, norm, b)
}
