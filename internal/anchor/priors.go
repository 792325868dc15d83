package anchor

import (
	"fmt"
	"sort"
)

// FindCentersKMeans clusters LTRB boxes and logs the mean IoU of the inputs
// against their best center. MaxIter defaults to 100.
func FindCentersKMeans(boxes [][4]float32, k int, opts Options) (*Result, error) {
	opts = opts.withDefaults(DefaultFinderMaxIter)
	res, err := kmeans(boxes, k, opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("kmeans finished",
		"k", k,
		"iterations", res.Iterations,
		"converged", res.Converged,
		"mean_iou", fmt.Sprintf("%.4f", res.MeanIoU))
	return res, nil
}

// FindPriorsKMeans finds k (width, height) priors for normalised box sizes.
//
// Sizes are turned into boxes centered at (0.5, 0.5) before clustering, so
// only shapes matter. The priors are sorted by ascending area; equal areas
// keep their cluster order.
func FindPriorsKMeans(sizes [][2]float32, k int, opts Options) ([][2]float32, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("anchor: no sizes: %w", ErrInvalidArgument)
	}
	boxes := make([][4]float32, len(sizes))
	for i, s := range sizes {
		if !finite(s[:]...) {
			return nil, fmt.Errorf("anchor: size %d %v is not finite: %w", i, s, ErrInvalidArgument)
		}
		boxes[i] = [4]float32{0.5, 0.5, s[0], s[1]}
	}
	res, err := FindCentersKMeans(Convert(boxes, XYWH, LTRB), k, opts)
	if err != nil {
		return nil, err
	}

	priors := make([][2]float32, k)
	for i, c := range res.Centers {
		priors[i] = [2]float32{c[2] - c[0], c[3] - c[1]}
	}
	sort.SliceStable(priors, func(i, j int) bool {
		return priors[i][0]*priors[i][1] < priors[j][0]*priors[j][1]
	})
	return priors, nil
}

// Image is one annotated image of a Dataset.
type Image struct {
	// Width and Height are in pixels.
	Width, Height int

	// Boxes are LTWH in pixels.
	Boxes [][4]float32
}

// Dataset provides box annotations grouped by image.
type Dataset interface {
	Images() ([]Image, error)
}

// FindPriorsDataset normalises the box sizes of every image in ds by the
// image size and finds k priors for them with FindPriorsKMeans.
func FindPriorsDataset(ds Dataset, k int, opts Options) ([][2]float32, error) {
	images, err := ds.Images()
	if err != nil {
		return nil, fmt.Errorf("anchor: read dataset: %w", err)
	}
	var sizes [][2]float32
	for i, img := range images {
		if img.Width <= 0 || img.Height <= 0 {
			return nil, fmt.Errorf("anchor: image %d has size %dx%d: %w", i, img.Width, img.Height, ErrInvalidArgument)
		}
		w, h := float32(img.Width), float32(img.Height)
		for _, b := range img.Boxes {
			sizes = append(sizes, [2]float32{b[2] / w, b[3] / h})
		}
	}
	return FindPriorsKMeans(sizes, k, opts)
}
