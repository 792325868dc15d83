package anchor

import (
	"fmt"
	"log/slog"
	"math/rand"
)

// Default iteration limits and tolerance.
const (
	DefaultMaxIter       = 300
	DefaultFinderMaxIter = 100
	DefaultTol           = 1e-6
)

// Options configures the k-means runs. Zero values select the defaults.
type Options struct {
	// Seed drives the choice of initial centers.
	Seed int64

	// MaxIter caps the number of iterations.
	MaxIter int

	// Tol stops the iteration once the mean center shift falls below it.
	Tol float64

	// Verbose logs the mean shift of every iteration.
	Verbose bool

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults(maxIter int) Options {
	if o.MaxIter <= 0 {
		o.MaxIter = maxIter
	}
	if o.Tol <= 0 {
		o.Tol = DefaultTol
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is the outcome of a k-means run.
type Result struct {
	// Assignments holds the cluster of every input box.
	Assignments []int

	// Centers are the k LTRB cluster centers.
	Centers [][4]float32

	// MeanIoU is the mean over inputs of the best IoU against the centers.
	MeanIoU float64

	// Iterations is the number of iterations run.
	Iterations int

	// Converged reports whether the mean shift fell below the tolerance.
	Converged bool
}

// KMeans clusters LTRB boxes into k groups under the 1 - IoU distance.
//
// Initial centers are k distinct boxes drawn with opts.Seed. Each iteration
// assigns every box to its nearest center (the first one on ties) and moves
// every non-empty cluster's center to the mean of its members; an empty
// cluster keeps its center. The run stops when the mean shift, the sum of
// 1 - IoU(new, old) over moved centers divided by k, drops below opts.Tol,
// or after opts.MaxIter iterations (default 300). Running out of iterations
// is not an error.
func KMeans(boxes [][4]float32, k int, opts Options) (*Result, error) {
	return kmeans(boxes, k, opts.withDefaults(DefaultMaxIter))
}

func kmeans(boxes [][4]float32, k int, opts Options) (*Result, error) {
	if err := checkBoxes(boxes, k); err != nil {
		return nil, err
	}
	n := len(boxes)
	xs := make([][4]float64, n)
	for i, b := range boxes {
		xs[i] = box64(b)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	perm := rng.Perm(n)
	centers := make([][4]float64, k)
	for i := range centers {
		centers[i] = xs[perm[i]]
	}

	res := &Result{Assignments: make([]int, n)}
	sums := make([][4]float64, k)
	counts := make([]int, k)
	for iter := 0; iter < opts.MaxIter; iter++ {
		for i, x := range xs {
			res.Assignments[i] = nearest(x, centers)
		}

		clear(sums)
		clear(counts)
		for i, c := range res.Assignments {
			counts[c]++
			for j := range sums[c] {
				sums[c][j] += xs[i][j]
			}
		}

		shift := 0.0
		for c := range centers {
			if counts[c] == 0 {
				if opts.Verbose {
					opts.Logger.Debug("empty cluster keeps its center", "iter", iter, "cluster", c)
				}
				continue
			}
			var center [4]float64
			for j := range center {
				center[j] = sums[c][j] / float64(counts[c])
			}
			shift += 1 - iou(center, centers[c])
			centers[c] = center
		}
		shift /= float64(k)

		res.Iterations = iter + 1
		if opts.Verbose {
			opts.Logger.Info("kmeans iteration", "iter", iter, "mean_shift", fmt.Sprintf("%.6f", shift))
		}
		if shift < opts.Tol {
			res.Converged = true
			break
		}
	}

	res.Centers = make([][4]float32, k)
	for c, center := range centers {
		res.Centers[c] = [4]float32{float32(center[0]), float32(center[1]), float32(center[2]), float32(center[3])}
	}
	res.MeanIoU = meanBestIoU(xs, centers)
	return res, nil
}

func nearest(x [4]float64, centers [][4]float64) int {
	best, bestDist := 0, 0.0
	for c, center := range centers {
		d := 1 - iou(x, center)
		if c == 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func meanBestIoU(xs, centers [][4]float64) float64 {
	total := 0.0
	for _, x := range xs {
		best := 0.0
		for _, c := range centers {
			best = max(best, iou(x, c))
		}
		total += best
	}
	return total / float64(len(xs))
}

func checkBoxes(boxes [][4]float32, k int) error {
	if len(boxes) == 0 {
		return fmt.Errorf("anchor: no boxes: %w", ErrInvalidArgument)
	}
	if k <= 0 || k > len(boxes) {
		return fmt.Errorf("anchor: k = %d, need 1 <= k <= %d: %w", k, len(boxes), ErrInvalidArgument)
	}
	for i, b := range boxes {
		if !finite(b[:]...) {
			return fmt.Errorf("anchor: box %d %v is not finite: %w", i, b, ErrInvalidArgument)
		}
	}
	return nil
}
