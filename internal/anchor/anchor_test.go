package anchor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestIoU(t *testing.T) {
	a := [4]float32{0, 0, 2, 2}
	tests := []struct {
		name string
		b    [4]float32
		want float64
	}{
		{"self", a, 1},
		{"partial", [4]float32{1, 1, 3, 3}, 1.0 / 7},
		{"disjoint", [4]float32{3, 3, 4, 4}, 0},
		{"touching", [4]float32{2, 0, 3, 2}, 0},
		{"inside", [4]float32{0, 0, 1, 1}, 0.25},
		{"degenerate", [4]float32{1, 1, 1, 2}, 0},
		{"inverted", [4]float32{2, 2, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(a, tt.b), 1e-9)
			assert.InDelta(t, tt.want, IoU(tt.b, a), 1e-9)
		})
	}
}

func TestIoUMatrix(t *testing.T) {
	a := [][4]float32{{0, 0, 1, 1}, {0, 0, 2, 2}}
	b := [][4]float32{{0, 0, 1, 1}, {5, 5, 6, 6}, {0, 0, 2, 2}}
	m := IoUMatrix(a, b)
	require.Len(t, m, 2)
	require.Len(t, m[0], 3)
	assert.Equal(t, 1.0, m[0][0])
	assert.Equal(t, 0.0, m[1][1])
	assert.InDelta(t, 0.25, m[1][0], 1e-9)
}

func TestConvert(t *testing.T) {
	xywh := [][4]float32{{0.5, 0.5, 0.2, 0.4}}
	ltrb := Convert(xywh, XYWH, LTRB)
	assert.InDeltaSlice(t, []float32{0.4, 0.3, 0.6, 0.7}, ltrb[0][:], 1e-6)

	ltwh := Convert(ltrb, LTRB, LTWH)
	assert.InDeltaSlice(t, []float32{0.4, 0.3, 0.2, 0.4}, ltwh[0][:], 1e-6)

	back := Convert(ltwh, LTWH, XYWH)
	assert.InDeltaSlice(t, xywh[0][:], back[0][:], 1e-6)

	assert.Equal(t, [4]float32{0.5, 0.5, 0.2, 0.4}, xywh[0], "input unchanged")
	assert.Equal(t, "XYWH", XYWH.String())
}

func TestKMeans_KEqualsN(t *testing.T) {
	boxes := [][4]float32{
		{0.1, 0.1, 0.2, 0.3},
		{0.4, 0.4, 0.9, 0.6},
		{0.0, 0.5, 0.3, 1.0},
	}
	res, err := KMeans(boxes, 3, Options{Seed: 3, Logger: quiet()})
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1.0, res.MeanIoU)
	for i, c := range res.Assignments {
		assert.Equal(t, boxes[i], res.Centers[c])
	}
	assert.ElementsMatch(t, []int{0, 1, 2}, res.Assignments)
}

func TestKMeans_Deterministic(t *testing.T) {
	boxes := jittered(rand.New(rand.NewSource(1)), 40, [4]float32{0.2, 0.2, 0.5, 0.6}, 0.1)

	a, err := KMeans(boxes, 4, Options{Seed: 42, Logger: quiet()})
	require.NoError(t, err)
	b, err := KMeans(boxes, 4, Options{Seed: 42, Logger: quiet()})
	require.NoError(t, err)

	assert.Equal(t, a.Centers, b.Centers)
	assert.Equal(t, a.Assignments, b.Assignments)
}

func jittered(rng *rand.Rand, n int, center [4]float32, spread float32) [][4]float32 {
	boxes := make([][4]float32, n)
	for i := range boxes {
		for j := range center {
			boxes[i][j] = center[j] + (rng.Float32()*2-1)*spread
		}
	}
	return boxes
}

func TestKMeans_TwoClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c1 := [4]float32{0.1, 0.1, 0.3, 0.3}
	c2 := [4]float32{0.5, 0.5, 0.8, 0.8}
	boxes := append(jittered(rng, 50, c1, 0.002), jittered(rng, 50, c2, 0.002)...)

	for _, seed := range []int64{0, 1, 2, 3} {
		res, err := FindCentersKMeans(boxes, 2, Options{Seed: seed, Logger: quiet()})
		require.NoError(t, err)

		best := func(c [4]float32) float64 {
			return max(IoU(c, res.Centers[0]), IoU(c, res.Centers[1]))
		}
		assert.Greater(t, best(c1), 0.9, "seed %d", seed)
		assert.Greater(t, best(c2), 0.9, "seed %d", seed)
		assert.Greater(t, res.MeanIoU, 0.9, "seed %d", seed)
	}
}

func TestKMeans_SingleCluster(t *testing.T) {
	boxes := [][4]float32{
		{0.0, 0.0, 0.4, 0.4},
		{0.2, 0.2, 0.6, 0.6},
		{0.1, 0.0, 0.5, 0.8},
	}
	res, err := KMeans(boxes, 1, Options{Logger: quiet()})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float32{0.1, 0.0666667, 0.5, 0.6}, res.Centers[0][:], 1e-6)
	assert.Equal(t, []int{0, 0, 0}, res.Assignments)
	assert.True(t, res.Converged)
	assert.False(t, math.IsNaN(res.MeanIoU))
}

func TestKMeans_MaxIter(t *testing.T) {
	boxes := jittered(rand.New(rand.NewSource(1)), 30, [4]float32{0.3, 0.3, 0.6, 0.6}, 0.2)
	res, err := KMeans(boxes, 5, Options{MaxIter: 1, Tol: 1e-12, Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Len(t, res.Centers, 5)
}

func TestKMeans_InvalidArguments(t *testing.T) {
	boxes := [][4]float32{{0, 0, 1, 1}, {0, 0, 0.5, 0.5}}
	tests := []struct {
		name  string
		boxes [][4]float32
		k     int
	}{
		{"k too large", boxes, 3},
		{"k zero", boxes, 0},
		{"k negative", boxes, -1},
		{"empty", nil, 1},
		{"nan", [][4]float32{{0, 0, float32(math.NaN()), 1}}, 1},
		{"inf", [][4]float32{{0, float32(math.Inf(1)), 1, 1}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))
			_, err := KMeans(tt.boxes, tt.k, Options{Verbose: true, Logger: logger})
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Empty(t, logs.String(), "no iteration may run")
		})
	}
}

func TestKMeans_VerboseLogging(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	boxes := [][4]float32{{0, 0, 0.5, 0.5}, {0.5, 0.5, 1, 1}}

	_, err := FindCentersKMeans(boxes, 2, Options{Verbose: true, Logger: logger})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "kmeans iteration")
	assert.Contains(t, logs.String(), "mean_shift=0.000000")
	assert.Contains(t, logs.String(), "mean_iou=1.0000")
}

func TestKMeans_EmptyCluster(t *testing.T) {
	a := [4]float32{0, 0, 0.2, 0.2}
	b := [4]float32{0.5, 0.5, 0.9, 0.9}
	boxes := [][4]float32{a, a, b}

	// Seed 1 starts both centers on copies of a. Every box ties towards
	// cluster 0, so cluster 1 is empty in the first iteration.
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	res, err := KMeans(boxes, 2, Options{Seed: 1, MaxIter: 1, Verbose: true, Logger: logger})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, res.Assignments)
	assert.Equal(t, a, res.Centers[1], "empty cluster keeps its center")
	assert.Contains(t, logs.String(), `msg="empty cluster keeps its center" iter=0 cluster=1`)

	// Only cluster 0 moves, but the shift is still averaged over k.
	xa, xb := box64(a), box64(b)
	var mean [4]float64
	for j := range mean {
		mean[j] = (xa[j] + xa[j] + xb[j]) / 3
	}
	shift := (1 - iou(mean, xa)) / 2
	assert.Contains(t, logs.String(), fmt.Sprintf("iter=0 mean_shift=%.6f", shift))

	res, err = KMeans(boxes, 2, Options{Seed: 1, Logger: quiet()})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, []int{1, 1, 0}, res.Assignments)
	assert.Equal(t, [][4]float32{b, a}, res.Centers)
}

func TestFromRows(t *testing.T) {
	boxes, err := FromRows([][]float32{{0, 0, 1, 1}})
	require.NoError(t, err)
	assert.Equal(t, [][4]float32{{0, 0, 1, 1}}, boxes)

	_, err = FromRows([][]float32{{0, 0, 1}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SizesFromRows([][]float32{{0.1, 0.2, 0.3}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFindPriorsKMeans(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var sizes [][2]float32
	for _, base := range [][2]float32{{0.6, 0.5}, {0.05, 0.1}, {0.3, 0.2}} {
		for i := 0; i < 20; i++ {
			sizes = append(sizes, [2]float32{
				base[0] * (1 + (rng.Float32()-0.5)*0.05),
				base[1] * (1 + (rng.Float32()-0.5)*0.05),
			})
		}
	}

	priors, err := FindPriorsKMeans(sizes, 3, Options{Seed: 5, Logger: quiet()})
	require.NoError(t, err)
	require.Len(t, priors, 3)
	for i := 1; i < len(priors); i++ {
		assert.LessOrEqual(t, priors[i-1][0]*priors[i-1][1], priors[i][0]*priors[i][1])
	}

	exact, err := FindPriorsKMeans([][2]float32{{0.6, 0.5}, {0.05, 0.1}, {0.3, 0.2}}, 3, Options{Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, [][2]float32{{0.05, 0.1}, {0.3, 0.2}, {0.6, 0.5}}, roundAll(exact))

	_, err = FindPriorsKMeans(sizes[:2], 3, Options{Logger: quiet()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = FindPriorsKMeans([][2]float32{{float32(math.NaN()), 1}}, 1, Options{Logger: quiet()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

type fakeDataset struct {
	images []Image
	err    error
}

func (d fakeDataset) Images() ([]Image, error) {
	return d.images, d.err
}

func TestFindPriorsDataset(t *testing.T) {
	ds := fakeDataset{images: []Image{
		{Width: 100, Height: 200, Boxes: [][4]float32{{10, 10, 50, 100}}},
		{Width: 400, Height: 400, Boxes: [][4]float32{{0, 0, 200, 200}, {100, 100, 40, 40}}},
	}}
	priors, err := FindPriorsDataset(ds, 3, Options{Logger: quiet()})
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]float32{{0.1, 0.1}, {0.5, 0.5}, {0.5, 0.5}}, roundAll(priors))

	_, err = FindPriorsDataset(fakeDataset{images: []Image{{Width: 0, Height: 10}}}, 1, Options{Logger: quiet()})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	boom := errors.New("boom")
	_, err = FindPriorsDataset(fakeDataset{err: boom}, 1, Options{Logger: quiet()})
	assert.ErrorIs(t, err, boom)
}

func roundAll(sizes [][2]float32) [][2]float32 {
	out := make([][2]float32, len(sizes))
	for i, s := range sizes {
		out[i] = [2]float32{
			float32(math.Round(float64(s[0])*1000) / 1000),
			float32(math.Round(float64(s[1])*1000) / 1000),
		}
	}
	return out
}
