package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor_VisitsEveryIndexOnce(t *testing.T) {
	cfg := Config{Workers: 8, MinWork: 1}

	n := 1000
	hits := make([]int32, n)
	cfg.For(n, 1, func(i int) {
		atomic.AddInt32(&hits[i], 1)
	})

	for i, h := range hits {
		assert.Equal(t, int32(1), h, "index %d", i)
	}
}

func TestRange_CoversWithoutOverlap(t *testing.T) {
	cfg := Config{Workers: 3, MinWork: 1}

	var total int64
	cfg.Range(10, 1, func(start, end int) {
		assert.Less(t, start, end)
		atomic.AddInt64(&total, int64(end-start))
	})
	assert.Equal(t, int64(10), total)
}

func TestForPlanes(t *testing.T) {
	cfg := DefaultConfig()

	batch, channels := 4, 8
	results := make([][]bool, batch)
	for b := range results {
		results[b] = make([]bool, channels)
	}

	cfg.ForPlanes(batch, channels, 1<<20, func(b, c int) {
		results[b][c] = true
	})

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			assert.True(t, results[b][c], "missing plane [%d][%d]", b, c)
		}
	}
}

func TestSequential_RunsInline(t *testing.T) {
	cfg := Sequential()

	calls := 0
	cfg.Range(100, 1<<20, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 100, end)
	})
	assert.Equal(t, 1, calls)
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		n    int
		cost int
		want int
	}{
		{"single worker", Config{Workers: 1, MinWork: 1}, 100, 100, 1},
		{"too little work", Config{Workers: 8, MinWork: 1000}, 10, 10, 1},
		{"bounded by workers", Config{Workers: 4, MinWork: 1}, 100, 100, 4},
		{"bounded by items", Config{Workers: 16, MinWork: 1}, 3, 1000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.chunks(tt.n, tt.cost))
		})
	}
}
