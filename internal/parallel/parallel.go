// Package parallel splits independent kernel work across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how work is split.
type Config struct {
	Workers int // Upper bound on goroutines; <= 1 runs inline.
	// MinWork is the smallest amount of work (items x cost) worth a goroutine.
	MinWork int
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
		MinWork: 1 << 14,
	}
}

// Sequential returns a configuration that never spawns goroutines.
func Sequential() Config {
	return Config{Workers: 1}
}

// chunks returns how many contiguous ranges n items of the given per-item
// cost should be split into.
func (c Config) chunks(n, cost int) int {
	if c.Workers <= 1 || n <= 1 {
		return 1
	}
	if cost < 1 {
		cost = 1
	}
	byWork := n * cost / max(c.MinWork, 1)
	return max(1, min(c.Workers, n, byWork))
}

// Range calls f on disjoint [start, end) ranges covering [0, n).
// cost is the approximate work per item and decides whether splitting pays off.
func (c Config) Range(n, cost int, f func(start, end int)) {
	if n <= 0 {
		return
	}
	parts := c.chunks(n, cost)
	if parts == 1 {
		f(0, n)
		return
	}

	size := (n + parts - 1) / parts
	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// For calls f(i) for every i in [0, n).
func (c Config) For(n, cost int, f func(i int)) {
	c.Range(n, cost, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	})
}

// ForPlanes iterates the (batch, channel) planes of an NCHW tensor.
// Common in convolution and pooling kernels.
func (c Config) ForPlanes(batch, channels, planeCost int, f func(n, ch int)) {
	c.For(batch*channels, planeCost, func(k int) {
		f(k/channels, k%channels)
	})
}
