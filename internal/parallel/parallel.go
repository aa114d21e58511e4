// Package parallel fans the sequences of a batch call out to goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how a batch is split.
type Config struct {
	Workers  int // goroutines per batch; fewer than 2 runs inline
	MinBatch int // batches shorter than this run inline
}

// DefaultConfig uses one worker per CPU. Batches of fewer than 8 sequences run inline.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), MinBatch: 8}
}

// Sequential returns a configuration that never spawns goroutines.
func Sequential() Config {
	return Config{}
}

func (c Config) inline(n int) bool {
	return c.Workers < 2 || n < 2 || n < c.MinBatch
}

// For runs f(i) for every i in [0, n). f must only write to state owned by index i.
func For(n int, f func(i int), cfg Config) {
	if cfg.inline(n) {
		for i := range n {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := max((n+cfg.Workers-1)/cfg.Workers, 1)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Map collects f(i) for every i in [0, n), in index order.
func Map[T any](n int, f func(i int) T, cfg Config) []T {
	out := make([]T, n)
	For(n, func(i int) {
		out[i] = f(i)
	}, cfg)
	return out
}

// ForErr runs f(i) for every i in [0, n) and returns the error of the lowest failing index.
// Every index runs even when an earlier one fails.
func ForErr(n int, f func(i int) error, cfg Config) error {
	errs := Map(n, f, cfg)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
