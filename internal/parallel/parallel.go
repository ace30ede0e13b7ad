// Package parallel splits index ranges across a bounded errgroup.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Workers normalizes a configured worker count: values below 1 mean NumCPU.
func Workers(n int) int {
	if n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Range calls fn on contiguous chunks [lo, hi) covering [0, n), at most workers at a time.
// The first error cancels the remaining chunks; ctx cancellation is honored between chunks.
func Range(ctx context.Context, n, workers int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	workers = Workers(workers)
	chunks := workers * 4
	if chunks > n {
		chunks = n
	}
	size := (n + chunks - 1) / chunks

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, min(lo+size, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// Chunks is like Range but hands fn the chunk ordinal too, so callers can keep
// per-chunk results and merge them in order afterwards.
func Chunks(ctx context.Context, n, workers int, fn func(chunk, lo, hi int) error) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	workers = Workers(workers)
	chunks := workers * 4
	if chunks > n {
		chunks = n
	}
	size := (n + chunks - 1) / chunks
	count := (n + size - 1) / size

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < count; c++ {
		c := c
		lo, hi := c*size, min((c+1)*size, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(c, lo, hi)
		})
	}
	return count, g.Wait()
}
