package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRangeCoversEveryIndexOnce(t *testing.T) {
	const n = 1037
	var hits [n]int32
	err := Range(context.Background(), n, 3, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			atomic.AddInt32(&hits[i], 1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
}

func TestChunksReportsCountAndError(t *testing.T) {
	boom := errors.New("boom")
	seen := make([]bool, 64)
	count, err := Chunks(context.Background(), 10, 2, func(c, lo, hi int) error {
		seen[c] = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for c := 0; c < count; c++ {
		if !seen[c] {
			t.Fatalf("chunk %d never ran", c)
		}
	}

	_, err = Chunks(context.Background(), 10, 2, func(c, lo, hi int) error {
		if c == 0 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRangeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Range(ctx, 100, 2, func(lo, hi int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
