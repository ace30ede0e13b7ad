package tasks

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"starstack/internal/homography"
	"starstack/internal/imaging"
	"starstack/internal/integration"
	"starstack/internal/resample"
	"starstack/internal/stardetect"
	"starstack/internal/starmatch"
)

// Three stars, five frames offset by (2i, i): match, fit, warp with nearest and median
// integrate. The overlap must reproduce the reference bit for bit.
func TestMatchFitWarpMedianReproducesReference(t *testing.T) {
	const rows, cols = 60, 100
	refStars := stardetect.StarVector{
		{X: 15, Y: 20, Luminance: 3},
		{X: 85, Y: 25, Luminance: 2},
		{X: 30, Y: 45, Luminance: 1},
	}
	rng := rand.New(rand.NewPCG(5, 5))
	ref := imaging.New(rows, cols, 1)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			ref.Set(x, y, 0, rng.Float32())
		}
	}

	ctx := context.Background()
	m := starmatch.NewMatcher(refStars, starmatch.Config{})
	aligned := []imaging.Frame{ref}
	for i := 1; i < 5; i++ {
		dx, dy := float64(2*i), float64(i)
		tgt := make(stardetect.StarVector, len(refStars))
		for k, s := range refStars {
			s.X += dx
			s.Y += dy
			tgt[k] = s
		}
		pairs, err := m.Match(ctx, tgt)
		if err != nil {
			t.Fatalf("frame %d match: %v", i, err)
		}
		if len(pairs) != 3 {
			t.Fatalf("frame %d: expected 3 pairs, got %d", i, len(pairs))
		}
		h := homography.FromAffinePairs(pairs)
		want := homography.Translation(dx, dy)
		for k := range h {
			if math.Abs(h[k]-want[k]) > 1e-6 {
				t.Fatalf("frame %d: H[%d] = %v, want %v", i, k, h[k], want[k])
			}
		}

		frame := imaging.New(rows, cols, 1)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				if sx, sy := x-2*i, y-i; sx >= 0 && sy >= 0 {
					frame.Set(x, y, 0, ref.At(sx, sy, 0))
				}
			}
		}
		warped, err := resample.Warp(ctx, frame, h, rows, cols, resample.Nearest{}, 2)
		if err != nil {
			t.Fatalf("frame %d warp: %v", i, err)
		}
		aligned = append(aligned, warped)
	}

	res, err := integration.New(integration.Options{
		Normalization: integration.NormNone,
		Rejection:     integration.RejectNone,
		Reduction:     integration.ReduceMedian,
	}, nil, nil).Integrate(ctx, aligned)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	for y := 0; y < rows-5; y++ {
		for x := 0; x < cols-9; x++ {
			if got, want := res.Image.At(x, y, 0), ref.At(x, y, 0); got != want {
				t.Fatalf("(%d,%d): got %v, want %v", x, y, got, want)
			}
		}
	}
}
