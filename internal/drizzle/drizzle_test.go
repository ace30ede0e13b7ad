package drizzle

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"starstack/internal/homography"
	"starstack/internal/imaging"
	"starstack/internal/integration"
)

func ramp(rows, cols, chans int) *imaging.Image {
	img := imaging.New(rows, cols, chans)
	for i := range img.Data {
		img.Data[i] = float32(i%97) + 0.25
	}
	return img
}

func TestIdentityReproducesInput(t *testing.T) {
	img := ramp(12, 9, 2)
	e, err := New(12, 9, 2, 1.0, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Add(context.Background(), img, homography.Identity(), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, w := e.Result()
	if diff := cmp.Diff(img.Data, out.Data); diff != "" {
		t.Fatalf("identity drizzle changed pixels (-want +got):\n%s", diff)
	}
	for i, v := range w.Data {
		if v != 1 {
			t.Fatalf("cell %d weight %v, want 1", i, v)
		}
	}

	// A second identical frame keeps the same values and doubles the weight.
	if err := e.Add(context.Background(), img, homography.Identity(), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, w = e.Result()
	if diff := cmp.Diff(img.Data, out.Data); diff != "" {
		t.Fatalf("second frame changed pixels:\n%s", diff)
	}
	if w.Data[0] != 2 || e.Frames() != 2 {
		t.Fatalf("expected weight 2 after two frames, got %v (%d frames)", w.Data[0], e.Frames())
	}
}

func TestUpscaleSpreadsDropAndSkipsBorder(t *testing.T) {
	img := imaging.New(6, 6, 1)
	for i := range img.Data {
		img.Data[i] = 8
	}
	e, err := New(6, 6, 1, 1.0, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Add(context.Background(), img, homography.Identity(), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, w := e.Result()
	if out.Rows() != 12 || out.Cols() != 12 {
		t.Fatalf("unexpected output size %dx%d", out.Rows(), out.Cols())
	}
	// Each source pixel exactly covers a 2x2 block of output cells.
	if got := out.At(5, 5, 0); got != 8 {
		t.Fatalf("interior cell: got %v, want 8", got)
	}
	if got := w.At(5, 5, 0); got != 1 {
		t.Fatalf("interior weight: got %v, want 1", got)
	}
	// Source pixels 0 and 5 map to centers 1 and 11, within 2 of the border: the two
	// outer cell rings get nothing, everything inside is covered once.
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			border := x < 2 || y < 2 || x >= 10 || y >= 10
			want := float32(1)
			if border {
				want = 0
			}
			if got := w.At(x, y, 0); got != want {
				t.Fatalf("weight at (%d,%d): got %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestOverlapIsExact(t *testing.T) {
	cases := []struct {
		a0, a1, b0, b1, want float64
	}{
		{0, 1, 0, 1, 1},
		{0.25, 1.25, 1, 2, 0.25},
		{-0.5, 0.5, 0, 1, 0.5},
		{2, 3, 0, 1, 0},
		{0.2, 0.7, 0, 1, 0.5},
	}
	for _, tc := range cases {
		if got := overlap(tc.a0, tc.a1, tc.b0, tc.b1); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("overlap(%v,%v,%v,%v) = %v, want %v", tc.a0, tc.a1, tc.b0, tc.b1, got, tc.want)
		}
	}
}

func TestSubPixelShiftSplitsDrops(t *testing.T) {
	img := imaging.New(10, 10, 1)
	for i := range img.Data {
		img.Data[i] = 4
	}
	e, _ := New(10, 10, 1, 0.5, 1)
	if err := e.Add(context.Background(), img, homography.Translation(0.3, -0.2), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, w := e.Result()
	// Cell (5,5) collects 0.45 and 0.05 of two horizontally adjacent drops, each 0.5 tall.
	if got := w.At(5, 5, 0); math.Abs(float64(got)-0.25) > 1e-6 {
		t.Fatalf("cell weight %v, want 0.25", got)
	}
	for i, v := range out.Data {
		if v != 0 && v != 1 {
			t.Fatalf("cell %d: expected in*drop^2 = 1, got %v", i, v)
		}
	}
}

func TestWeightMapZeroExcludesPixels(t *testing.T) {
	img := ramp(4, 4, 1)
	wm := integration.NewWeightMap(4, 4, 1)
	for i := range wm.Data {
		wm.Data[i] = 255
	}
	wm.Set(1, 2, 0, 0)
	e, _ := New(4, 4, 1, 1, 1)
	if err := e.Add(context.Background(), img, homography.Identity(), wm); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, w := e.Result()
	if w.At(1, 2, 0) != 0 || out.At(1, 2, 0) != 0 {
		t.Fatalf("rejected pixel contributed: value %v weight %v", out.At(1, 2, 0), w.At(1, 2, 0))
	}
	if out.At(2, 2, 0) != img.At(2, 2, 0) {
		t.Fatalf("kept pixel changed")
	}
}

func TestAddRejectsSentinel(t *testing.T) {
	e, _ := New(4, 4, 1, 1, 2)
	if err := e.Add(context.Background(), ramp(4, 4, 1), homography.Sentinel(), nil); !errors.Is(err, ErrHomography) {
		t.Fatalf("expected ErrHomography, got %v", err)
	}
	if _, err := New(4, 4, 1, 1.5, 2); err == nil {
		t.Fatalf("expected drop validation error")
	}
}
