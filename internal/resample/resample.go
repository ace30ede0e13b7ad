// Package resample warps a target frame into reference geometry through a homography.
package resample

import (
	"context"
	"fmt"
	"math"
	"strings"

	"starstack/internal/homography"
	"starstack/internal/imaging"
	"starstack/internal/parallel"
)

// Interpolator samples a channel of img at a fractional position. ok is false when the
// position lies outside the image.
type Interpolator interface {
	Name() string
	Sample(img *imaging.Image, x, y float64, ch int) (v float32, ok bool)
}

// ForName resolves a configured interpolator.
func ForName(name string) (Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return Nearest{}, nil
	case "", "bilinear":
		return Bilinear{}, nil
	case "bicubic":
		return Bicubic{}, nil
	}
	return nil, fmt.Errorf("unknown interpolator %q", name)
}

func outside(img *imaging.Image, x, y float64) bool {
	return x < 0 || y < 0 || x > float64(img.Cols()-1) || y > float64(img.Rows()-1) || math.IsNaN(x) || math.IsNaN(y)
}

type Nearest struct{}

func (Nearest) Name() string { return "nearest" }

func (Nearest) Sample(img *imaging.Image, x, y float64, ch int) (float32, bool) {
	if outside(img, x, y) {
		return 0, false
	}
	return img.At(int(math.Round(x)), int(math.Round(y)), ch), true
}

type Bilinear struct{}

func (Bilinear) Name() string { return "bilinear" }

func (Bilinear) Sample(img *imaging.Image, x, y float64, ch int) (float32, bool) {
	if outside(img, x, y) {
		return 0, false
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)
	x1, y1 := min(x0+1, img.Cols()-1), min(y0+1, img.Rows()-1)
	v00 := float64(img.At(x0, y0, ch))
	if fx == 0 && fy == 0 {
		return float32(v00), true
	}
	v10 := float64(img.At(x1, y0, ch))
	v01 := float64(img.At(x0, y1, ch))
	v11 := float64(img.At(x1, y1, ch))
	top := v00*(1-fx) + v10*fx
	bot := v01*(1-fx) + v11*fx
	return float32(top*(1-fy) + bot*fy), true
}

// Bicubic is the Catmull-Rom kernel with clamped borders.
type Bicubic struct{}

func (Bicubic) Name() string { return "bicubic" }

func cubicWeight(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t < 1:
		return 1.5*t*t*t - 2.5*t*t + 1
	case t < 2:
		return -0.5*t*t*t + 2.5*t*t - 4*t + 2
	}
	return 0
}

func (Bicubic) Sample(img *imaging.Image, x, y float64, ch int) (float32, bool) {
	if outside(img, x, y) {
		return 0, false
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)
	if fx == 0 && fy == 0 {
		return img.At(x0, y0, ch), true
	}
	var acc, wsum float64
	for j := -1; j <= 2; j++ {
		wy := cubicWeight(float64(j) - fy)
		yy := min(max(y0+j, 0), img.Rows()-1)
		for i := -1; i <= 2; i++ {
			w := wy * cubicWeight(float64(i)-fx)
			xx := min(max(x0+i, 0), img.Cols()-1)
			acc += w * float64(img.At(xx, yy, ch))
			wsum += w
		}
	}
	if wsum == 0 {
		return 0, true
	}
	return float32(acc / wsum), true
}

// Warp renders src in reference geometry of rows x cols. h maps reference coordinates to
// src coordinates; reference pixels that land outside src are 0.
func Warp(ctx context.Context, src *imaging.Image, h homography.H, rows, cols int, interp Interpolator, workers int) (*imaging.Image, error) {
	if !h.IsValid() {
		return nil, fmt.Errorf("warp: invalid homography")
	}
	out := imaging.New(rows, cols, src.Channels())
	err := parallel.Range(ctx, rows, workers, func(lo, hi int) error {
		for y := lo; y < hi; y++ {
			for x := 0; x < cols; x++ {
				u, v := h.Apply(float64(x), float64(y))
				for ch := 0; ch < src.Channels(); ch++ {
					if s, ok := interp.Sample(src, u, v, ch); ok {
						out.Set(x, y, ch, s)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
