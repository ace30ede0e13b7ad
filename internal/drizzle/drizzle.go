// Package drizzle co-adds frames onto an upscaled grid, spreading each source pixel as a
// shrunken square "drop" over the output cells it overlaps.
package drizzle

import (
	"context"
	"errors"
	"fmt"
	"math"

	"starstack/internal/homography"
	"starstack/internal/imaging"
	"starstack/internal/integration"
	"starstack/internal/parallel"
)

// ErrHomography is returned for a frame whose transform is the failure sentinel or singular.
var ErrHomography = errors.New("drizzle: unusable homography")

// batchRows bounds how many source rows have their contributions buffered at once.
const batchRows = 64

// Engine accumulates frames into one output image Scale times the reference size.
type Engine struct {
	Drop    float64
	Scale   int
	Workers int

	rows, cols, chans int
	out               []float64
	weight            []float64
	frames            int
}

// New allocates the output grid for reference frames of rows x cols x chans.
func New(rows, cols, chans int, drop float64, scale int) (*Engine, error) {
	if drop <= 0 || drop > 1 {
		return nil, fmt.Errorf("drizzle: drop must be in (0, 1], got %v", drop)
	}
	if scale < 1 {
		return nil, fmt.Errorf("drizzle: scale must be >= 1, got %d", scale)
	}
	n := rows * scale * cols * scale * chans
	return &Engine{
		Drop:   drop,
		Scale:  scale,
		rows:   rows,
		cols:   cols,
		chans:  chans,
		out:    make([]float64, n),
		weight: make([]float64, n),
	}, nil
}

// Frames returns how many frames have been added.
func (e *Engine) Frames() int { return e.frames }

type contribution struct {
	cell  int
	value float64
	w     float64
}

// Add drizzles img, whose homography h maps reference to img coordinates. weights, when
// non-nil, scales every source pixel by its weight-map value / 255.
func (e *Engine) Add(ctx context.Context, img *imaging.Image, h homography.H, weights *integration.WeightMap) error {
	if img.Channels() != e.chans {
		return fmt.Errorf("drizzle: frame has %d channels, grid has %d", img.Channels(), e.chans)
	}
	if weights != nil && (weights.Rows != img.Rows() || weights.Cols != img.Cols() || weights.Channels != img.Channels()) {
		return fmt.Errorf("drizzle: weight map geometry differs from frame")
	}
	inv := h.Inverse()
	if !inv.IsValid() {
		return ErrHomography
	}

	srcRows := img.Rows()
	batch := make([][]contribution, batchRows)
	for start := 0; start < srcRows; start += batchRows {
		end := min(start+batchRows, srcRows)
		err := parallel.Range(ctx, end-start, e.Workers, func(lo, hi int) error {
			for r := lo; r < hi; r++ {
				batch[r] = e.rowContributions(img, inv, weights, start+r, batch[r][:0])
			}
			return nil
		})
		if err != nil {
			return err
		}
		for r := 0; r < end-start; r++ {
			for _, c := range batch[r] {
				e.blend(c)
			}
		}
	}
	e.frames++
	return nil
}

// blend folds one contribution into its cell. A cell without weight takes the value as is.
func (e *Engine) blend(c contribution) {
	ow := e.weight[c.cell]
	if ow == 0 {
		e.out[c.cell] = c.value
		e.weight[c.cell] = c.w
		return
	}
	e.out[c.cell] = (c.value*c.w + e.out[c.cell]*ow) / (c.w + ow)
	e.weight[c.cell] = c.w + ow
}

func (e *Engine) rowContributions(img *imaging.Image, inv homography.H, weights *integration.WeightMap, y int, dst []contribution) []contribution {
	s := float64(e.Scale)
	outW, outH := e.cols*e.Scale, e.rows*e.Scale
	// Upscaled grids skip centers within Scale of the border. At scale 1 nothing is
	// skipped so the identity drizzle reproduces its input.
	margin := s
	if e.Scale == 1 {
		margin = 0
	}
	half := e.Drop * s / 2
	drop2 := e.Drop * e.Drop
	plane := outW * outH

	for x := 0; x < img.Cols(); x++ {
		rx, ry := inv.Apply(float64(x), float64(y))
		if math.IsNaN(rx) || math.IsNaN(ry) {
			continue
		}
		// Output coordinates with cell i spanning [i, i+1).
		cx, cy := (rx+0.5)*s, (ry+0.5)*s
		if cx < margin || cy < margin || cx > float64(outW)-margin || cy > float64(outH)-margin {
			continue
		}
		x0, x1 := cx-half, cx+half
		y0, y1 := cy-half, cy+half
		i0, i1 := max(int(math.Floor(x0)), 0), min(int(math.Ceil(x1))-1, outW-1)
		j0, j1 := max(int(math.Floor(y0)), 0), min(int(math.Ceil(y1))-1, outH-1)
		for j := j0; j <= j1; j++ {
			oy := overlap(y0, y1, float64(j), float64(j+1))
			if oy <= 0 {
				continue
			}
			for i := i0; i <= i1; i++ {
				ox := overlap(x0, x1, float64(i), float64(i+1))
				if ox <= 0 {
					continue
				}
				area := ox * oy
				for ch := 0; ch < e.chans; ch++ {
					pixW := 1.0
					if weights != nil {
						pixW = float64(weights.At(x, y, ch)) / 255
					}
					w := area * pixW
					if w <= 0 {
						continue
					}
					dst = append(dst, contribution{
						cell:  ch*plane + j*outW + i,
						value: float64(img.At(x, y, ch)) * drop2,
						w:     w,
					})
				}
			}
		}
	}
	return dst
}

// overlap is the length of the intersection of [a0, a1] and [b0, b1].
func overlap(a0, a1, b0, b1 float64) float64 {
	return math.Max(0, math.Min(a1, b1)-math.Max(a0, b0))
}

// Result returns the drizzled image and the accumulated weight per cell.
func (e *Engine) Result() (*imaging.Image, *imaging.Image) {
	rows, cols := e.rows*e.Scale, e.cols*e.Scale
	img := imaging.New(rows, cols, e.chans)
	wimg := imaging.New(rows, cols, e.chans)
	for i := range e.out {
		img.Data[i] = float32(e.out[i])
		wimg.Data[i] = float32(e.weight[i])
	}
	return img, wimg
}
