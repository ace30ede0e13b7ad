// Package integration combines aligned frames pixel by pixel: each frame is normalized
// against the first, outliers are rejected and the survivors reduced to one value.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"starstack/internal/diag"
	"starstack/internal/imaging"
	"starstack/internal/parallel"
	"starstack/internal/stats"
)

// ErrInput reports unusable input: too few frames or mismatched geometry.
var ErrInput = errors.New("invalid integration input")

// statSamples bounds how many pixels per frame and channel feed the location estimates.
const statSamples = 1 << 20

type Engine struct {
	opts     Options
	reporter diag.Reporter
	log      *slog.Logger
}

func New(opts Options, reporter diag.Reporter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts.withDefaults(), reporter: diag.OrNop(reporter), log: logger}
}

func (e *Engine) Options() Options { return e.opts }

// Result of an integration run.
type Result struct {
	Image *imaging.Image
	// WeightMaps has one entry per input frame when enabled, nil otherwise.
	WeightMaps []*WeightMap
	// Locations holds the per-frame, per-channel estimates used for normalization.
	Locations [][]stats.Location
}

// Integrate streams every frame row by row and writes the combined image.
func (e *Engine) Integrate(ctx context.Context, frames []imaging.Frame) (*Result, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 frames, got %d", ErrInput, len(frames))
	}
	for i, f := range frames[1:] {
		if !imaging.SameGeometry(frames[0], f) {
			return nil, fmt.Errorf("%w: frame %d is %dx%dx%d, reference is %dx%dx%d", ErrInput, i+1,
				f.Rows(), f.Cols(), f.Channels(), frames[0].Rows(), frames[0].Cols(), frames[0].Channels())
		}
	}
	rows, cols, chans := frames[0].Rows(), frames[0].Cols(), frames[0].Channels()

	locs, err := e.locations(ctx, frames)
	if err != nil {
		return nil, err
	}

	out := imaging.New(rows, cols, chans)
	var maps []*WeightMap
	if e.opts.WeightMaps {
		maps = make([]*WeightMap, len(frames))
		for i := range maps {
			maps[i] = NewWeightMap(rows, cols, chans)
		}
	}

	n := len(frames)
	buf := make([][]float32, n)
	for i := range buf {
		buf[i] = make([]float32, cols)
	}
	total := rows * chans
	for ch := 0; ch < chans; ch++ {
		for y := 0; y < rows; y++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for i, f := range frames {
				if err := f.ReadRow(y, ch, buf[i]); err != nil {
					return nil, fmt.Errorf("read frame %d row %d: %w", i, y, err)
				}
			}
			dst := out.Row(y, ch)
			err := parallel.Range(ctx, cols, e.opts.Workers, func(lo, hi int) error {
				st := newStack(n)
				for x := lo; x < hi; x++ {
					st.reset()
					for i := range frames {
						st.push(e.normalize(float64(buf[i][x]), locs[i][ch], locs[0][ch]), i)
					}
					e.reject(st)
					dst[x] = float32(st.reduce(e.opts.Reduction))
					if maps != nil {
						for k, fi := range st.frame {
							maps[fi].Set(x, y, ch, st.weight(k))
						}
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.reporter.Progress("integrate", ch*rows+y+1, total)
		}
	}
	e.log.Debug("integration finished", "frames", n, "rows", rows, "cols", cols, "channels", chans,
		"normalization", e.opts.Normalization, "rejection", e.opts.Rejection, "reduction", e.opts.Reduction)
	return &Result{Image: out, WeightMaps: maps, Locations: locs}, nil
}

func (e *Engine) reject(st *stack) {
	switch e.opts.Rejection {
	case RejectSigmaClip:
		st.sigmaClip(e.opts.SigmaLow, e.opts.SigmaHigh, e.opts.MaxIterations)
	case RejectWinsorizedSigmaClip:
		st.winsorize(e.opts.SigmaLow, e.opts.SigmaHigh, e.opts.MaxIterations)
	case RejectPercentileClip:
		st.percentileClip(e.opts.PercentileLow, e.opts.PercentileHigh)
	}
}

// normalize maps a sample of a frame with location loc onto the reference location ref.
func (e *Engine) normalize(v float64, loc, ref stats.Location) float64 {
	scale := 1.0
	if loc.Scale != 0 {
		scale = ref.Scale / loc.Scale
	}
	ratio := 1.0
	if loc.Median != 0 {
		ratio = ref.Median / loc.Median
	}
	switch e.opts.Normalization {
	case NormAdditive:
		return v - loc.Median + ref.Median
	case NormMultiplicative:
		return v * ratio
	case NormAdditiveScaling:
		return (v-loc.Median)*scale + ref.Median
	case NormMultiplicativeScaling:
		// gain by median ratio, then the spread that gain leaves is matched around the
		// reference median
		k := 1.0
		if s := loc.Scale * ratio; s != 0 {
			k = ref.Scale / s
		}
		return (v*ratio-ref.Median)*k + ref.Median
	}
	return v
}

// locations estimates median and biweight scale per frame and channel, on a regular
// grid subsample for large frames.
func (e *Engine) locations(ctx context.Context, frames []imaging.Frame) ([][]stats.Location, error) {
	rows, cols, chans := frames[0].Rows(), frames[0].Cols(), frames[0].Channels()
	stride := 1
	if rows*cols > statSamples {
		stride = int(math.Ceil(math.Sqrt(float64(rows*cols) / statSamples)))
	}
	locs := make([][]stats.Location, len(frames))
	err := parallel.Range(ctx, len(frames), e.opts.Workers, func(lo, hi int) error {
		row := make([]float32, cols)
		sample := make([]float64, 0, min(rows*cols, statSamples+rows+cols))
		for i := lo; i < hi; i++ {
			locs[i] = make([]stats.Location, chans)
			for ch := 0; ch < chans; ch++ {
				sample = sample[:0]
				for y := 0; y < rows; y += stride {
					if err := frames[i].ReadRow(y, ch, row); err != nil {
						return fmt.Errorf("frame %d: %w", i, err)
					}
					for x := 0; x < cols; x += stride {
						sample = append(sample, float64(row[x]))
					}
				}
				locs[i][ch] = stats.Estimate(sample)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locs, nil
}
