// Package stardetect finds stars in a single-channel frame: à-trous wavelet structure maps
// seed candidates, ray growth sizes them and an iterative PSF fit refines each one.
package stardetect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"starstack/internal/imaging"
	"starstack/internal/parallel"
)

// Config tunes detection. Zero values are replaced by DefaultConfig's.
type Config struct {
	K             float64 `json:"k"`
	Layers        int     `json:"layers"`
	PeakEdgeRatio float64 `json:"peak_edge_ratio"`
	MinRoundness  float64 `json:"min_roundness"`
	MaxRadius     int     `json:"max_radius"`
	Model         string  `json:"model"`
	Beta          float64 `json:"beta"`
	MaxStars      int     `json:"max_stars"`
	Workers       int     `json:"workers"`
}

func DefaultConfig() Config {
	return Config{
		K:             3,
		Layers:        4,
		PeakEdgeRatio: 1.65,
		MinRoundness:  0.3,
		MaxRadius:     16,
		Model:         "gaussian",
		Beta:          3,
		MaxStars:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.K <= 0 {
		c.K = d.K
	}
	if c.Layers <= 0 {
		c.Layers = d.Layers
	}
	if c.PeakEdgeRatio <= 0 {
		c.PeakEdgeRatio = d.PeakEdgeRatio
	}
	if c.MinRoundness <= 0 {
		c.MinRoundness = d.MinRoundness
	}
	if c.MaxRadius <= 0 {
		c.MaxRadius = d.MaxRadius
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Beta <= 0 {
		c.Beta = d.Beta
	}
	if c.MaxStars <= 0 {
		c.MaxStars = d.MaxStars
	}
	return c
}

// Star is one detected star. RadiusX/RadiusY are the fitted PSF widths along the major
// and minor axes.
type Star struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	RadiusX   float64 `json:"radius_x"`
	RadiusY   float64 `json:"radius_y"`
	Luminance float64 `json:"luminance"`
	Roundness float64 `json:"roundness"`
	FWHM      float64 `json:"fwhm"`
}

// StarVector is kept sorted by descending luminance and capped at the configured maximum.
type StarVector []Star

// Result is one detection pass.
type Result struct {
	Stars      StarVector
	MeanPSF    PSF
	Candidates int
	// Rejected counts candidates dropped by the PSF fit, keyed by failure.
	Rejected map[string]int
}

type Detector struct {
	cfg    Config
	model  Model
	logger *slog.Logger
}

// New validates cfg and selects the PSF model.
func New(cfg Config, logger *slog.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()
	model, err := ModelFor(cfg.Model, cfg.Beta)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, model: model, logger: logger}, nil
}

func (d *Detector) Config() Config { return d.cfg }

// Detect runs the full detection on img. Multi-channel images are reduced to luminance
// first. A frame without structure above threshold yields an empty vector, not an error.
func (d *Detector) Detect(ctx context.Context, img *imaging.Image) (Result, error) {
	if img == nil || img.Rows() == 0 || img.Cols() == 0 {
		return Result{}, fmt.Errorf("detect: empty image")
	}
	lum := img
	if img.Channels() > 1 {
		lum = img.Luminance()
	}

	layers, err := waveletLayers(ctx, lum, d.cfg.Layers, d.cfg.Workers)
	if err != nil {
		return Result{}, fmt.Errorf("wavelet layers: %w", err)
	}

	perLayer := make([][]*candidate, len(layers))
	for j, layer := range layers {
		thr := layerThreshold(layer, d.cfg.K)
		sm := buildStructure(layer, lum.Rows(), lum.Cols(), thr)
		rmin := min(1<<j, d.cfg.MaxRadius)
		cands, err := layerCandidates(ctx, sm, rmin, d.cfg.MaxRadius, d.cfg.Workers)
		if err != nil {
			return Result{}, fmt.Errorf("layer %d candidates: %w", j, err)
		}
		d.logger.Debug("wavelet layer scanned", "layer", j, "threshold", thr, "candidates", len(cands))
		perLayer[j] = cands
	}
	cands := mergeLayers(perLayer)

	ref := &refiner{
		img:           lum,
		model:         d.model,
		maxRadius:     d.cfg.MaxRadius,
		peakEdgeRatio: d.cfg.PeakEdgeRatio,
		minRoundness:  d.cfg.MinRoundness,
	}
	fits := make([]PSF, len(cands))
	errs := make([]error, len(cands))
	err = parallel.Range(ctx, len(cands), d.cfg.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			x, y := cands[i].pos()
			fits[i], errs[i] = ref.refine(x, y, cands[i].r)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Candidates: len(cands), Rejected: map[string]int{}}
	var kept []PSF
	for i, e := range errs {
		if e != nil {
			res.Rejected[e.Error()]++
			continue
		}
		kept = append(kept, fits[i])
	}
	kept = dedupe(kept)
	if len(kept) > d.cfg.MaxStars {
		kept = kept[:d.cfg.MaxStars]
	}

	res.Stars = make(StarVector, len(kept))
	for i, p := range kept {
		res.Stars[i] = Star{
			X:         p.X,
			Y:         p.Y,
			RadiusX:   p.SX,
			RadiusY:   p.SY,
			Luminance: p.A,
			Roundness: p.Roundness,
			FWHM:      p.FWHM,
		}
	}
	res.MeanPSF = meanPSF(kept, d.model.Name())
	return res, nil
}

// dedupe sorts fits by descending amplitude and drops any fit whose center lies within
// the FWHM of a brighter one. Refinement can walk two seeds onto the same star.
func dedupe(fits []PSF) []PSF {
	slices.SortStableFunc(fits, func(a, b PSF) int {
		switch {
		case a.A > b.A:
			return -1
		case a.A < b.A:
			return 1
		}
		return 0
	})
	out := fits[:0]
	for _, f := range fits {
		dup := false
		for _, k := range out {
			if math.Hypot(f.X-k.X, f.Y-k.Y) < math.Max(f.FWHM, k.FWHM) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out
}

func meanPSF(fits []PSF, model string) PSF {
	m := PSF{Model: model}
	if len(fits) == 0 {
		return m
	}
	for _, f := range fits {
		m.A += f.A
		m.B += f.B
		m.SX += f.SX
		m.SY += f.SY
		m.Beta += f.Beta
		m.FWHM += f.FWHM
		m.Roundness += f.Roundness
		m.RMSE += f.RMSE
	}
	n := float64(len(fits))
	m.A /= n
	m.B /= n
	m.SX /= n
	m.SY /= n
	m.Beta /= n
	m.FWHM /= n
	m.Roundness /= n
	m.RMSE /= n
	return m
}

// Cache memoizes detection results per key, typically the frame path, so the reference
// frame is detected once per run.
type Cache struct {
	mu sync.Mutex
	m  map[string]Result
}

func NewCache() *Cache { return &Cache{m: make(map[string]Result)} }

// Get returns the cached result for key or runs detect and stores it.
func (c *Cache) Get(key string, detect func() (Result, error)) (Result, error) {
	c.mu.Lock()
	if r, ok := c.m[key]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()
	r, err := detect()
	if err != nil {
		return Result{}, err
	}
	c.mu.Lock()
	c.m[key] = r
	c.mu.Unlock()
	return r, nil
}

// IsFitFailure reports whether err is one of the per-star fit failures.
func IsFitFailure(err error) bool {
	return errors.Is(err, ErrFitDiverged) || errors.Is(err, ErrFitDegenerate) ||
		errors.Is(err, ErrFitOutOfBounds) || errors.Is(err, ErrFitFaint) ||
		errors.Is(err, ErrFitElongated)
}
