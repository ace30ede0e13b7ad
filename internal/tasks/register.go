package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/fsutil"
	"starstack/internal/homography"
	"starstack/internal/imaging"
	"starstack/internal/logging"
	"starstack/internal/stardetect"
	"starstack/internal/starmatch"
	"starstack/internal/storage"
)

// DropReason says why a frame was excluded from a run.
type DropReason string

const (
	DropNone          DropReason = ""
	DropUnreadable    DropReason = "unreadable"
	DropGeometry      DropReason = "geometry mismatch"
	DropNoStars       DropReason = "no stars"
	DropTooFewMatches DropReason = "too few matches"
	DropNoHomography  DropReason = "no homography"
)

// ErrNoFrames is returned when a run has nothing to work on.
var ErrNoFrames = errors.New("no frames")

// FrameLoader decodes frames from disk. *imageio.Registry satisfies it.
type FrameLoader interface {
	Read(path string) (*imaging.Image, error)
}

// FrameResult is the registration outcome of one frame.
type FrameResult struct {
	Path      string       `json:"path"`
	Reference bool         `json:"reference,omitempty"`
	Stars     int          `json:"stars"`
	FWHM      float64      `json:"fwhm"`
	H         homography.H `json:"-"`
	Inliers   int          `json:"inliers"`
	RMS       float64      `json:"rms"`
	Dropped   DropReason   `json:"dropped,omitempty"`
}

// Registered reports whether the frame can be stacked.
func (f FrameResult) Registered() bool { return f.Dropped == DropNone }

// RegisterResult bundles every frame of a run, reference first.
type RegisterResult struct {
	RunID    string        `json:"run_id"`
	Rows     int           `json:"rows"`
	Cols     int           `json:"cols"`
	Channels int           `json:"channels"`
	Frames   []FrameResult `json:"frames"`
}

// Registered returns the frames that survived registration.
func (r RegisterResult) Registered() []FrameResult {
	var out []FrameResult
	for _, f := range r.Frames {
		if f.Registered() {
			out = append(out, f)
		}
	}
	return out
}

// Dropped counts frames excluded from the run.
func (r RegisterResult) Dropped() int { return len(r.Frames) - len(r.Registered()) }

// Registrar detects stars, matches them against a reference frame and estimates one
// homography per frame.
type Registrar struct {
	Detector *stardetect.Detector
	Match    starmatch.Config
	Reg      config.Registration
	Loader   FrameLoader
	Reporter diag.Reporter
	Store    *storage.Store
	Log      *slog.Logger

	// HomographyDir receives the .homography files; empty writes next to each frame.
	HomographyDir string

	cache *stardetect.Cache
}

// NewRegistrar wires a registrar from configuration.
func NewRegistrar(cfg *config.Config, loader FrameLoader, reporter diag.Reporter, store *storage.Store, logger *slog.Logger) (*Registrar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	det, err := stardetect.New(DetectorConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	return &Registrar{
		Detector: det,
		Match: starmatch.Config{
			MaxStars:  cfg.Matching.MaxStars,
			Tolerance: cfg.Matching.Tolerance,
			RXWindow:  cfg.Matching.RXWindow,
			MaxRX:     cfg.Matching.MaxRX,
			Workers:   cfg.Processing.Workers,
		},
		Reg:      cfg.Registration,
		Loader:   loader,
		Reporter: diag.OrNop(reporter),
		Store:    store,
		Log:      logger,
		cache:    stardetect.NewCache(),
	}, nil
}

// DetectorConfig maps the detection section onto the detector's own config.
func DetectorConfig(cfg *config.Config) stardetect.Config {
	d := cfg.Detection
	return stardetect.Config{
		K:             d.K,
		Layers:        d.Layers,
		PeakEdgeRatio: d.PeakEdgeRatio,
		MinRoundness:  d.MinRoundness,
		MaxRadius:     d.MaxRadius,
		Model:         d.Model,
		Beta:          d.Beta,
		MaxStars:      d.MaxStars,
		Workers:       cfg.Processing.Workers,
	}
}

func (r *Registrar) reporter() diag.Reporter { return diag.OrNop(r.Reporter) }

func (r *Registrar) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// detect loads path and returns its stars, memoized per path.
func (r *Registrar) detect(ctx context.Context, path string) (*imaging.Image, stardetect.Result, error) {
	var img *imaging.Image
	if r.cache == nil {
		r.cache = stardetect.NewCache()
	}
	res, err := r.cache.Get(path, func() (stardetect.Result, error) {
		var err error
		img, err = r.Loader.Read(path)
		if err != nil {
			return stardetect.Result{}, err
		}
		return r.Detector.Detect(ctx, img)
	})
	return img, res, err
}

// Session registers frames one at a time against a fixed reference.
type Session struct {
	r       *Registrar
	runID   string
	ref     FrameResult
	rows    int
	cols    int
	chans   int
	matcher *starmatch.Matcher
	next    uint64
}

// Open detects stars on the reference frame. A reference without stars is fatal.
func (r *Registrar) Open(ctx context.Context, runID, refPath string) (*Session, error) {
	img, res, err := r.detect(ctx, refPath)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", refPath, err)
	}
	if img == nil {
		// cached detection; geometry still needs the pixels
		if img, err = r.Loader.Read(refPath); err != nil {
			return nil, fmt.Errorf("reference %s: %w", refPath, err)
		}
	}
	if len(res.Stars) < 3 {
		return nil, fmt.Errorf("reference %s: %d stars, need at least 3", refPath, len(res.Stars))
	}
	ref := FrameResult{
		Path:      refPath,
		Reference: true,
		Stars:     len(res.Stars),
		FWHM:      res.MeanPSF.FWHM,
		H:         homography.Identity(),
	}
	r.reporter().Stars(refPath, ref.Stars, ref.FWHM)
	s := &Session{
		r:       r,
		runID:   runID,
		ref:     ref,
		rows:    img.Rows(),
		cols:    img.Cols(),
		chans:   img.Channels(),
		matcher: starmatch.NewMatcher(res.Stars, r.Match),
	}
	s.record(ref)
	return s, nil
}

// Reference returns the reference frame's result.
func (s *Session) Reference() FrameResult { return s.ref }

// Geometry returns the reference dimensions.
func (s *Session) Geometry() (rows, cols, chans int) { return s.rows, s.cols, s.chans }

// Register aligns one frame. Failures to align are reported in the result, not as errors;
// only context cancellation is returned.
func (s *Session) Register(ctx context.Context, path string) (FrameResult, error) {
	s.next++
	fr := FrameResult{Path: path, H: homography.Sentinel()}
	drop := func(reason DropReason) (FrameResult, error) {
		fr.Dropped = reason
		s.r.reporter().FrameDropped(path, string(reason))
		logging.LogFrameDropped(s.r.logger(), s.runID, path, string(reason))
		s.record(fr)
		return fr, nil
	}

	img, res, err := s.r.detect(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return fr, ctx.Err()
		}
		s.r.logger().Debug("frame unreadable", "frame", path, "error", err)
		return drop(DropUnreadable)
	}
	if img != nil && (img.Rows() != s.rows || img.Cols() != s.cols || img.Channels() != s.chans) {
		return drop(DropGeometry)
	}
	fr.Stars, fr.FWHM = len(res.Stars), res.MeanPSF.FWHM
	s.r.reporter().Stars(path, fr.Stars, fr.FWHM)
	if fr.Stars < 3 {
		return drop(DropNoStars)
	}

	pairs, err := s.matcher.Match(ctx, res.Stars)
	if err != nil {
		return fr, err
	}
	if len(pairs) < 3 {
		return drop(DropTooFewMatches)
	}

	fit := s.estimate(pairs)
	fr.H, fr.Inliers, fr.RMS = fit.H, fit.Inliers, fit.RMS
	if !fit.H.IsValid() {
		return drop(DropNoHomography)
	}
	s.r.reporter().Homography(path, fit.H, fit.Inliers)

	if s.r.Reg.WriteHomography {
		if err := homography.WriteFile(fsutil.SidecarPath(path, s.r.HomographyDir, ".homography"), path, fit.H); err != nil {
			s.r.logger().Warn("failed to write homography", "frame", path, "error", err)
		}
	}
	s.record(fr)
	return fr, nil
}

// estimate fits the pairs; exactly three pairs only support an affine transform.
func (s *Session) estimate(pairs []starmatch.StarPair) homography.Fit {
	if len(pairs) == 3 {
		h := homography.FromAffinePairs(pairs)
		return homography.Fit{H: h, Inliers: 3, Fraction: 1, RMS: homography.ReprojectionRMS(h, pairs)}
	}
	est := homography.NewEstimator(s.r.Reg.Seed + s.next)
	if s.r.Reg.Iterations > 0 {
		est.Iterations = s.r.Reg.Iterations
	}
	if s.r.Reg.Threshold > 0 {
		est.Threshold = s.r.Reg.Threshold
	}
	if s.r.Reg.EarlyExit > 0 {
		est.EarlyExit = s.r.Reg.EarlyExit
	}
	if s.r.Reg.MinInlierFraction > 0 {
		est.MinInlierFraction = s.r.Reg.MinInlierFraction
	}
	return est.Estimate(pairs)
}

func (s *Session) record(fr FrameResult) {
	if s.r.Store == nil || s.runID == "" {
		return
	}
	rec := storage.FrameRecord{
		RunID:      s.runID,
		Path:       fr.Path,
		Status:     storage.FrameRegistered,
		DropReason: string(fr.Dropped),
		Stars:      fr.Stars,
		FWHM:       fr.FWHM,
		Inliers:    fr.Inliers,
	}
	switch {
	case fr.Reference:
		rec.Status = storage.FrameReference
	case fr.Dropped != DropNone:
		rec.Status = storage.FrameDropped
	}
	if fr.H.IsValid() {
		h := [9]float64(fr.H)
		rec.Homography = &h
	}
	if err := s.r.Store.RecordFrame(rec); err != nil {
		s.r.logger().Warn("failed to record frame", "frame", fr.Path, "error", err)
	}
}

// Register aligns every frame against reference (the first frame when empty).
// Dropped frames stay in the result with their reason.
func (r *Registrar) Register(ctx context.Context, runID string, frames []string, reference string) (RegisterResult, error) {
	if len(frames) == 0 {
		return RegisterResult{}, ErrNoFrames
	}
	if reference == "" {
		reference = frames[0]
	}
	sess, err := r.Open(ctx, runID, reference)
	if err != nil {
		return RegisterResult{}, err
	}
	out := RegisterResult{RunID: runID, Frames: []FrameResult{sess.Reference()}}
	out.Rows, out.Cols, out.Channels = sess.Geometry()

	var todo []string
	for _, path := range frames {
		if !sameFile(path, reference) {
			todo = append(todo, path)
		}
	}
	for i, path := range todo {
		fr, err := sess.Register(ctx, path)
		if err != nil {
			return out, err
		}
		out.Frames = append(out.Frames, fr)
		r.reporter().Progress("register", i+1, len(todo))
	}
	r.logger().Info("registration finished",
		"run", runID,
		"frames", len(out.Frames),
		"dropped", out.Dropped(),
	)
	return out, nil
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	sa, errA := os.Stat(a)
	sb, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(sa, sb)
}
