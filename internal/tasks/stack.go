package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/drizzle"
	"starstack/internal/fsutil"
	"starstack/internal/imaging"
	"starstack/internal/integration"
	"starstack/internal/logging"
	"starstack/internal/report"
	"starstack/internal/resample"
)

// Codecs reads and writes frames. *imageio.Registry satisfies it.
type Codecs interface {
	FrameLoader
	Write(path string, img *imaging.Image) error
}

// StackRequest defines inputs for stacking a registered run.
type StackRequest struct {
	Registration RegisterResult
	Output       string // output image path; the extension selects the codec
	Drizzle      bool
	// WeightMapDir receives per-frame .wmap files when weight maps are enabled;
	// empty places them next to Output.
	WeightMapDir string
}

// StackResult captures output metadata.
type StackResult struct {
	OutputFile string   `json:"output_file"`
	Method     string   `json:"method"`
	ImageCount int      `json:"image_count"`
	Dropped    int      `json:"dropped"`
	Dimensions string   `json:"dimensions"`
	WeightMaps []string `json:"weight_maps,omitempty"`
	Report     string   `json:"report,omitempty"`
}

// Stacker integrates or drizzles registered frames into one image.
type Stacker struct {
	Cfg      *config.Config
	Codecs   Codecs
	Reporter diag.Reporter
	Log      *slog.Logger
}

func (s *Stacker) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// IntegrationOptions maps the integration section onto engine options.
func IntegrationOptions(cfg *config.Config) (integration.Options, error) {
	in := cfg.Integration
	norm, err := integration.ParseNormalization(in.Normalization)
	if err != nil {
		return integration.Options{}, err
	}
	rej, err := integration.ParseRejection(in.Rejection)
	if err != nil {
		return integration.Options{}, err
	}
	red, err := integration.ParseReduction(in.Reduction)
	if err != nil {
		return integration.Options{}, err
	}
	return integration.Options{
		Normalization:  norm,
		Rejection:      rej,
		Reduction:      red,
		SigmaLow:       in.SigmaLow,
		SigmaHigh:      in.SigmaHigh,
		PercentileLow:  in.PercentileLow,
		PercentileHigh: in.PercentileHigh,
		MaxIterations:  in.MaxIterations,
		WeightMaps:     in.WeightMaps,
		Workers:        cfg.Processing.Workers,
	}, nil
}

func compression(name string) uint32 {
	if strings.EqualFold(name, "none") {
		return integration.CompressionNone
	}
	return integration.CompressionRLE
}

// Stack combines the registered frames of req.Registration, reference first.
func (s *Stacker) Stack(ctx context.Context, req StackRequest) (StackResult, error) {
	reg := req.Registration
	frames := reg.Registered()
	if len(frames) == 0 {
		return StackResult{}, ErrNoFrames
	}
	if req.Output == "" {
		return StackResult{}, fmt.Errorf("stack: output path required")
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return StackResult{}, err
	}

	var (
		res StackResult
		err error
	)
	if req.Drizzle {
		res, err = s.drizzle(ctx, req, frames)
	} else {
		res, err = s.integrate(ctx, req, frames)
	}
	if err != nil {
		return StackResult{}, err
	}
	res.Dropped = reg.Dropped()

	if s.Cfg.Output.Report {
		plot := strings.TrimSuffix(req.Output, filepath.Ext(req.Output)) + "_report.png"
		if err := report.Write(plot, reportFrames(reg.Frames)); err != nil {
			s.logger().Warn("failed to write report", "path", plot, "error", err)
		} else {
			res.Report = plot
		}
	}
	return res, nil
}

func (s *Stacker) integrate(ctx context.Context, req StackRequest, frames []FrameResult) (StackResult, error) {
	reg := req.Registration
	opts, err := IntegrationOptions(s.Cfg)
	if err != nil {
		return StackResult{}, err
	}
	interp, err := resample.ForName(s.Cfg.Registration.Interpolation)
	if err != nil {
		return StackResult{}, err
	}
	budget, err := s.Cfg.MemoryBudget()
	if err != nil {
		return StackResult{}, err
	}
	frameBytes := fsutil.FrameBytes(reg.Rows, reg.Cols, reg.Channels)
	resident := fsutil.ResidentFrames(len(frames), frameBytes, budget, s.logger())
	logging.LogStage(s.logger(), reg.RunID, "warp", uint64(resident)*frameBytes)

	var spoolDir string
	if resident < len(frames) {
		if err := os.MkdirAll(s.Cfg.Processing.TempDir, 0o755); err != nil {
			return StackResult{}, err
		}
		spoolDir, err = os.MkdirTemp(s.Cfg.Processing.TempDir, "spool-")
		if err != nil {
			return StackResult{}, err
		}
		defer os.RemoveAll(spoolDir)
	}

	rep := diag.OrNop(s.Reporter)
	inputs := make([]imaging.Frame, 0, len(frames))
	for i, f := range frames {
		img, err := s.Codecs.Read(f.Path)
		if err != nil {
			return StackResult{}, fmt.Errorf("load %s: %w", f.Path, err)
		}
		if !f.Reference {
			img, err = resample.Warp(ctx, img, f.H, reg.Rows, reg.Cols, interp, s.Cfg.Processing.Workers)
			if err != nil {
				return StackResult{}, fmt.Errorf("warp %s: %w", f.Path, err)
			}
		}
		if i < resident {
			inputs = append(inputs, img)
		} else {
			sp, err := imaging.NewSpool(spoolDir, img)
			if err != nil {
				return StackResult{}, fmt.Errorf("spool %s: %w", f.Path, err)
			}
			defer sp.Close()
			inputs = append(inputs, sp)
		}
		rep.Progress("warp", i+1, len(frames))
	}

	out, err := integration.New(opts, s.Reporter, s.logger()).Integrate(ctx, inputs)
	if err != nil {
		return StackResult{}, err
	}
	if err := s.Codecs.Write(req.Output, out.Image); err != nil {
		return StackResult{}, err
	}

	res := StackResult{
		OutputFile: req.Output,
		Method:     fmt.Sprintf("%s/%s/%s", opts.Normalization, opts.Rejection, opts.Reduction),
		ImageCount: len(frames),
		Dimensions: fmt.Sprintf("%dx%d", out.Image.Cols(), out.Image.Rows()),
	}
	dir := req.WeightMapDir
	if dir == "" {
		dir = filepath.Dir(req.Output)
	}
	for i, wm := range out.WeightMaps {
		path := fsutil.SidecarPath(frames[i].Path, dir, ".wmap")
		if err := wm.WriteFile(path, compression(s.Cfg.Integration.Compression)); err != nil {
			return StackResult{}, err
		}
		res.WeightMaps = append(res.WeightMaps, path)
	}
	return res, nil
}

func (s *Stacker) drizzle(ctx context.Context, req StackRequest, frames []FrameResult) (StackResult, error) {
	reg := req.Registration
	dz := s.Cfg.Drizzle
	eng, err := drizzle.New(reg.Rows, reg.Cols, reg.Channels, dz.Drop, dz.Scale)
	if err != nil {
		return StackResult{}, err
	}
	eng.Workers = s.Cfg.Processing.Workers
	logging.LogStage(s.logger(), reg.RunID, "drizzle", fsutil.FrameBytes(reg.Rows*dz.Scale, reg.Cols*dz.Scale, reg.Channels)*4)

	rep := diag.OrNop(s.Reporter)
	for i, f := range frames {
		img, err := s.Codecs.Read(f.Path)
		if err != nil {
			return StackResult{}, fmt.Errorf("load %s: %w", f.Path, err)
		}
		if err := eng.Add(ctx, img, f.H, nil); err != nil {
			return StackResult{}, fmt.Errorf("drizzle %s: %w", f.Path, err)
		}
		rep.Progress("drizzle", i+1, len(frames))
	}

	out, weight := eng.Result()
	if err := s.Codecs.Write(req.Output, out); err != nil {
		return StackResult{}, err
	}
	res := StackResult{
		OutputFile: req.Output,
		Method:     fmt.Sprintf("drizzle drop=%g scale=%d", dz.Drop, dz.Scale),
		ImageCount: eng.Frames(),
		Dimensions: fmt.Sprintf("%dx%d", out.Cols(), out.Rows()),
	}
	if s.Cfg.Integration.WeightMaps {
		path := strings.TrimSuffix(req.Output, filepath.Ext(req.Output)) + "_weight" + filepath.Ext(req.Output)
		if err := s.Codecs.Write(path, normalizeWeights(weight)); err != nil {
			return StackResult{}, err
		}
		res.WeightMaps = []string{path}
	}
	return res, nil
}

// normalizeWeights scales a drizzle weight image into [0,1] for writing.
func normalizeWeights(w *imaging.Image) *imaging.Image {
	var peak float32
	for _, v := range w.Data {
		peak = max(peak, v)
	}
	if peak == 0 {
		return w
	}
	out := w.Clone()
	for i := range out.Data {
		out.Data[i] /= peak
	}
	return out
}

func reportFrames(frames []FrameResult) []report.Frame {
	out := make([]report.Frame, len(frames))
	for i, f := range frames {
		out[i] = report.Frame{
			Name:    filepath.Base(f.Path),
			Stars:   f.Stars,
			FWHM:    f.FWHM,
			Dropped: string(f.Dropped),
		}
	}
	return out
}
