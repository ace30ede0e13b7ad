package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/fsutil"
	"starstack/internal/imaging"
	"starstack/internal/stardetect"
	"starstack/internal/storage"
	"starstack/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	loader     tasks.FrameLoader
	detector   starDetector
	listFn     func(dir string) ([]string, error)
	registerFn registerFunc
	stackFn    stackFunc
}

type starDetector interface {
	Detect(ctx context.Context, img *imaging.Image) (stardetect.Result, error)
}

type registerFunc func(ctx context.Context, runID string, frames []string, reference string) (tasks.RegisterResult, error)

type stackFunc func(ctx context.Context, req tasks.StackRequest) (tasks.StackResult, error)

// NewRouter wires the detect, register and stack handlers from configuration.
func NewRouter(cfg *config.Config, codecs tasks.Codecs, reporter diag.Reporter, store *storage.Store, logger *slog.Logger) (Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := tasks.NewRegistrar(cfg, codecs, reporter, store, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Paths.DefaultOutput != "" && cfg.Registration.WriteHomography {
		reg.HomographyDir = filepath.Join(cfg.Paths.DefaultOutput, "homography")
	}
	stacker := &tasks.Stacker{Cfg: cfg, Codecs: codecs, Reporter: reporter, Log: logger}
	return &router{
		log:        logger,
		loader:     codecs,
		detector:   reg.Detector,
		listFn:     fsutil.ListImages,
		registerFn: reg.Register,
		stackFn:    stacker.Stack,
	}, nil
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDetect:
		return r.handleDetect(ctx, job)
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobStack:
		return r.handleStack(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// frames resolves the job input to a list of frames: a directory is listed, a file
// stands alone.
func (r *router) frames(job Job) ([]string, error) {
	info, err := os.Stat(job.InputPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{job.InputPath}, nil
	}
	frames, err := r.listFn(job.InputPath)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%s: %w", job.InputPath, tasks.ErrNoFrames)
	}
	return frames, nil
}

type detection struct {
	Path       string                `json:"path"`
	FWHM       float64               `json:"fwhm"`
	Candidates int                   `json:"candidates"`
	Rejected   map[string]int        `json:"rejected,omitempty"`
	Stars      stardetect.StarVector `json:"stars"`
}

func (r *router) handleDetect(ctx context.Context, job Job) Result {
	frames, err := r.frames(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := make([]detection, 0, len(frames))
	total := 0
	for _, path := range frames {
		img, err := r.loader.Read(path)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("load %s: %w", path, err)}
		}
		res, err := r.detector.Detect(ctx, img)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("detect %s: %w", path, err)}
		}
		out = append(out, detection{
			Path:       path,
			FWHM:       res.MeanPSF.FWHM,
			Candidates: res.Candidates,
			Rejected:   res.Rejected,
			Stars:      res.Stars,
		})
		total += len(res.Stars)
	}

	meta := map[string]any{
		"frames": len(out),
		"stars":  total,
	}
	if len(out) == 1 {
		meta["fwhm"] = out[0].FWHM
	}
	if job.Output != "" {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		if err := os.MkdirAll(filepath.Dir(job.Output), 0o755); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		if err := os.WriteFile(job.Output, data, 0o644); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = job.Output
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) register(ctx context.Context, job Job) (tasks.RegisterResult, error) {
	frames, err := r.frames(job)
	if err != nil {
		return tasks.RegisterResult{}, err
	}
	reference, _ := job.Options["reference"].(string)
	return r.registerFn(ctx, job.ID, frames, reference)
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	reg, err := r.register(ctx, job)
	meta := map[string]any{
		"frames":     len(reg.Frames),
		"registered": len(reg.Registered()),
		"dropped":    reg.Dropped(),
	}
	if len(reg.Frames) > 0 {
		meta["reference"] = reg.Frames[0].Path
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	reg, err := r.register(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	weightDir, _ := job.Options["weightDir"].(string)
	res, err := r.stackFn(ctx, tasks.StackRequest{
		Registration: reg,
		Output:       job.Output,
		Drizzle:      getBoolOption(job.Options, "drizzle"),
		WeightMapDir: weightDir,
	})
	meta := map[string]any{
		"output":     res.OutputFile,
		"method":     res.Method,
		"imageCount": res.ImageCount,
		"dropped":    res.Dropped,
		"dimensions": res.Dimensions,
	}
	if len(res.WeightMaps) > 0 {
		meta["weightMaps"] = len(res.WeightMaps)
	}
	if res.Report != "" {
		meta["report"] = res.Report
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}
