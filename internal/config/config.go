package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

const (
	defaultConfigPath = "~/.config/starstack/config.json"
	defaultParallel   = 2

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "STARSTACK_CONFIG"
)

// Config holds user-editable settings for detection, registration and stacking.
type Config struct {
	Processing   Processing   `json:"processing"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Detection    Detection    `json:"detection"`
	Matching     Matching     `json:"matching"`
	Registration Registration `json:"registration"`
	Integration  Integration  `json:"integration"`
	Drizzle      Drizzle      `json:"drizzle"`
	Output       Output       `json:"output"`
	Server       Server       `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // pipeline jobs running at once
	Workers      int    `json:"workers"`       // per-job worker goroutines, 0 = NumCPU
	TempDir      string `json:"temp_dir"`
	MemoryLimit  string `json:"memory_limit"` // frames beyond this are spooled to TempDir
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Detection tunes the wavelet star detector.
type Detection struct {
	K             float64 `json:"k"` // threshold in MADs above the layer median
	Layers        int     `json:"layers"`
	PeakEdgeRatio float64 `json:"peak_edge_ratio"`
	MinRoundness  float64 `json:"min_roundness"`
	MaxRadius     int     `json:"max_radius"`
	Model         string  `json:"model"` // gaussian, moffat
	Beta          float64 `json:"beta"`
	MaxStars      int     `json:"max_stars"`
}

// Matching tunes the triangle matcher.
type Matching struct {
	MaxStars  int     `json:"max_stars"`
	Tolerance float64 `json:"tolerance"`
	RXWindow  float64 `json:"rx_window"`
	MaxRX     float64 `json:"max_rx"`
}

// Registration controls RANSAC and the resampling of registered frames.
type Registration struct {
	Reference         string  `json:"reference"` // empty selects the first frame
	Iterations        int     `json:"iterations"`
	Threshold         float64 `json:"threshold"` // inlier distance in pixels
	EarlyExit         float64 `json:"early_exit"`
	MinInlierFraction float64 `json:"min_inlier_fraction"`
	Seed              uint64  `json:"seed"`
	Interpolation     string  `json:"interpolation"` // nearest, bilinear, bicubic
	WriteHomography   bool    `json:"write_homography"`
}

// Integration selects normalization, rejection and reduction.
type Integration struct {
	Normalization  string  `json:"normalization"`
	Rejection      string  `json:"rejection"`
	Reduction      string  `json:"reduction"`
	SigmaLow       float64 `json:"sigma_low"`
	SigmaHigh      float64 `json:"sigma_high"`
	PercentileLow  float64 `json:"percentile_low"`
	PercentileHigh float64 `json:"percentile_high"`
	MaxIterations  int     `json:"max_iterations"`
	WeightMaps     bool    `json:"weight_maps"`
	Compression    string  `json:"compression"` // none, rle
}

// Drizzle configures the drizzle path of the stack command.
type Drizzle struct {
	Enabled bool    `json:"enabled"`
	Drop    float64 `json:"drop"`
	Scale   int     `json:"scale"`
}

// Output configures written results.
type Output struct {
	Format string `json:"format"` // tif, fits, png
	Report bool   `json:"report"` // write the per-frame diagnostics plot
}

// Server configures the serve command.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is applied to the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := defaultConfig()

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      filepath.Join(os.TempDir(), "starstack"),
			MemoryLimit:  "4GB",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "starstack.db"),
		},
		Detection: Detection{
			K:             3,
			Layers:        4,
			PeakEdgeRatio: 1.65,
			MinRoundness:  0.3,
			MaxRadius:     16,
			Model:         "gaussian",
			Beta:          3,
			MaxStars:      100,
		},
		Matching: Matching{
			MaxStars:  40,
			Tolerance: 0.002,
			RXWindow:  0.0002,
			MaxRX:     0.9,
		},
		Registration: Registration{
			Iterations:        500,
			Threshold:         2,
			EarlyExit:         0.98,
			MinInlierFraction: 0.25,
			Seed:              1,
			Interpolation:     "bicubic",
			WriteHomography:   true,
		},
		Integration: Integration{
			Normalization:  "additive",
			Rejection:      "sigma-clip",
			Reduction:      "mean",
			SigmaLow:       3,
			SigmaHigh:      3,
			PercentileLow:  0.2,
			PercentileHigh: 0.1,
			MaxIterations:  5,
			Compression:    "rle",
		},
		Drizzle: Drizzle{
			Drop:  0.8,
			Scale: 2,
		},
		Output: Output{
			Format: "tif",
			Report: true,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Processing.ParallelJobs >= 1, "processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	check(c.Processing.Workers >= 0, "processing.workers must be >= 0, got %d", c.Processing.Workers)
	if _, err := c.MemoryBudget(); err != nil {
		errs = append(errs, err)
	}

	d := c.Detection
	check(d.K > 0, "detection.k must be > 0, got %v", d.K)
	check(d.Layers >= 1, "detection.layers must be >= 1, got %d", d.Layers)
	check(d.PeakEdgeRatio > 1, "detection.peak_edge_ratio must be > 1, got %v", d.PeakEdgeRatio)
	check(d.MinRoundness >= 0 && d.MinRoundness <= 1, "detection.min_roundness must be within [0,1], got %v", d.MinRoundness)
	check(d.MaxRadius >= 1, "detection.max_radius must be >= 1, got %d", d.MaxRadius)
	check(oneOf(d.Model, "gaussian", "moffat"), "detection.model must be gaussian or moffat, got %q", d.Model)
	check(d.Model != "moffat" || d.Beta > 0, "detection.beta must be > 0 for moffat, got %v", d.Beta)

	m := c.Matching
	check(m.MaxStars >= 3, "matching.max_stars must be >= 3, got %d", m.MaxStars)
	check(m.Tolerance > 0, "matching.tolerance must be > 0, got %v", m.Tolerance)
	check(m.MaxRX > 0 && m.MaxRX <= 1, "matching.max_rx must be within (0,1], got %v", m.MaxRX)

	r := c.Registration
	check(r.Iterations >= 1, "registration.iterations must be >= 1, got %d", r.Iterations)
	check(r.Threshold > 0, "registration.threshold must be > 0, got %v", r.Threshold)
	check(r.EarlyExit > 0 && r.EarlyExit <= 1, "registration.early_exit must be within (0,1], got %v", r.EarlyExit)
	check(r.MinInlierFraction >= 0 && r.MinInlierFraction <= 1, "registration.min_inlier_fraction must be within [0,1], got %v", r.MinInlierFraction)
	check(oneOf(r.Interpolation, "nearest", "bilinear", "bicubic"), "registration.interpolation must be nearest, bilinear or bicubic, got %q", r.Interpolation)

	in := c.Integration
	check(oneOf(in.Normalization, "none", "additive", "multiplicative", "additive-scaling", "multiplicative-scaling"),
		"integration.normalization unknown: %q", in.Normalization)
	check(oneOf(in.Rejection, "none", "sigma-clip", "winsorized-sigma-clip", "percentile-clip"),
		"integration.rejection unknown: %q", in.Rejection)
	check(oneOf(in.Reduction, "mean", "median", "min", "max"), "integration.reduction unknown: %q", in.Reduction)
	check(in.SigmaLow > 0 && in.SigmaHigh > 0, "integration sigmas must be > 0, got %v/%v", in.SigmaLow, in.SigmaHigh)
	check(in.PercentileLow >= 0 && in.PercentileHigh >= 0, "integration percentiles must be >= 0, got %v/%v", in.PercentileLow, in.PercentileHigh)
	check(in.MaxIterations >= 1, "integration.max_iterations must be >= 1, got %d", in.MaxIterations)
	check(oneOf(in.Compression, "none", "rle"), "integration.compression must be none or rle, got %q", in.Compression)

	dz := c.Drizzle
	check(dz.Drop > 0 && dz.Drop <= 1, "drizzle.drop must be within (0,1], got %v", dz.Drop)
	check(dz.Scale >= 1, "drizzle.scale must be >= 1, got %d", dz.Scale)

	check(oneOf(c.Output.Format, "tif", "tiff", "fits", "fit", "png"), "output.format unknown: %q", c.Output.Format)

	return errors.Join(errs...)
}

// MemoryBudget parses Processing.MemoryLimit. An empty limit means unbounded (0).
func (c *Config) MemoryBudget() (uint64, error) {
	if strings.TrimSpace(c.Processing.MemoryLimit) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Processing.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("processing.memory_limit: %w", err)
	}
	return n, nil
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
