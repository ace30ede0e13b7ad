package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"starstack/internal/cli"
	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/imageio"
	"starstack/internal/logging"
	"starstack/internal/magick"
	"starstack/internal/pipeline"
	"starstack/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		return err
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	codecs := imageio.NewRegistry()
	codecs.Register(magick.Codec{})
	defer magick.Terminate()

	hub := diag.NewHub()
	defer hub.Close()
	reporter := diag.Multi{diag.Log{Logger: logger}, hub}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, err := pipeline.NewRouter(cfg, codecs, reporter, store, logger)
	if err != nil {
		return err
	}
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, proc)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe, hub, codecs).ExecuteContext(ctx)
}
