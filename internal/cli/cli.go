package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/fsutil"
	"starstack/internal/grpcserver"
	"starstack/internal/pipeline"
	"starstack/internal/server"
	"starstack/internal/storage"
	"starstack/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addrs config.Server, store *storage.Store, pipe pipelineClient, hub *diag.Hub, log *slog.Logger) error

// defaultServe runs the REST/websocket server and the gRPC diagnostics stream until one
// of them fails or ctx ends.
func defaultServe(ctx context.Context, addrs config.Server, store *storage.Store, pipe pipelineClient, hub *diag.Hub, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.NewServer(addrs.Addr, store, pipe, hub, log).Start(ctx)
	})
	if addrs.GRPCAddr != "" {
		g.Go(func() error {
			return grpcserver.NewDiagnosticsServer(hub, pipe, log).Start(ctx, addrs.GRPCAddr)
		})
	}
	return g.Wait()
}

type watchFunc func(ctx context.Context, dir, reference string, settle time.Duration) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	hub      *diag.Hub
	codecs   tasks.Codecs
	out      io.Writer
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, hub *diag.Hub, codecs tasks.Codecs) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		hub:      hub,
		codecs:   codecs,
		out:      os.Stdout,
		serveFn:  defaultServe,
	}
	r.watchFn = r.watch
	return r
}

func (r *Root) reporter() diag.Reporter {
	if r.hub == nil {
		return diag.Log{Logger: r.log}
	}
	return diag.Multi{diag.Log{Logger: r.log}, r.hub}
}

// watch registers frames as they land in dir until ctx ends.
func (r *Root) watch(ctx context.Context, dir, reference string, settle time.Duration) error {
	if reference == "" {
		frames, err := fsutil.ListImages(dir)
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return fmt.Errorf("%s: no reference frame yet: %w", dir, tasks.ErrNoFrames)
		}
		reference = frames[0]
	}

	reg, err := tasks.NewRegistrar(r.cfg, r.codecs, r.reporter(), r.store, r.log)
	if err != nil {
		return err
	}
	runID := newID()
	if r.store != nil {
		_ = r.store.RecordRunQueued(storage.RunRecord{ID: runID, Kind: "watch", Status: "queued", InputPath: dir})
		_ = r.store.RecordRunStart(runID)
	}
	sess, err := reg.Open(ctx, runID, reference)
	if err != nil {
		return err
	}

	w, err := tasks.NewWatcher(dir, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	var registered, dropped int
	err = tasks.Live(ctx, sess, w.Events, settle, func(fr tasks.FrameResult) {
		if fr.Registered() {
			registered++
			fmt.Fprintf(r.out, "registered %s: %d stars, %d inliers, rms %.3f\n", filepath.Base(fr.Path), fr.Stars, fr.Inliers, fr.RMS)
		} else {
			dropped++
			fmt.Fprintf(r.out, "dropped %s: %s\n", filepath.Base(fr.Path), fr.Dropped)
		}
	})
	if r.store != nil {
		_ = r.store.RecordRunResult(runID, "completed", map[string]any{"registered": registered, "dropped": dropped}, "")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// run submits a job, waits for it and prints its meta.
func (r *Root) run(ctx context.Context, job pipeline.Job) error {
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	r.printMeta(res)
	return nil
}

func (r *Root) printMeta(res pipeline.Result) {
	fmt.Fprintf(r.out, "%s %s finished\n", res.Job.Type, res.Job.ID)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %s: %v\n", k, res.Meta[k])
	}
}

// defaultOutput names the result file for input inside the configured output directory.
func (r *Root) defaultOutput(input, suffix, ext string) string {
	base := filepath.Base(filepath.Clean(input))
	base = base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(r.cfg.Paths.DefaultOutput, base+suffix+"."+ext)
}

func newID() string {
	return uuid.NewString()
}
