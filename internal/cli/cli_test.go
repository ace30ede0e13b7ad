package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/pipeline"
	"starstack/internal/storage"
)

func TestCommandsSubmitJobs(t *testing.T) {
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		check      func(t *testing.T, job pipeline.Job)
	}{
		{"detect", []string{"detect", filepath.Join(temp, "light.fits"), "-o", filepath.Join(temp, "stars.json")}, pipeline.JobDetect,
			func(t *testing.T, job pipeline.Job) {
				if job.Output != filepath.Join(temp, "stars.json") {
					t.Fatalf("unexpected output %q", job.Output)
				}
			}},
		{"register", []string{"register", temp, "--reference", "ref.fits"}, pipeline.JobRegister,
			func(t *testing.T, job pipeline.Job) {
				if job.Options["reference"] != "ref.fits" {
					t.Fatalf("reference not passed: %v", job.Options)
				}
			}},
		{"stack", []string{"stack", temp, "--drizzle", "--weight-dir", "/tmp/w"}, pipeline.JobStack,
			func(t *testing.T, job pipeline.Job) {
				if job.Options["drizzle"] != true || job.Options["weightDir"] != "/tmp/w" {
					t.Fatalf("options not passed: %v", job.Options)
				}
				if !strings.HasSuffix(job.Output, "_drizzle.tif") {
					t.Fatalf("unexpected default output %q", job.Output)
				}
			}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, fakePipe, out := newTestRoot(t)
			cmd := newRootCmd(root)
			cmd.SetArgs(tc.args)
			if err := cmd.Execute(); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			job := fakePipe.jobs[0]
			if job.Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, job.Type)
			}
			if job.ID == "" {
				t.Fatalf("job has no id")
			}
			tc.check(t, job)
			if !strings.Contains(out.String(), "ok: true") {
				t.Fatalf("expected result meta printed, got %q", out.String())
			}
		})
	}
}

func TestStackFlagsOverrideIntegration(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"stack", t.TempDir(), "--rejection", "percentile-clip", "--reduction", "median", "--weight-maps"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	in := root.cfg.Integration
	if in.Rejection != "percentile-clip" || in.Reduction != "median" || !in.WeightMaps {
		t.Fatalf("flags not applied: %+v", in)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
}

func TestStackRejectsInvalidOptions(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"stack", t.TempDir(), "--rejection", "kappa"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("no job should be submitted, got %d", len(fakePipe.jobs))
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	for _, args := range [][]string{{"detect"}, {"register"}, {"stack", "a", "b"}, {"watch"}} {
		root, _, _ := newTestRoot(t)
		cmd := newRootCmd(root)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addrs config.Server, store *storage.Store, pipe pipelineClient, hub *diag.Hub, log *slog.Logger) error {
		called = true
		if addrs.Addr != ":9999" || addrs.GRPCAddr != "" {
			t.Fatalf("unexpected addrs %+v", addrs)
		}
		return nil
	}
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"serve", "--addr", ":9999", "--grpc-addr", ""})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestWatchCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotDir string
	var gotSettle time.Duration
	root.watchFn = func(ctx context.Context, dir, reference string, settle time.Duration) error {
		gotDir, gotSettle = dir, settle
		return nil
	}
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"watch", "/lights", "--settle", "500ms"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if gotDir != "/lights" || gotSettle != 500*time.Millisecond {
		t.Fatalf("unexpected watch call dir=%q settle=%v", gotDir, gotSettle)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"config", "show"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current configuration") || !strings.Contains(out.String(), `"rejection": "sigma-clip"`) {
		t.Fatalf("expected configuration output, got %q", out.String())
	}

	out.Reset()
	cmd = newRootCmd(root)
	cmd.SetArgs([]string{"config", "validate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out.String(), "Configuration is valid") {
		t.Fatalf("unexpected validate output %q", out.String())
	}

	root.cfg.Drizzle.Scale = 0
	cmd = newRootCmd(root)
	cmd.SetArgs([]string{"config", "validate"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected invalid configuration")
	}

	out.Reset()
	cmd = newRootCmd(root)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "starstack "+Version) {
		t.Fatalf("expected version string, got %q", out.String())
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobStack}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}
}

func TestDefaultOutput(t *testing.T) {
	root, _, _ := newTestRoot(t)
	got := root.defaultOutput("/astro/m31/", "_stack", "tif")
	if want := filepath.Join(root.cfg.Paths.DefaultOutput, "m31_stack.tif"); got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "starstack.db")
	cfg.Processing.TempDir = filepath.Join(tmp, "temp")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &bytes.Buffer{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		out:      out,
		serveFn:  defaultServe,
	}
	root.watchFn = root.watch
	return root, pipe, out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.jobErrors[job.ID]
	f.mu.Unlock()

	res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"ok": true}}
	for _, ch := range subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}
