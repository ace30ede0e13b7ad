package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"starstack/internal/diag"
	"starstack/internal/pipeline"
	"starstack/internal/storage"
)

type stubJobs struct {
	submitted []pipeline.Job
}

func (s *stubJobs) Submit(job pipeline.Job) error {
	s.submitted = append(s.submitted, job)
	return nil
}

func (s *stubJobs) Subscribe() (<-chan pipeline.Result, func()) {
	ch := make(chan pipeline.Result)
	return ch, func() {}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "starstack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunsAndFrames(t *testing.T) {
	store := newStore(t)
	if err := store.RecordRunQueued(storage.RunRecord{ID: "run-1", Kind: "register", Status: "queued", InputPath: "/frames"}); err != nil {
		t.Fatal(err)
	}
	h := [9]float64{1, 0, 2, 0, 1, 1, 0, 0, 1}
	frames := []storage.FrameRecord{
		{RunID: "run-1", Path: "/frames/a.fits", Status: storage.FrameReference, Stars: 40, FWHM: 2.5},
		{RunID: "run-1", Path: "/frames/b.fits", Status: storage.FrameRegistered, Stars: 38, FWHM: 2.6, Inliers: 30, Homography: &h},
	}
	for _, f := range frames {
		if err := store.RecordFrame(f); err != nil {
			t.Fatal(err)
		}
	}

	srv := httptest.NewServer(NewServer("", store, &stubJobs{}, nil, slog.Default()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	var runs []storage.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Kind != "register" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	resp, err = http.Get(srv.URL + "/runs/run-1/frames")
	if err != nil {
		t.Fatal(err)
	}
	var got []storage.FrameRecord
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if diff := cmp.Diff(frames, got); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}

	resp, err = http.Get(srv.URL + "/runs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", resp.StatusCode)
	}
}

func TestSubmitRun(t *testing.T) {
	jobs := &stubJobs{}
	srv := httptest.NewServer(NewServer("", nil, jobs, nil, slog.Default()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"type":"stack","input":"/frames","output":"/out/stack.tif","options":{"drizzle":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(jobs.submitted) != 1 {
		t.Fatalf("expected one submitted job, got %d", len(jobs.submitted))
	}
	job := jobs.submitted[0]
	if job.ID == "" || job.Type != pipeline.JobStack || job.Options["drizzle"] != true {
		t.Fatalf("unexpected job %+v", job)
	}

	bad, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader(`{"type":"timelapse","input":"/x"}`))
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", bad.StatusCode)
	}
}

func TestWebSocketStreamsDiagnostics(t *testing.T) {
	hub := diag.NewHub()
	srv := httptest.NewServer(NewServer("", nil, nil, hub, slog.Default()).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the handler subscribes after the upgrade; publish until the first event arrives
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				hub.FrameDropped("/frames/c.fits", "no stars")
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev diag.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != diag.KindDropped || ev.Frame != "/frames/c.fits" || ev.Reason != "no stars" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
