package tasks

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"starstack/internal/fsutil"
)

// WatchEvent is a frame file appearing or changing in a watched directory.
type WatchEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
}

// Watcher monitors one directory for new frames.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan WatchEvent
	dir     string
	log     *slog.Logger
	done    chan struct{}
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher: w,
		Events:  make(chan WatchEvent, 100),
		dir:     dir,
		log:     logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching directory", "dir", w.dir)
	go w.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once the event loop exits.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var op string
			switch {
			case event.Op.Has(fsnotify.Create):
				op = "created"
			case event.Op.Has(fsnotify.Write):
				op = "modified"
			default:
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			select {
			case w.Events <- WatchEvent{Path: event.Name, Operation: op, Time: time.Now()}:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Live registers frames from events once their file has been quiet for settle, so
// half-written frames are not read. Each frame is registered at most once. handle is
// called with every result in registration order. Live returns when ctx is done or
// events is closed.
func Live(ctx context.Context, sess *Session, events <-chan WatchEvent, settle time.Duration, handle func(FrameResult)) error {
	pending := map[string]time.Time{}
	seen := map[string]bool{filepath.Clean(sess.Reference().Path): true}
	tick := time.NewTicker(max(settle/4, 10*time.Millisecond))
	defer tick.Stop()

	flush := func(now time.Time, all bool) error {
		var ready []string
		for path, last := range pending {
			if all || now.Sub(last) >= settle {
				ready = append(ready, path)
			}
		}
		sort.Strings(ready)
		for _, path := range ready {
			delete(pending, path)
			seen[path] = true
			fr, err := sess.Register(ctx, path)
			if err != nil {
				return err
			}
			if handle != nil {
				handle(fr)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return flush(time.Now(), true)
			}
			path := filepath.Clean(ev.Path)
			if seen[path] {
				continue
			}
			pending[path] = ev.Time
		case now := <-tick.C:
			if err := flush(now, false); err != nil {
				return err
			}
		}
	}
}
