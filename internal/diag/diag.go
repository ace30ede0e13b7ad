// Package diag carries observational progress and alignment events out of the pipeline.
// Reporters never influence results.
package diag

import (
	"log/slog"
	"sync"
	"time"
)

// Reporter receives pipeline events. Implementations must be safe for concurrent use.
type Reporter interface {
	Status(msg string)
	Progress(stage string, done, total int)
	Stars(frame string, count int, fwhm float64)
	Homography(frame string, h [9]float64, inliers int)
	FrameDropped(frame, reason string)
}

// Event kinds.
const (
	KindStatus     = "status"
	KindProgress   = "progress"
	KindStars      = "stars"
	KindHomography = "homography"
	KindDropped    = "dropped"
)

// Event is the serialized form of a Reporter call, fanned out by Hub.
type Event struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Done       int       `json:"done,omitempty"`
	Total      int       `json:"total,omitempty"`
	Frame      string    `json:"frame,omitempty"`
	Stars      int       `json:"stars,omitempty"`
	FWHM       float64   `json:"fwhm,omitempty"`
	Homography []float64 `json:"homography,omitempty"`
	Inliers    int       `json:"inliers,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Nop discards everything.
type Nop struct{}

func (Nop) Status(string)                      {}
func (Nop) Progress(string, int, int)          {}
func (Nop) Stars(string, int, float64)         {}
func (Nop) Homography(string, [9]float64, int) {}
func (Nop) FrameDropped(string, string)        {}

// Log writes events to a structured logger. Progress goes to debug level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) Status(msg string) { l.logger().Info(msg) }

func (l Log) Progress(stage string, done, total int) {
	l.logger().Debug("progress", "stage", stage, "done", done, "total", total)
}

func (l Log) Stars(frame string, count int, fwhm float64) {
	l.logger().Info("stars detected", "frame", frame, "count", count, "fwhm", fwhm)
}

func (l Log) Homography(frame string, h [9]float64, inliers int) {
	l.logger().Info("frame registered", "frame", frame, "inliers", inliers, "h", h)
}

func (l Log) FrameDropped(frame, reason string) {
	l.logger().Warn("frame dropped", "frame", frame, "reason", reason)
}

// Multi forwards to every reporter in order.
type Multi []Reporter

func (m Multi) Status(msg string) {
	for _, r := range m {
		r.Status(msg)
	}
}

func (m Multi) Progress(stage string, done, total int) {
	for _, r := range m {
		r.Progress(stage, done, total)
	}
}

func (m Multi) Stars(frame string, count int, fwhm float64) {
	for _, r := range m {
		r.Stars(frame, count, fwhm)
	}
}

func (m Multi) Homography(frame string, h [9]float64, inliers int) {
	for _, r := range m {
		r.Homography(frame, h, inliers)
	}
}

func (m Multi) FrameDropped(frame, reason string) {
	for _, r := range m {
		r.FrameDropped(frame, reason)
	}
}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	return r
}

// Hub fans events out to subscribers. Slow subscribers lose events rather than block
// the pipeline.
type Hub struct {
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	now       func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event), now: time.Now}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub) publish(ev Event) {
	ev.Time = h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Status(msg string) { h.publish(Event{Kind: KindStatus, Message: msg}) }

func (h *Hub) Progress(stage string, done, total int) {
	h.publish(Event{Kind: KindProgress, Stage: stage, Done: done, Total: total})
}

func (h *Hub) Stars(frame string, count int, fwhm float64) {
	h.publish(Event{Kind: KindStars, Frame: frame, Stars: count, FWHM: fwhm})
}

func (h *Hub) Homography(frame string, m [9]float64, inliers int) {
	h.publish(Event{Kind: KindHomography, Frame: frame, Homography: m[:], Inliers: inliers})
}

func (h *Hub) FrameDropped(frame, reason string) {
	h.publish(Event{Kind: KindDropped, Frame: frame, Reason: reason})
}
