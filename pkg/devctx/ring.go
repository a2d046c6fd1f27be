// Package devctx keeps fixed-capacity circular buffers of recent HTTP
// events, WebSocket events, log lines, and errors for runtime
// diagnostics. Oldest entries are silently overwritten.
package devctx

import (
	"sync"
	"time"
)

// Default ring capacities.
const (
	HTTPCapacity  = 500
	WSCapacity    = 500
	LogCapacity   = 500
	ErrorCapacity = 200
)

// HTTPEvent records one HTTP request seen by the gate.
type HTTPEvent struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	At       time.Time
}

// WSEvent records one WebSocket lifecycle or dispatch event.
type WSEvent struct {
	Endpoint string
	Kind     string // "open", "close", "dispatch", "broadcast", "event"
	URL      string
	At       time.Time
}

// LogLine records one emitted log line.
type LogLine struct {
	Level string
	Msg   string
	At    time.Time
}

// ErrorEvent records one observed error.
type ErrorEvent struct {
	Source string
	Msg    string
	At     time.Time
}

// ring is a thread-safe fixed-capacity circular buffer. The write head
// wraps and overwrites the oldest entry when full.
type ring[T any] struct {
	mu       sync.RWMutex
	entries  []T
	head     int
	count    int
	capacity int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{
		entries:  make([]T, capacity),
		capacity: capacity,
	}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = v
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// snapshot returns the buffered entries oldest-first.
func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += r.capacity
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%r.capacity])
	}
	return out
}

func (r *ring[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Recorder is the diagnostics sink. A nil *Recorder is valid and all
// its methods are no-ops, so callers never need to guard.
type Recorder struct {
	http   *ring[HTTPEvent]
	ws     *ring[WSEvent]
	logs   *ring[LogLine]
	errors *ring[ErrorEvent]
}

// NewRecorder creates a Recorder with the default capacities.
func NewRecorder() *Recorder {
	return &Recorder{
		http:   newRing[HTTPEvent](HTTPCapacity),
		ws:     newRing[WSEvent](WSCapacity),
		logs:   newRing[LogLine](LogCapacity),
		errors: newRing[ErrorEvent](ErrorCapacity),
	}
}

// AddHTTP records an HTTP event.
func (rec *Recorder) AddHTTP(ev HTTPEvent) {
	if rec == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	rec.http.add(ev)
}

// AddWS records a WebSocket event.
func (rec *Recorder) AddWS(ev WSEvent) {
	if rec == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	rec.ws.add(ev)
}

// AddLog records a log line.
func (rec *Recorder) AddLog(line LogLine) {
	if rec == nil {
		return
	}
	if line.At.IsZero() {
		line.At = time.Now()
	}
	rec.logs.add(line)
}

// AddError records an error event.
func (rec *Recorder) AddError(ev ErrorEvent) {
	if rec == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	rec.errors.add(ev)
}

// HTTP returns the buffered HTTP events, oldest first.
func (rec *Recorder) HTTP() []HTTPEvent {
	if rec == nil {
		return nil
	}
	return rec.http.snapshot()
}

// WS returns the buffered WebSocket events, oldest first.
func (rec *Recorder) WS() []WSEvent {
	if rec == nil {
		return nil
	}
	return rec.ws.snapshot()
}

// Logs returns the buffered log lines, oldest first.
func (rec *Recorder) Logs() []LogLine {
	if rec == nil {
		return nil
	}
	return rec.logs.snapshot()
}

// Errors returns the buffered error events, oldest first.
func (rec *Recorder) Errors() []ErrorEvent {
	if rec == nil {
		return nil
	}
	return rec.errors.snapshot()
}
