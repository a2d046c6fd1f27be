package devctx

import (
	"context"
	"log/slog"
)

// LogHandler is a slog.Handler that tees every record into a Recorder
// before delegating to the wrapped handler. Errors additionally land
// in the error ring.
type LogHandler struct {
	inner slog.Handler
	rec   *Recorder
}

// NewLogHandler wraps inner so that emitted records are also captured
// in the recorder's log ring.
func NewLogHandler(inner slog.Handler, rec *Recorder) *LogHandler {
	return &LogHandler{inner: inner, rec: rec}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.rec.AddLog(LogLine{Level: r.Level.String(), Msg: r.Message, At: r.Time})
	if r.Level >= slog.LevelError {
		h.rec.AddError(ErrorEvent{Source: "log", Msg: r.Message, At: r.Time})
	}
	return h.inner.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs), rec: h.rec}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name), rec: h.rec}
}
