// Package middleware provides the dispatch middlewares shared by every
// endpoint: structured logging, Prometheus metrics, and OpenTelemetry
// tracing.
package middleware

import (
	"log/slog"
	"os"
	"time"

	"github.com/duplex-ws/duplex/pkg/devctx"
	"github.com/duplex-ws/duplex/pkg/router"
)

// QuietEnv suppresses the observe middleware's log lines when set.
// Intended for tests that exercise error paths deliberately.
const QuietEnv = "DUPLEX_QUIET"

// Observe returns the default observability middleware prepended to
// every endpoint's chain. It times the dispatch, emits one structured
// line per frame, and re-logs handler errors before propagating them.
func Observe(logger *slog.Logger, rec *devctx.Recorder) router.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	quiet := os.Getenv(QuietEnv) != ""

	return func(ctx router.Ctx, req *router.Request, next router.Next) (any, error) {
		start := time.Now()
		result, err := next()
		duration := time.Since(start)

		rec.AddWS(devctx.WSEvent{
			Endpoint: ctx.Endpoint(),
			Kind:     "dispatch",
			URL:      ctx.URL(),
		})

		if quiet {
			return result, err
		}

		attrs := []any{
			"method", string(ctx.Method()),
			"path", ctx.URL(),
			"duration", duration,
		}
		if plugin := ctx.PluginID(); plugin != "" {
			attrs = append(attrs, "plugin", plugin)
		}
		if ip := ctx.IP(); ip != "" {
			attrs = append(attrs, "ip", ip)
		}

		if err != nil {
			rec.AddError(devctx.ErrorEvent{Source: "dispatch", Msg: err.Error()})
			logger.Error("dispatch failed", append(attrs, "error", err)...)
			return result, err
		}

		logger.Info("dispatch", attrs...)
		return result, nil
	}
}
