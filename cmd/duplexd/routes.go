package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/duplex-ws/duplex/pkg/devctx"
	"github.com/duplex-ws/duplex/pkg/router"
	"github.com/duplex-ws/duplex/pkg/server"
)

// registerRoutes installs the built-in routes every endpoint serves:
// echo, server time, and the topic subscribe/publish surface.
func registerRoutes(mgr *server.Manager) {
	t := mgr.Table()

	t.Get("/echo", func(ctx router.Ctx, req *router.Request) (any, error) {
		return req.Data, nil
	})
	t.Post("/echo", func(ctx router.Ctx, req *router.Request) (any, error) {
		return req.Data, nil
	})

	t.Get("/time", func(ctx router.Ctx, req *router.Request) (any, error) {
		return map[string]string{"now": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})

	// The topic key doubles as the event frame's URL, so client-side
	// listeners can match it with the same pattern syntax.
	t.Post("/topics/:topic/subscribe", func(ctx router.Ctx, req *router.Request) (any, error) {
		topic := "/topics/" + req.Params["topic"]
		ctx.Subscribe(topic)
		return map[string]string{"subscribed": topic}, nil
	})

	t.Post("/topics/:topic/unsubscribe", func(ctx router.Ctx, req *router.Request) (any, error) {
		topic := "/topics/" + req.Params["topic"]
		ctx.Unsubscribe(topic)
		return map[string]string{"unsubscribed": topic}, nil
	})

	t.Post("/topics/:topic/publish", func(ctx router.Ctx, req *router.Request) (any, error) {
		topic := "/topics/" + req.Params["topic"]
		if err := mgr.EmitEvent(topic, req.Data); err != nil {
			return nil, err
		}
		return map[string]any{"published": topic, "subscribers": mgr.Subscribers(topic)}, nil
	})
}

// devContextHandler serves the diagnostics ring buffers as JSON.
func devContextHandler(rec *devctx.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"http":   rec.HTTP(),
			"ws":     rec.WS(),
			"logs":   rec.Logs(),
			"errors": rec.Errors(),
		})
	}
}
