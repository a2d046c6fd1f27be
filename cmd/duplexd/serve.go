package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/duplex-ws/duplex/internal/config"
	"github.com/duplex-ws/duplex/internal/users"
	"github.com/duplex-ws/duplex/pkg/auth"
	"github.com/duplex-ws/duplex/pkg/devctx"
	"github.com/duplex-ws/duplex/pkg/middleware"
	"github.com/duplex-ws/duplex/pkg/routepath"
	"github.com/duplex-ws/duplex/pkg/router"
	"github.com/duplex-ws/duplex/pkg/server"
	"github.com/duplex-ws/duplex/pkg/session"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the duplex server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "duplex.json", "path to the config file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rec := devctx.NewRecorder()
	logger := newLogger(cfg.LogLevel, rec)
	slog.SetDefault(logger)

	userStore := users.NewStore()
	if err := users.Seed(userStore); err != nil {
		return err
	}

	sessions := session.NewStore()

	noSecurity := ""
	if cfg.NoSecurityUser != "" {
		noSecurity = cfg.NoSecurityUser
	} else if cfg.NoSecurity {
		noSecurity = "true"
	}
	gate := auth.NewGate(userStore,
		auth.WithAllowList(cfg.AllowList),
		auth.WithNoSecurity(noSecurity),
		auth.WithLogger(logger),
	)

	baseMW := []router.Middleware{
		middleware.Observe(logger, rec),
		middleware.Prometheus(),
		middleware.OpenTelemetry(),
	}

	managers := make([]*server.Manager, 0, 2)
	for _, endpoint := range []string{"/ws", "/bunchy"} {
		table := router.NewTable()
		mgr := server.NewManager(endpoint, table,
			server.WithLogger(logger),
			server.WithRecorder(rec),
			server.WithAuthPolicy(func(ctx context.Context, sess *session.Session) error {
				return gate.Authorize(ctx, sess)
			}),
			server.WithMiddleware(baseMW...),
		)
		registerRoutes(mgr)
		managers = append(managers, mgr)
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RealIP)
	mux.Use(sanitizePath)
	mux.Use(recordHTTP(rec))
	mux.Use(session.Middleware(sessions, cfg.CookieName))
	mux.Use(auth.Middleware(gate))

	authHandlers := auth.NewHandlers(gate)
	mux.Post("/api/login", authHandlers.Login)
	mux.Post("/api/logout", authHandlers.Logout)
	mux.Get("/api/context", authHandlers.Context)
	mux.Get("/api/users/me", authHandlers.Me)

	mux.Get("/api/dev/context", devContextHandler(rec))
	mux.Handle("/metrics", promhttp.Handler())

	for _, mgr := range managers {
		mux.Get(mgr.Endpoint(), mgr.HandleUpgrade)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, mgr := range managers {
		mgr.CloseAll()
	}
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string, rec *devctx.Recorder) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(devctx.NewLogHandler(inner, rec))
}

// sanitizePath rejects hostile request paths before any routing or
// session handling sees them.
func sanitizePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean, err := routepath.Canonicalize(r.URL.Path)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		r.URL.Path = clean
		next.ServeHTTP(w, r)
	})
}

// recordHTTP tees each request into the dev-context HTTP ring.
func recordHTTP(rec *devctx.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			rec.AddHTTP(devctx.HTTPEvent{
				Method:   r.Method,
				Path:     r.URL.Path,
				Status:   ww.Status(),
				Duration: time.Since(start),
			})
		})
	}
}
