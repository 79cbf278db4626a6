// Command dalston-router is the client-facing entry point for real-time
// sessions: it selects a live realtime worker per connection and hands the
// client over in proxy or redirect mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.RouterFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dalston-router: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:  "dalston-router",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	rdb, err := store.Dial(cfg.Redis.URL)
	if err != nil {
		logger.Error("redis dial failed", "err", err)
		return 1
	}
	defer rdb.Close()
	st := store.New(rdb)

	rt := router.New(registry.New(st), cfg.Mode, router.WithLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", rt.Handler())
	health.New(
		health.Checker{Name: "redis", Check: st.Ping},
	).Register(mux)

	logger.Info("router starting", "port", cfg.Port, "mode", cfg.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveOps(gctx, cfg.Port, mux) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("router exited", "err", err)
		return 1
	}
	logger.Info("router stopped")
	return 0
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// serveOps runs the client-facing HTTP server until ctx is cancelled.
func serveOps(ctx context.Context, port int, mux *http.ServeMux) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
}
