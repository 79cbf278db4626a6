// Command dalston-orchestrator runs the control plane: job intake, the
// event-loop reconciler, and the recovery sweeper.
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

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/orchestrator"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.OrchestratorFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dalston-orchestrator: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:  "dalston-orchestrator",
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

	bs, err := blob.NewS3(ctx, cfg.S3)
	if err != nil {
		logger.Error("object store init failed", "err", err)
		return 1
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("catalog load failed", "path", cfg.CatalogPath, "err", err)
		return 1
	}

	orch := orchestrator.New(
		st, bs,
		stream.NewEventLog(rdb),
		stream.NewQueue(rdb),
		stream.NewBus(rdb),
		registry.New(st),
		cat,
		orchestrator.WithLogger(logger),
		orchestrator.WithBehavior(cfg.EngineUnavailable, cfg.EngineWaitTimeout),
	)

	logger.Info("orchestrator starting",
		"catalog", cfg.CatalogPath,
		"engines", len(cat.Engines),
		"unavailable_behavior", cfg.EngineUnavailable)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })

	if cfg.Telemetry.MetricsPort > 0 {
		mux := http.NewServeMux()
		health.New(
			health.Checker{Name: "redis", Check: st.Ping},
			health.Checker{Name: "blob", Check: bs.Ping},
		).Register(mux)
		g.Go(func() error { return serveOps(gctx, cfg.Telemetry.MetricsPort, mux) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited", "err", err)
		return 1
	}
	logger.Info("orchestrator stopped")
	return 0
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// serveOps runs the health/metrics HTTP server until ctx is cancelled.
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
		return fmt.Errorf("ops server: %w", err)
	}
}
