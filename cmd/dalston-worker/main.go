// Command dalston-worker hosts one batch engine: it registers the engine's
// capabilities, consumes its dispatch stream, and runs tasks through the
// engine's process callback.
//
// The binary ships the built-in simulation engines (sim-prepare,
// sim-transcribe, ...) selected by ENGINE_ID; they exercise the full
// pipeline without any model runtime. Production engines are separate
// processes that embed [worker.Runner] with their own [engine.Processor].
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
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/internal/worker"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/engine/enginetest"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.WorkerFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dalston-worker: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	proc, err := builtinProcessor(cfg.EngineID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dalston-worker: %v\n", err)
		return 1
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:  "dalston-worker",
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

	runner := worker.New(
		cfg.EngineID, cfg.InstanceID, proc,
		st, bs,
		stream.NewQueue(rdb),
		stream.NewEventLog(rdb),
		registry.New(st),
		worker.WithLogger(logger),
	)

	logger.Info("worker starting",
		"engine_id", cfg.EngineID,
		"instance_id", cfg.InstanceID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })

	if cfg.Telemetry.MetricsPort > 0 {
		mux := http.NewServeMux()
		health.New(
			health.Checker{Name: "redis", Check: st.Ping},
			health.Checker{Name: "blob", Check: bs.Ping},
		).Register(mux)
		g.Go(func() error { return serveOps(gctx, cfg.Telemetry.MetricsPort, mux) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "err", err)
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

// builtinProcessor maps an engine id to one of the shipped simulation
// engines.
func builtinProcessor(engineID string) (engine.Processor, error) {
	switch engineID {
	case "sim-prepare":
		return &enginetest.Prepare{}, nil
	case "sim-transcribe":
		return &enginetest.Transcribe{}, nil
	case "sim-align":
		return &enginetest.Align{}, nil
	case "sim-diarize":
		return &enginetest.Diarize{}, nil
	case "sim-pii_detect":
		return &enginetest.PIIDetect{}, nil
	case "sim-audio_redact":
		return &enginetest.AudioRedact{}, nil
	case "sim-merge":
		return &enginetest.Merge{}, nil
	}
	return nil, fmt.Errorf("no built-in engine %q; external engines run their own binary", engineID)
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
