// Command dalston-realtime runs one streaming transcription worker: it
// serves WebSocket sessions against a local transcriber and advertises its
// capacity through the registry so the router can steer clients to it.
//
// Without a model runtime the binary serves the simulation transcriber,
// which is enough to exercise VAD endpointing, the wire protocol, and the
// router end to end.
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
	"github.com/dalstonhq/dalston/internal/realtime"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/pkg/engine/enginetest"
	"github.com/dalstonhq/dalston/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.RealtimeFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dalston-realtime: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:  "dalston-realtime",
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

	srv := realtime.New(
		cfg,
		&enginetest.Stream{},
		vad.NewEnergy(),
		bs,
		registry.New(st),
		realtime.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", srv.Handler())
	health.New(
		health.Checker{Name: "redis", Check: st.Ping},
		health.Checker{Name: "blob", Check: bs.Ping},
	).Register(mux)

	logger.Info("realtime worker starting",
		"engine_id", cfg.EngineID,
		"worker_id", cfg.WorkerID,
		"port", cfg.WorkerPort,
		"max_sessions", cfg.MaxSessions,
		"model", cfg.ModelVariant)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return serveOps(gctx, cfg.WorkerPort, mux) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("realtime worker exited", "err", err)
		return 1
	}
	logger.Info("realtime worker stopped")
	return 0
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// serveOps runs the session/health HTTP server until ctx is cancelled.
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
