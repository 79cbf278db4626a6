package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// envString returns the named variable or def when unset/empty.
func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// envInt parses the named variable as an int, or returns def when unset.
func envInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

// envBool parses the named variable as a boolean, or returns def when unset.
func envBool(name string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", name, err)
	}
	return b, nil
}

// envLevel parses LOG_LEVEL ("debug", "info", "warn", "error").
func envLevel() (slog.Level, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	switch v {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: LOG_LEVEL: unknown level %q", v)
}

func redisFromEnv() Redis {
	return Redis{URL: envString("REDIS_URL", "redis://localhost:6379/0")}
}

func s3FromEnv() S3 {
	return S3{
		Bucket:          os.Getenv("S3_BUCKET"),
		Region:          envString("S3_REGION", "us-east-1"),
		EndpointURL:     os.Getenv("S3_ENDPOINT_URL"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

func telemetryFromEnv() (Telemetry, error) {
	enabled, err := envBool("OTEL_ENABLED", false)
	if err != nil {
		return Telemetry{}, err
	}
	insecure, err := envBool("OTEL_INSECURE", false)
	if err != nil {
		return Telemetry{}, err
	}
	port, err := envInt("METRICS_PORT", 0)
	if err != nil {
		return Telemetry{}, err
	}
	return Telemetry{
		Enabled:      enabled,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:     insecure,
		MetricsPort:  port,
	}, nil
}

// OrchestratorFromEnv builds and validates an [Orchestrator] config.
func OrchestratorFromEnv() (*Orchestrator, error) {
	tel, err := telemetryFromEnv()
	if err != nil {
		return nil, err
	}
	level, err := envLevel()
	if err != nil {
		return nil, err
	}
	waitSecs, err := envInt("ENGINE_WAIT_TIMEOUT_SECONDS", 300)
	if err != nil {
		return nil, err
	}

	cfg := &Orchestrator{
		Redis:             redisFromEnv(),
		S3:                s3FromEnv(),
		Telemetry:         tel,
		CatalogPath:       envString("CATALOG_PATH", "engines.yaml"),
		EngineUnavailable: UnavailableBehavior(envString("ENGINE_UNAVAILABLE_BEHAVIOR", string(FailFast))),
		EngineWaitTimeout: time.Duration(waitSecs) * time.Second,
		LogLevel:          level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// WorkerFromEnv builds and validates a [Worker] config. INSTANCE_ID is
// derived from ENGINE_ID plus a fresh UUID when not supplied, giving every
// process lifetime a unique consumer name.
func WorkerFromEnv() (*Worker, error) {
	tel, err := telemetryFromEnv()
	if err != nil {
		return nil, err
	}
	level, err := envLevel()
	if err != nil {
		return nil, err
	}

	engineID := os.Getenv("ENGINE_ID")
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" && engineID != "" {
		instanceID = engineID + "-" + uuid.NewString()
	}

	cfg := &Worker{
		Redis:      redisFromEnv(),
		S3:         s3FromEnv(),
		Telemetry:  tel,
		EngineID:   engineID,
		InstanceID: instanceID,
		LogLevel:   level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// RealtimeFromEnv builds and validates a [Realtime] config.
func RealtimeFromEnv() (*Realtime, error) {
	tel, err := telemetryFromEnv()
	if err != nil {
		return nil, err
	}
	level, err := envLevel()
	if err != nil {
		return nil, err
	}
	port, err := envInt("WORKER_PORT", 8090)
	if err != nil {
		return nil, err
	}
	maxSessions, err := envInt("MAX_SESSIONS", 4)
	if err != nil {
		return nil, err
	}
	chunkMs, err := envInt("CHUNK_SIZE_MS", 100)
	if err != nil {
		return nil, err
	}

	engineID := envString("ENGINE_ID", "realtime-stt")
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = engineID + "-" + uuid.NewString()
	}
	endpoint := envString("WORKER_ENDPOINT", fmt.Sprintf("ws://localhost:%d/v1/realtime", port))

	cfg := &Realtime{
		Redis:          redisFromEnv(),
		S3:             s3FromEnv(),
		Telemetry:      tel,
		EngineID:       engineID,
		WorkerID:       workerID,
		WorkerPort:     port,
		WorkerEndpoint: endpoint,
		MaxSessions:    maxSessions,
		ModelVariant:   envString("MODEL_VARIANT", "fast"),
		Device:         envString("DEVICE", "cpu"),
		ChunkSize:      time.Duration(chunkMs) * time.Millisecond,
		LogLevel:       level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// RouterFromEnv builds and validates a [Router] config.
func RouterFromEnv() (*Router, error) {
	tel, err := telemetryFromEnv()
	if err != nil {
		return nil, err
	}
	level, err := envLevel()
	if err != nil {
		return nil, err
	}
	port, err := envInt("ROUTER_PORT", 8080)
	if err != nil {
		return nil, err
	}

	cfg := &Router{
		Redis:     redisFromEnv(),
		Telemetry: tel,
		Port:      port,
		Mode:      RouterMode(envString("ROUTER_MODE", string(ModeProxy))),
		LogLevel:  level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
