// Package config loads per-process configuration from the environment.
//
// Each Dalston binary has its own config struct (orchestrator, batch worker,
// real-time worker, router) sharing the Redis, S3, and Telemetry blocks.
// Construction is via the FromEnv functions in env.go; Validate reports every
// problem at once rather than failing on the first.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// UnavailableBehavior selects what the scheduler does when a task's engine
// has no live instance.
type UnavailableBehavior string

const (
	// FailFast rejects the task immediately with a structured error.
	FailFast UnavailableBehavior = "fail_fast"

	// Wait marks the task as waiting, emits a scaler signal, and enqueues
	// anyway in the expectation that an instance will appear.
	Wait UnavailableBehavior = "wait"
)

// IsValid reports whether the behavior is recognized.
func (b UnavailableBehavior) IsValid() bool {
	return b == FailFast || b == Wait
}

// RouterMode selects how the session router hands a client to a worker.
type RouterMode string

const (
	// ModeProxy relays WebSocket frames between client and worker.
	ModeProxy RouterMode = "proxy"

	// ModeRedirect closes the client connection with the worker URL so the
	// client reconnects directly.
	ModeRedirect RouterMode = "redirect"
)

// IsValid reports whether the mode is recognized.
func (m RouterMode) IsValid() bool {
	return m == ModeProxy || m == ModeRedirect
}

// Redis holds connection settings for the coordination store.
type Redis struct {
	// URL is a redis:// connection string.
	URL string
}

func (r Redis) validate() error {
	if r.URL == "" {
		return errors.New("REDIS_URL must be set")
	}
	return nil
}

// S3 holds object-store settings. EndpointURL switches the client to
// path-style addressing for S3-compatible stores (MinIO, localstack).
type S3 struct {
	Bucket          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

func (s S3) validate() error {
	var errs []error
	if s.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET must be set"))
	}
	if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		errs = append(errs, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// Telemetry holds observability settings shared by all binaries.
type Telemetry struct {
	// Enabled turns on trace export. Metrics are always registered; they
	// are only scraped when MetricsPort is serving.
	Enabled bool

	// OTLPEndpoint is the host:port of an OTLP/HTTP trace collector.
	OTLPEndpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// MetricsPort is the /metrics listen port. 0 disables the listener.
	MetricsPort int
}

func (t Telemetry) validate() error {
	if t.Enabled && t.OTLPEndpoint == "" {
		return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT must be set when OTEL_ENABLED is true")
	}
	return nil
}

// Orchestrator configures the dalston-orchestrator process.
type Orchestrator struct {
	Redis     Redis
	S3        S3
	Telemetry Telemetry

	// CatalogPath is the engine catalog YAML file.
	CatalogPath string

	// EngineUnavailable selects fail-fast or wait scheduling.
	EngineUnavailable UnavailableBehavior

	// EngineWaitTimeout bounds how long a waiting task may sit before the
	// sweeper fails it. Only meaningful with the wait behavior.
	EngineWaitTimeout time.Duration

	LogLevel slog.Level
}

// Validate reports every configuration problem joined into one error.
func (c *Orchestrator) Validate() error {
	var errs []error
	errs = append(errs, c.Redis.validate(), c.S3.validate(), c.Telemetry.validate())
	if c.CatalogPath == "" {
		errs = append(errs, errors.New("CATALOG_PATH must be set"))
	}
	if !c.EngineUnavailable.IsValid() {
		errs = append(errs, fmt.Errorf("ENGINE_UNAVAILABLE_BEHAVIOR must be fail_fast or wait, got %q", c.EngineUnavailable))
	}
	if c.EngineUnavailable == Wait && c.EngineWaitTimeout <= 0 {
		errs = append(errs, errors.New("ENGINE_WAIT_TIMEOUT_SECONDS must be positive with the wait behavior"))
	}
	return errors.Join(errs...)
}

// Worker configures a dalston-worker (batch engine host) process.
type Worker struct {
	Redis     Redis
	S3        S3
	Telemetry Telemetry

	// EngineID is the logical engine this process serves. Required; it
	// names the dispatch stream.
	EngineID string

	// InstanceID uniquely identifies this process lifetime and doubles as
	// the stream consumer name. Derived as "{engine}-{uuid}" when not set
	// explicitly.
	InstanceID string

	LogLevel slog.Level
}

// Validate reports every configuration problem joined into one error.
func (c *Worker) Validate() error {
	var errs []error
	errs = append(errs, c.Redis.validate(), c.S3.validate(), c.Telemetry.validate())
	if c.EngineID == "" {
		errs = append(errs, errors.New("ENGINE_ID must be set"))
	}
	if c.InstanceID == "" {
		errs = append(errs, errors.New("INSTANCE_ID missing and not derived"))
	}
	return errors.Join(errs...)
}

// Realtime configures a dalston-realtime (streaming STT worker) process.
type Realtime struct {
	Redis     Redis
	S3        S3
	Telemetry Telemetry

	// EngineID is the logical realtime engine id. Default: realtime-stt.
	EngineID string

	// WorkerID uniquely identifies this process; doubles as the registry
	// instance id.
	WorkerID string

	// WorkerPort is the WebSocket listen port.
	WorkerPort int

	// WorkerEndpoint is the client-reachable WebSocket URL advertised to
	// the router. Derived from WorkerPort when unset.
	WorkerEndpoint string

	// MaxSessions caps concurrent sessions on this worker.
	MaxSessions int

	// ModelVariant is the model this worker serves ("fast", "accurate").
	ModelVariant string

	// Device is the inference device hint ("cpu", "cuda").
	Device string

	// ChunkSize is the VAD chunk duration.
	ChunkSize time.Duration

	LogLevel slog.Level
}

// Validate reports every configuration problem joined into one error.
func (c *Realtime) Validate() error {
	var errs []error
	errs = append(errs, c.Redis.validate(), c.S3.validate(), c.Telemetry.validate())
	if c.WorkerID == "" {
		errs = append(errs, errors.New("WORKER_ID missing and not derived"))
	}
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		errs = append(errs, fmt.Errorf("WORKER_PORT %d out of range", c.WorkerPort))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, errors.New("MAX_SESSIONS must be at least 1"))
	}
	if c.ChunkSize < 10*time.Millisecond || c.ChunkSize > time.Second {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE_MS %v outside 10ms..1s", c.ChunkSize))
	}
	return errors.Join(errs...)
}

// Router configures the dalston-router process.
type Router struct {
	Redis     Redis
	Telemetry Telemetry

	// Port is the client-facing listen port.
	Port int

	// Mode selects proxy or redirect handoff.
	Mode RouterMode

	LogLevel slog.Level
}

// Validate reports every configuration problem joined into one error.
func (c *Router) Validate() error {
	var errs []error
	errs = append(errs, c.Redis.validate(), c.Telemetry.validate())
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("ROUTER_PORT %d out of range", c.Port))
	}
	if !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("ROUTER_MODE must be proxy or redirect, got %q", c.Mode))
	}
	return errors.Join(errs...)
}
