// Package observe provides application-wide observability primitives for
// Dalston: OpenTelemetry metrics, distributed tracing with cross-process
// context propagation, and structured-logging helpers tied to the active
// span.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Dalston metrics.
const meterName = "github.com/dalstonhq/dalston"

// Metrics holds all OpenTelemetry metric instruments for the platform.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TaskDuration tracks engine processing time per task. Use with
	// attributes: attribute.String("stage", ...), attribute.String("engine", ...)
	TaskDuration metric.Float64Histogram

	// ScheduleDuration tracks scheduler latency from ready to enqueued.
	ScheduleDuration metric.Float64Histogram

	// UtteranceDuration tracks real-time transcription latency per
	// endpointed utterance.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// JobsCreated counts accepted job submissions.
	JobsCreated metric.Int64Counter

	// TasksCompleted counts terminal task outcomes. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	TasksCompleted metric.Int64Counter

	// TaskRetries counts retry dispatches scheduled by the event loop.
	TaskRetries metric.Int64Counter

	// StaleClaims counts pending entries claimed from dead consumers.
	StaleClaims metric.Int64Counter

	// EventWriteRetries counts durable-event append retry attempts.
	EventWriteRetries metric.Int64Counter

	// EventsRecovered counts events synthesized by the sweeper.
	EventsRecovered metric.Int64Counter

	// SessionsStarted counts accepted real-time sessions. Use with
	// attribute: attribute.String("model", ...)
	SessionsStarted metric.Int64Counter

	// --- Gauges ---

	// TasksInFlight tracks tasks between dispatch and terminal event.
	TasksInFlight metric.Int64UpDownCounter

	// ActiveSessions tracks live real-time sessions on this worker.
	ActiveSessions metric.Int64UpDownCounter

	// WaitingTasks tracks tasks enqueued while no engine was available.
	WaitingTasks metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// real-time utterances through multi-minute batch stages.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TaskDuration, err = m.Float64Histogram("dalston.task.duration",
		metric.WithDescription("Engine processing time per task by stage and engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScheduleDuration, err = m.Float64Histogram("dalston.schedule.duration",
		metric.WithDescription("Scheduler latency from ready task to enqueued dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("dalston.utterance.duration",
		metric.WithDescription("Real-time transcription latency per endpointed utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsCreated, err = m.Int64Counter("dalston.jobs.created",
		metric.WithDescription("Accepted job submissions."),
	); err != nil {
		return nil, err
	}
	if met.TasksCompleted, err = m.Int64Counter("dalston.tasks.completed",
		metric.WithDescription("Terminal task outcomes by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.TaskRetries, err = m.Int64Counter("dalston.tasks.retries",
		metric.WithDescription("Retry dispatches scheduled by the event loop."),
	); err != nil {
		return nil, err
	}
	if met.StaleClaims, err = m.Int64Counter("dalston.queue.stale_claims",
		metric.WithDescription("Pending entries claimed from dead consumers."),
	); err != nil {
		return nil, err
	}
	if met.EventWriteRetries, err = m.Int64Counter("dalston.events.write_retries",
		metric.WithDescription("Durable event append retry attempts."),
	); err != nil {
		return nil, err
	}
	if met.EventsRecovered, err = m.Int64Counter("dalston.events.recovered",
		metric.WithDescription("Lifecycle events synthesized by the sweeper."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("dalston.sessions.started",
		metric.WithDescription("Accepted real-time sessions by model."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.TasksInFlight, err = m.Int64UpDownCounter("dalston.tasks.in_flight",
		metric.WithDescription("Tasks between dispatch and terminal event."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("dalston.sessions.active",
		metric.WithDescription("Live real-time sessions on this worker."),
	); err != nil {
		return nil, err
	}
	if met.WaitingTasks, err = m.Int64UpDownCounter("dalston.tasks.waiting",
		metric.WithDescription("Tasks enqueued while no engine instance was available."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTaskOutcome records one terminal task outcome with the standard
// attribute set.
func (m *Metrics) RecordTaskOutcome(ctx context.Context, stage, status string) {
	m.TasksCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordTaskDuration records engine processing time for one task.
func (m *Metrics) RecordTaskDuration(ctx context.Context, stage, engineID string, seconds float64) {
	m.TaskDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("engine", engineID),
		),
	)
}
