// Package scheduler turns a READY task into a dispatched one: catalog
// pre-flight, registry availability check, metadata write, input.json build,
// and the stream append. Partial failure is tolerated — the event loop and
// sweeper reconcile whatever half-state a crash leaves behind.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/pipeline"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/pkg/types"
)

// EngineUnavailableError reports that a task's engine has no live instance
// and the fail-fast behavior is configured.
type EngineUnavailableError struct {
	EngineID string
	Stage    types.Stage
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("scheduler: no live instance of engine %s for stage %s", e.EngineID, e.Stage)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithBehavior sets the engine-unavailable policy. waitTimeout bounds how
// long a waiting task may sit before the sweeper fails it; only meaningful
// with [config.Wait].
func WithBehavior(b config.UnavailableBehavior, waitTimeout time.Duration) Option {
	return func(s *Scheduler) {
		s.behavior = b
		s.waitTimeout = waitTimeout
	}
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithNow replaces the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler dispatches ready tasks to engine streams.
type Scheduler struct {
	store    taskStore
	blob     blob.Store
	queue    *stream.Queue
	bus      *stream.Bus
	registry *registry.Registry
	catalog  *catalog.Catalog

	behavior    config.UnavailableBehavior
	waitTimeout time.Duration

	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// taskStore is the slice of the metadata store the scheduler uses.
type taskStore interface {
	PutTask(ctx context.Context, t *types.Task, ttl time.Duration) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	JobTasks(ctx context.Context, jobID string) ([]string, error)
	MarkWaiting(ctx context.Context, taskID string) error
}

// New returns a scheduler. Default behavior is fail-fast.
func New(st taskStore, bs blob.Store, q *stream.Queue, bus *stream.Bus, reg *registry.Registry, cat *catalog.Catalog, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		blob:     bs,
		queue:    q,
		bus:      bus,
		registry: reg,
		catalog:  cat,
		behavior: config.FailFast,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule dispatches a task for its first attempt.
func (s *Scheduler) Schedule(ctx context.Context, job *types.Job, task *types.Task) error {
	return s.schedule(ctx, job, task, "dispatch:"+task.ID)
}

// Reschedule dispatches a retry attempt. The attempt-scoped idempotency key
// lets the event loop re-enqueue safely even when its own event handling is
// redelivered.
func (s *Scheduler) Reschedule(ctx context.Context, job *types.Job, task *types.Task, attempt int) error {
	return s.schedule(ctx, job, task, fmt.Sprintf("retry:%s:%d", task.ID, attempt))
}

func (s *Scheduler) schedule(ctx context.Context, job *types.Job, task *types.Task, idemKey string) error {
	started := s.now()

	// Pre-flight: the catalog must prove the stage-language pair is servable
	// at all before anything is written.
	if err := s.catalog.ValidateLanguageSupport(task.Stage, job.Params.Language); err != nil {
		return err
	}

	if err := s.checkEngine(ctx, task); err != nil {
		return err
	}

	task.Status = types.TaskQueued
	task.UpdatedAt = s.now().UTC()
	task.InputURI = blob.TaskInputKey(job.ID, task.ID)
	if err := s.store.PutTask(ctx, task, pipeline.TaskTTL(task)); err != nil {
		return fmt.Errorf("scheduler: write task %s: %w", task.ID, err)
	}

	input, err := s.buildInput(ctx, job, task)
	if err != nil {
		return err
	}
	if err := s.blob.PutJSON(ctx, task.InputURI, input); err != nil {
		return fmt.Errorf("scheduler: write input for task %s: %w", task.ID, err)
	}

	msg := types.DispatchMessage{
		TaskID:         task.ID,
		JobID:          job.ID,
		EnqueuedAt:     s.now().UTC(),
		IdempotencyKey: idemKey,
		TraceContext:   observe.InjectTraceContext(ctx),
	}
	id, err := s.queue.Enqueue(ctx, task.EngineID, msg)
	if err != nil {
		return fmt.Errorf("scheduler: enqueue task %s: %w", task.ID, err)
	}

	stageAttr := metric.WithAttributes(observe.Attr("stage", string(task.Stage)))
	s.metrics.ScheduleDuration.Record(ctx, s.now().Sub(started).Seconds(), stageAttr)
	s.metrics.TasksInFlight.Add(ctx, 1, stageAttr)

	s.log.Info("task dispatched",
		"task_id", task.ID,
		"job_id", job.ID,
		"stage", task.Stage,
		"engine_id", task.EngineID,
		"stream_id", id)
	return nil
}

// checkEngine verifies a live instance exists, applying the configured
// unavailable behavior when none does.
func (s *Scheduler) checkEngine(ctx context.Context, task *types.Task) error {
	instances, err := s.registry.ListByEngine(ctx, task.EngineID)
	if err != nil {
		return fmt.Errorf("scheduler: list instances of %s: %w", task.EngineID, err)
	}
	for i := range instances {
		if s.registry.Available(&instances[i]) {
			return nil
		}
	}

	if s.behavior == config.FailFast {
		return &EngineUnavailableError{EngineID: task.EngineID, Stage: task.Stage}
	}

	// Wait policy: signal the scaler, mark the task, enqueue anyway.
	s.bus.SignalEngineNeeded(ctx, stream.EngineNeededSignal{
		EngineID: task.EngineID,
		Stage:    task.Stage,
		TaskID:   task.ID,
		JobID:    task.JobID,
	})
	now := s.now().UTC()
	task.WaitingSince = now
	task.WaitDeadline = now.Add(s.waitTimeout)
	if err := s.store.MarkWaiting(ctx, task.ID); err != nil {
		s.log.Warn("waiting marker write failed", "task_id", task.ID, "err", err)
	}
	s.metrics.WaitingTasks.Add(ctx, 1)
	s.log.Warn("no live engine instance, task enqueued as waiting",
		"task_id", task.ID,
		"engine_id", task.EngineID,
		"deadline", task.WaitDeadline)
	return nil
}

// buildInput assembles the input.json payload. Prepare gets the source
// media; downstream stages get the prepared audio URI (channel-specific for
// fan-out branches) plus the outputs of every completed upstream task, keyed
// by task name. Direct dependencies are required; the rest ride along so
// stages that consume more than their direct dependency (diarize and merge
// read the transcript, audio_redact reads the prepared channel URIs) see the
// full upstream context.
func (s *Scheduler) buildInput(ctx context.Context, job *types.Job, task *types.Task) (*types.TaskInputFile, error) {
	input := &types.TaskInputFile{
		TaskID: task.ID,
		JobID:  job.ID,
		Config: task.Config,
	}
	if task.Stage == types.StagePrepare {
		input.Media = job.Media
		return input, nil
	}

	input.PreviousOutputs = make(map[string]types.StageOutput, len(task.DependsOn)+1)
	for _, depID := range task.DependsOn {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load dependency %s of task %s: %w", depID, task.ID, err)
		}
		var out types.TaskOutputFile
		if err := s.blob.GetJSON(ctx, blob.TaskOutputKey(job.ID, depID), &out); err != nil {
			return nil, fmt.Errorf("scheduler: load output of dependency %s: %w", depID, err)
		}
		input.PreviousOutputs[dep.Name] = out.Data
	}

	ids, err := s.store.JobTasks(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks of job %s: %w", job.ID, err)
	}
	for _, id := range ids {
		t, err := s.store.GetTask(ctx, id)
		if err != nil || t.Status != types.TaskCompleted {
			continue
		}
		if _, ok := input.PreviousOutputs[t.Name]; ok {
			continue
		}
		var out types.TaskOutputFile
		if err := s.blob.GetJSON(ctx, blob.TaskOutputKey(job.ID, id), &out); err != nil {
			continue // tolerated: not a direct dependency
		}
		input.PreviousOutputs[t.Name] = out.Data
	}

	if prep := prepareOutput(input.PreviousOutputs); prep != nil {
		switch {
		case task.Channel >= 0 && task.Channel < len(prep.ChannelURIs):
			input.AudioURI = prep.ChannelURIs[task.Channel]
		default:
			input.AudioURI = prep.AudioURI
		}
	}
	return input, nil
}

// prepareOutput finds the prepare payload among the collected upstream
// outputs. Nil when prepare has not completed (tolerated; the worker may not
// need audio).
func prepareOutput(previous map[string]types.StageOutput) *types.PrepareOutput {
	for _, out := range previous {
		if out.Prepare != nil {
			return out.Prepare
		}
	}
	return nil
}
