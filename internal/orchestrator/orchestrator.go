// Package orchestrator assembles the control plane: job intake, the event
// loop, and the sweeper, wired over one Redis store and one blob store. It is
// the programmatic surface a transport (HTTP, queue consumer) would call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/eventloop"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/pipeline"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/scheduler"
	"github.com/dalstonhq/dalston/internal/selector"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/internal/sweeper"
	"github.com/dalstonhq/dalston/pkg/types"
)

// ErrJobTerminal is returned when an operation targets a job that has already
// been finalized.
var ErrJobTerminal = errors.New("orchestrator: job already terminal")

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the slog logger shared by all assembled components.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// WithMetrics sets the metrics sink shared by all assembled components.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithNow replaces the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithBehavior selects the engine-unavailable scheduling behavior.
func WithBehavior(b config.UnavailableBehavior, waitTimeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.behavior = b
		o.waitTimeout = waitTimeout
	}
}

// WithRetention overrides the terminal-job retention window.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.retention = d
	}
}

// JobRequest is a job submission: the media to process plus pipeline knobs.
type JobRequest struct {
	Media  types.MediaInfo
	Params types.JobParams
}

// JobView is a job plus its current task records, for status queries.
type JobView struct {
	Job   *types.Job
	Tasks []*types.Task
}

// Orchestrator is the assembled control plane. Create one per process; Run
// drives the event loop and sweeper until the context is cancelled.
type Orchestrator struct {
	store    *store.Store
	blob     blob.Store
	selector *selector.Selector
	sched    *scheduler.Scheduler
	loop     *eventloop.Loop
	sweeper  *sweeper.Sweeper

	behavior    config.UnavailableBehavior
	waitTimeout time.Duration
	retention   time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics
	now         func() time.Time
}

// New wires intake, scheduler, event loop, and sweeper over the given stores
// and streams.
func New(st *store.Store, bs blob.Store, events *stream.EventLog, q *stream.Queue, bus *stream.Bus, reg *registry.Registry, cat *catalog.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		blob:     bs,
		behavior: config.FailFast,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.selector = selector.New(reg, cat)
	o.sched = scheduler.New(st, bs, q, bus, reg, cat,
		scheduler.WithBehavior(o.behavior, o.waitTimeout),
		scheduler.WithLogger(o.log),
		scheduler.WithMetrics(o.metrics),
		scheduler.WithNow(o.now))
	o.loop = eventloop.New(st, bs, events, bus, o.sched,
		eventloop.WithLogger(o.log),
		eventloop.WithMetrics(o.metrics),
		eventloop.WithNow(o.now))

	sweepOpts := []sweeper.Option{
		sweeper.WithLogger(o.log),
		sweeper.WithMetrics(o.metrics),
		sweeper.WithNow(o.now),
	}
	if o.retention > 0 {
		sweepOpts = append(sweepOpts, sweeper.WithRetention(o.retention))
	}
	o.sweeper = sweeper.New(st, bs, events, reg, o.loop, sweepOpts...)

	return o
}

// Run drives the event loop and the sweeper until ctx is cancelled. An
// initial sweep reconciles whatever a previous process left behind.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.sweeper.Sweep(ctx); err != nil {
		o.log.Error("startup sweep failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.loop.Run(gctx) })
	g.Go(func() error { return o.sweeper.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CreateJob validates the request, selects engines, plans the task DAG,
// persists everything, and dispatches the root tasks. The returned job is
// RUNNING; progress flows through the event loop from here.
func (o *Orchestrator) CreateJob(ctx context.Context, req JobRequest) (*types.Job, error) {
	if req.Media.URI == "" {
		return nil, errors.New("orchestrator: media uri required")
	}
	params := req.Params
	params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid params: %w", err)
	}

	selections, err := o.selector.SelectForJob(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: engine selection: %w", err)
	}

	now := o.now().UTC()
	media := req.Media
	job := &types.Job{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    types.JobRunning,
		Params:    params,
		Media:     &media,
	}

	tasks, err := pipeline.Plan(job, selections, now)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan pipeline: %w", err)
	}

	if err := o.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("orchestrator: persist job: %w", err)
	}
	if err := o.store.AddActiveJob(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("orchestrator: activate job: %w", err)
	}
	for _, t := range tasks {
		if err := o.store.PutTask(ctx, t, pipeline.TaskTTL(t)); err != nil {
			return nil, fmt.Errorf("orchestrator: persist task %s: %w", t.Name, err)
		}
		if err := o.store.AddJobTask(ctx, job.ID, t.ID); err != nil {
			return nil, fmt.Errorf("orchestrator: index task %s: %w", t.Name, err)
		}
	}

	for _, root := range pipeline.Roots(tasks) {
		if err := o.sched.Schedule(ctx, job, root); err != nil {
			o.failJob(ctx, job, fmt.Sprintf("task %s (%s): %s", root.ID, root.Stage, err))
			return nil, fmt.Errorf("orchestrator: dispatch %s: %w", root.Name, err)
		}
	}

	o.metrics.JobsCreated.Add(ctx, 1)
	o.log.Info("job created",
		"job_id", job.ID, "tasks", len(tasks),
		"language", params.Language, "speaker_detection", params.SpeakerDetection)
	return job, nil
}

// GetJob returns the job and its task records.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ids, err := o.store.JobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: job, Tasks: make([]*types.Task, 0, len(ids))}
	for _, id := range ids {
		task, err := o.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		view.Tasks = append(view.Tasks, task)
	}
	return view, nil
}

// CancelJob moves a job to CANCELLING, sets the cancellation sentinel that
// short-circuits queued work, and finalizes immediately when nothing is in
// flight. Cancelling a terminal job returns [ErrJobTerminal].
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}

	if job.Status != types.JobCancelling {
		job.Status = types.JobCancelling
		job.UpdatedAt = o.now().UTC()
		if err := o.store.PutJob(ctx, job); err != nil {
			return fmt.Errorf("orchestrator: mark cancelling: %w", err)
		}
	}
	if err := o.store.SetCancelled(ctx, jobID); err != nil {
		return fmt.Errorf("orchestrator: set cancel sentinel: %w", err)
	}
	o.log.Info("job cancellation requested", "job_id", jobID)

	if _, err := o.loop.TryFinalizeCancelled(ctx, jobID); err != nil {
		return fmt.Errorf("orchestrator: finalize cancel: %w", err)
	}
	return nil
}

// Handle applies one lifecycle event synchronously. Exposed for transports
// that consume events outside Run (tests, embedded setups).
func (o *Orchestrator) Handle(ctx context.Context, ev types.Event) error {
	return o.loop.Handle(ctx, ev)
}

// Sweep runs one sweeper pass synchronously. Exposed for tests and
// operational tooling.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	return o.sweeper.Sweep(ctx)
}

// failJob finalizes a job that could not even start.
func (o *Orchestrator) failJob(ctx context.Context, job *types.Job, msg string) {
	job.Status = types.JobFailed
	job.Error = msg
	job.UpdatedAt = o.now().UTC()
	if err := o.store.PutJob(ctx, job); err != nil {
		o.log.Error("failed-job persist failed", "job_id", job.ID, "err", err)
		return
	}
	_ = o.store.SetCancelled(ctx, job.ID)
	_ = o.store.RemoveActiveJob(ctx, job.ID)
	_ = o.store.AddTerminalJob(ctx, job.ID)
}
