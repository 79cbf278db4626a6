// Package sweeper is the crash-recovery scan: a periodic pass over active
// jobs that turns ground truth in the object store into the lifecycle events
// a crashed worker failed to deliver. Events carry Recovered=true and flow
// through the normal event log, so the reconciler treats them like any
// worker report.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/pkg/types"
)

const (
	// sweepInterval is the base scan cadence; each tick is jittered by up to
	// jitterFraction so multiple orchestrators do not scan in lockstep.
	sweepInterval  = 30 * time.Second
	jitterFraction = 0.2

	// defaultRetention is how long finalized jobs keep their metadata before
	// reaping.
	defaultRetention = 24 * time.Hour
)

// Finalizer finalizes CANCELLING jobs with no in-flight tasks. Implemented
// by the event loop.
type Finalizer interface {
	TryFinalizeCancelled(ctx context.Context, jobID string) (bool, error)
}

// Option configures a [Sweeper].
type Option func(*Sweeper)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithNow replaces the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithRetention overrides the terminal-job retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		s.retention = d
	}
}

// WithInterval overrides the scan cadence. Tests only.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// Sweeper scans for stranded tasks, expired waits, stuck cancellations, and
// reapable jobs.
type Sweeper struct {
	store     *store.Store
	blob      blob.Store
	events    *stream.EventLog
	registry  *registry.Registry
	finalizer Finalizer

	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time
}

// New returns a sweeper.
func New(st *store.Store, bs blob.Store, events *stream.EventLog, reg *registry.Registry, fin Finalizer, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		blob:      bs,
		events:    events,
		registry:  reg,
		finalizer: fin,
		interval:  sweepInterval,
		retention: defaultRetention,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps on a jittered ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		jitter := time.Duration(rand.Float64() * jitterFraction * float64(s.interval))
		timer := time.NewTimer(s.interval + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep pass failed", "err", err)
		}
	}
}

// Sweep runs one full pass. Exported for tests and for an initial sweep at
// orchestrator startup.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs []error
	errs = append(errs, s.sweepActiveJobs(ctx))
	errs = append(errs, s.sweepWaiting(ctx))
	errs = append(errs, s.reapTerminal(ctx))
	return errors.Join(errs...)
}

func (s *Sweeper) sweepActiveJobs(ctx context.Context) error {
	jobIDs, err := s.store.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("sweeper: list active jobs: %w", err)
	}

	for _, jobID := range jobIDs {
		job, err := s.store.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			// Record gone but index member survived a partial finalize.
			_ = s.store.RemoveActiveJob(ctx, jobID)
			continue
		}
		if err != nil {
			return fmt.Errorf("sweeper: load job %s: %w", jobID, err)
		}

		if job.Status == types.JobCancelling {
			if _, err := s.finalizer.TryFinalizeCancelled(ctx, jobID); err != nil {
				s.log.Error("cancel finalize failed", "job_id", jobID, "err", err)
			}
			continue
		}
		if err := s.sweepJobTasks(ctx, job); err != nil {
			s.log.Error("task sweep failed", "job_id", jobID, "err", err)
		}
	}
	return nil
}

// sweepJobTasks recovers tasks whose worker died mid-flight. A task is
// suspect once its record has not been touched for longer than its timeout.
// The output blob is the ground truth: present means the work finished and
// only the event was lost; absent plus no live instance working on it means
// the attempt died.
func (s *Sweeper) sweepJobTasks(ctx context.Context, job *types.Job) error {
	ids, err := s.store.JobTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("sweeper: list tasks of job %s: %w", job.ID, err)
	}

	now := s.now()
	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sweeper: load task %s: %w", id, err)
		}
		if task.Status.IsTerminal() || task.Status == types.TaskPending {
			continue
		}
		if !task.WaitDeadline.IsZero() {
			continue // waiting tasks have their own deadline scan
		}
		if now.Sub(task.UpdatedAt) <= task.Timeout {
			continue
		}

		exists, err := s.blob.Exists(ctx, blob.TaskOutputKey(job.ID, task.ID))
		if err != nil {
			s.log.Warn("output probe failed", "task_id", task.ID, "err", err)
			continue
		}
		if exists {
			s.log.Info("recovered task: output present, completion event lost",
				"task_id", task.ID, "job_id", job.ID, "recovered", true)
			s.synthesize(ctx, types.Event{
				Type: types.EventTaskCompleted, TaskID: task.ID, JobID: job.ID,
				EngineID: task.EngineID, Timestamp: now.UTC(), Recovered: true,
			})
			continue
		}

		if s.instanceStillWorking(ctx, task) {
			continue // slow, not dead
		}
		s.log.Warn("recovered task: stranded attempt failed",
			"task_id", task.ID, "job_id", job.ID, "recovered", true,
			"age", now.Sub(task.UpdatedAt), "timeout", task.Timeout)
		s.synthesize(ctx, types.Event{
			Type: types.EventTaskFailed, TaskID: task.ID, JobID: job.ID,
			EngineID: task.EngineID, Timestamp: now.UTC(), Recovered: true,
			Error: "stranded: no completion within timeout and no live worker",
		})
	}
	return nil
}

// instanceStillWorking reports whether a live instance claims the task.
func (s *Sweeper) instanceStillWorking(ctx context.Context, task *types.Task) bool {
	if task.InstanceID == "" {
		return false
	}
	inst, err := s.registry.Get(ctx, task.InstanceID)
	if err != nil {
		return false
	}
	return s.registry.Available(inst) && inst.CurrentTask == task.ID
}

// sweepWaiting fails tasks whose engine never appeared before the wait
// deadline.
func (s *Sweeper) sweepWaiting(ctx context.Context) error {
	ids, err := s.store.WaitingTasks(ctx)
	if err != nil {
		return fmt.Errorf("sweeper: list waiting tasks: %w", err)
	}

	now := s.now()
	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			_ = s.store.ClearWaiting(ctx, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("sweeper: load waiting task %s: %w", id, err)
		}
		if task.Status.IsTerminal() || task.WaitDeadline.IsZero() || now.Before(task.WaitDeadline) {
			continue
		}

		s.log.Warn("waiting task expired, failing",
			"task_id", task.ID, "job_id", task.JobID,
			"engine_id", task.EngineID, "deadline", task.WaitDeadline)
		s.synthesize(ctx, types.Event{
			Type: types.EventTaskFailed, TaskID: task.ID, JobID: task.JobID,
			EngineID: task.EngineID, Timestamp: now.UTC(), Recovered: true,
			Error: fmt.Sprintf("no instance of engine %s became available", task.EngineID),
		})
		_ = s.store.ClearWaiting(ctx, id)
	}
	return nil
}

// reapTerminal deletes metadata of finalized jobs past retention.
func (s *Sweeper) reapTerminal(ctx context.Context) error {
	ids, err := s.store.TerminalJobs(ctx)
	if err != nil {
		return fmt.Errorf("sweeper: list terminal jobs: %w", err)
	}

	now := s.now()
	for _, jobID := range ids {
		job, err := s.store.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			_ = s.store.RemoveTerminalJob(ctx, jobID)
			continue
		}
		if err != nil {
			return fmt.Errorf("sweeper: load terminal job %s: %w", jobID, err)
		}
		if !job.Status.IsTerminal() || now.Sub(job.UpdatedAt) < s.retention {
			continue
		}

		taskIDs, err := s.store.JobTasks(ctx, jobID)
		if err != nil {
			return fmt.Errorf("sweeper: list tasks of job %s: %w", jobID, err)
		}
		for _, id := range taskIDs {
			if err := s.store.DeleteTask(ctx, id); err != nil {
				s.log.Warn("task reap failed", "task_id", id, "err", err)
			}
		}
		if err := s.store.DeleteJob(ctx, jobID); err != nil {
			s.log.Warn("job reap failed", "job_id", jobID, "err", err)
			continue
		}
		_ = s.store.RemoveTerminalJob(ctx, jobID)
		_ = s.store.RemoveActiveJob(ctx, jobID)
		s.log.Info("reaped terminal job", "job_id", jobID, "status", job.Status)
	}
	return nil
}

// synthesize appends a recovered event to the durable log. Blob state is
// untouched; the reconciler applies the transition.
func (s *Sweeper) synthesize(ctx context.Context, ev types.Event) {
	if err := s.events.Append(ctx, ev); err != nil {
		s.log.Error("synthesized event append failed",
			"type", ev.Type, "task_id", ev.TaskID, "err", err)
		return
	}
	s.metrics.EventsRecovered.Add(ctx, 1)
}
