// Package eventloop is the authoritative reconciler: the single consumer of
// the durable event log. It applies task lifecycle transitions, schedules
// tasks whose dependencies just completed, and finalizes jobs.
//
// Every handler is idempotent — ACK happens only after state is written, so
// a crash between handling and ACK replays the event, and the replay must be
// a no-op.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/scheduler"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/pkg/types"
)

const (
	consumeCount = 16
	consumeBlock = time.Second
)

// Option configures a [Loop].
type Option func(*Loop)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		lp.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(lp *Loop) {
		lp.metrics = m
	}
}

// WithNow replaces the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(lp *Loop) {
		lp.now = now
	}
}

// WithConsumer sets the consumer name within the orchestrator group.
func WithConsumer(name string) Option {
	return func(lp *Loop) {
		lp.consumer = name
	}
}

// Loop consumes the event log and reconciles task and job state.
type Loop struct {
	store  *store.Store
	blob   blob.Store
	events *stream.EventLog
	bus    *stream.Bus
	sched  *scheduler.Scheduler

	consumer string
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time
}

// New returns an event loop.
func New(st *store.Store, bs blob.Store, events *stream.EventLog, bus *stream.Bus, sched *scheduler.Scheduler, opts ...Option) *Loop {
	l := &Loop{
		store:    st,
		blob:     bs,
		events:   events,
		bus:      bus,
		sched:    sched,
		consumer: "orchestrator-1",
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run consumes events until ctx is cancelled. A handler error leaves the
// event unacknowledged; it is replayed from the pending list on the next
// startup.
func (l *Loop) Run(ctx context.Context) error {
	// Drain deliveries left unacknowledged by a previous incarnation.
	pending, err := l.events.ConsumePending(ctx, l.consumer, consumeCount)
	if err != nil {
		return fmt.Errorf("eventloop: read pending: %w", err)
	}
	if len(pending) > 0 {
		l.log.Info("replaying unacknowledged events", "count", len(pending))
		l.dispatch(ctx, pending)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliveries, err := l.events.Consume(ctx, l.consumer, consumeCount, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("event consume failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		l.dispatch(ctx, deliveries)
	}
}

func (l *Loop) dispatch(ctx context.Context, deliveries []stream.Delivery) {
	for _, d := range deliveries {
		if err := l.Handle(ctx, d.Event); err != nil {
			l.log.Error("event handling failed, left unacked",
				"type", d.Event.Type, "task_id", d.Event.TaskID, "err", err)
			continue
		}
		if err := l.events.Ack(ctx, d.ID); err != nil {
			l.log.Warn("event ack failed", "id", d.ID, "err", err)
		}
	}
}

// Handle applies one event. Exported for tests and for synthetic sweeper
// events injected without a stream round-trip.
func (l *Loop) Handle(ctx context.Context, ev types.Event) error {
	switch ev.Type {
	case types.EventTaskStarted:
		return l.handleStarted(ctx, ev)
	case types.EventTaskCompleted:
		return l.handleCompleted(ctx, ev)
	case types.EventTaskFailed:
		return l.handleFailed(ctx, ev)
	case types.EventTaskCancelled:
		return l.handleCancelled(ctx, ev)
	default:
		l.log.Warn("unknown event type, dropping", "type", ev.Type, "task_id", ev.TaskID)
		return nil
	}
}

func (l *Loop) handleStarted(ctx context.Context, ev types.Event) error {
	task, err := l.loadTask(ctx, ev.TaskID)
	if task == nil {
		return err
	}
	if task.Status.IsTerminal() || task.Status == types.TaskRunning {
		return nil
	}

	task.Status = types.TaskRunning
	task.InstanceID = ev.InstanceID
	task.WaitingSince = time.Time{}
	task.WaitDeadline = time.Time{}
	task.UpdatedAt = l.now().UTC()
	if err := l.store.PutTask(ctx, task, 0); err != nil {
		return fmt.Errorf("eventloop: task %s started: %w", task.ID, err)
	}
	if err := l.store.ClearWaiting(ctx, task.ID); err != nil {
		l.log.Warn("waiting marker clear failed", "task_id", task.ID, "err", err)
	}
	l.log.Info("task running", "task_id", task.ID, "job_id", task.JobID,
		"stage", task.Stage, "instance_id", ev.InstanceID)
	return nil
}

func (l *Loop) handleCompleted(ctx context.Context, ev types.Event) error {
	task, err := l.loadTask(ctx, ev.TaskID)
	if task == nil {
		return err
	}
	if task.Status == types.TaskCompleted {
		return nil // replay
	}

	task.Status = types.TaskCompleted
	task.OutputURI = blob.TaskOutputKey(task.JobID, task.ID)
	task.Error = ""
	task.WaitingSince = time.Time{}
	task.WaitDeadline = time.Time{}
	task.UpdatedAt = l.now().UTC()
	if err := l.store.PutTask(ctx, task, 0); err != nil {
		return fmt.Errorf("eventloop: task %s completed: %w", task.ID, err)
	}
	if err := l.store.ClearWaiting(ctx, task.ID); err != nil {
		l.log.Warn("waiting marker clear failed", "task_id", task.ID, "err", err)
	}

	l.metrics.RecordTaskOutcome(ctx, string(task.Stage), "completed")
	l.metrics.TasksInFlight.Add(ctx, -1,
		metric.WithAttributes(observe.Attr("stage", string(task.Stage))))
	if ev.Recovered {
		l.log.Info("recovered task completion applied",
			"task_id", task.ID, "job_id", task.JobID, "recovered", true)
	}

	job, err := l.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Warn("completed task belongs to unknown job", "task_id", task.ID, "job_id", task.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventloop: load job %s: %w", task.JobID, err)
	}

	if cancelled, _ := l.store.IsCancelled(ctx, job.ID); cancelled || job.Status == types.JobCancelling {
		_, err := l.TryFinalizeCancelled(ctx, job.ID)
		return err
	}

	tasks, err := l.jobTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := l.scheduleReadyDependents(ctx, job, tasks); err != nil {
		return err
	}
	return l.maybeFinalizeCompleted(ctx, job, tasks)
}

// handleCancelled applies a worker's cancel short-circuit: the dispatch was
// consumed without running, so the task goes terminal here and the job gets
// a finalization attempt.
func (l *Loop) handleCancelled(ctx context.Context, ev types.Event) error {
	task, err := l.loadTask(ctx, ev.TaskID)
	if task == nil {
		return err
	}
	if !task.Status.IsTerminal() {
		task.Status = types.TaskCancelled
		task.UpdatedAt = l.now().UTC()
		if err := l.store.PutTask(ctx, task, 0); err != nil {
			return fmt.Errorf("eventloop: cancel task %s: %w", task.ID, err)
		}
		if err := l.store.ClearWaiting(ctx, task.ID); err != nil {
			l.log.Warn("waiting marker clear failed", "task_id", task.ID, "err", err)
		}
	}
	_, err = l.TryFinalizeCancelled(ctx, task.JobID)
	return err
}

func (l *Loop) handleFailed(ctx context.Context, ev types.Event) error {
	task, err := l.loadTask(ctx, ev.TaskID)
	if task == nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil // replay
	}

	if cancelled, _ := l.store.IsCancelled(ctx, task.JobID); cancelled {
		task.Status = types.TaskCancelled
		task.UpdatedAt = l.now().UTC()
		if err := l.store.PutTask(ctx, task, 0); err != nil {
			return fmt.Errorf("eventloop: cancel task %s: %w", task.ID, err)
		}
		_, err := l.TryFinalizeCancelled(ctx, task.JobID)
		return err
	}

	if task.Retries < task.MaxRetries {
		return l.retryTask(ctx, task, ev)
	}

	job, err := l.store.GetJob(ctx, task.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("eventloop: load job %s: %w", task.JobID, err)
	}
	return l.failTask(ctx, job, task, ev.Error)
}

// retryTask re-dispatches a failed task under an attempt-scoped idempotency
// key. A rescheduling failure (engine gone, catalog regression) ends the
// retry ladder immediately.
func (l *Loop) retryTask(ctx context.Context, task *types.Task, ev types.Event) error {
	job, err := l.store.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("eventloop: load job %s: %w", task.JobID, err)
	}

	task.Retries++
	task.Error = ev.Error
	task.InstanceID = ""
	l.metrics.TaskRetries.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("stage", string(task.Stage))))
	l.log.Warn("task failed, retrying",
		"task_id", task.ID, "job_id", task.JobID, "stage", task.Stage,
		"attempt", task.Retries, "max_retries", task.MaxRetries, "err", ev.Error)

	if err := l.sched.Reschedule(ctx, job, task, task.Retries); err != nil {
		l.log.Error("reschedule failed, failing task", "task_id", task.ID, "err", err)
		return l.failTask(ctx, job, task, ev.Error+"; reschedule: "+err.Error())
	}
	return nil
}

// failTask marks the task FAILED terminally and fails the job with the first
// failure's error. The cancellation sentinel short-circuits sibling tasks
// still in flight.
func (l *Loop) failTask(ctx context.Context, job *types.Job, task *types.Task, msg string) error {
	task.Status = types.TaskFailed
	task.Error = msg
	task.UpdatedAt = l.now().UTC()
	if err := l.store.PutTask(ctx, task, 0); err != nil {
		return fmt.Errorf("eventloop: task %s failed: %w", task.ID, err)
	}
	if err := l.store.ClearWaiting(ctx, task.ID); err != nil {
		l.log.Warn("waiting marker clear failed", "task_id", task.ID, "err", err)
	}
	l.metrics.RecordTaskOutcome(ctx, string(task.Stage), "failed")
	l.metrics.TasksInFlight.Add(ctx, -1,
		metric.WithAttributes(observe.Attr("stage", string(task.Stage))))

	if job == nil || job.Status.IsTerminal() {
		return nil
	}

	job.Status = types.JobFailed
	if job.Error == "" {
		job.Error = fmt.Sprintf("task %s (%s): %s", task.Name, task.Stage, msg)
	}
	job.UpdatedAt = l.now().UTC()
	if err := l.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("eventloop: fail job %s: %w", job.ID, err)
	}
	if err := l.store.SetCancelled(ctx, job.ID); err != nil {
		l.log.Warn("cancel sentinel write failed", "job_id", job.ID, "err", err)
	}
	l.retireJob(ctx, job)
	l.enqueueWebhook(ctx, job)

	l.log.Error("job failed", "job_id", job.ID, "task_id", task.ID, "err", msg)
	return nil
}

// retireJob moves a finalized job from the active index to the retention
// index the sweeper reaps from.
func (l *Loop) retireJob(ctx context.Context, job *types.Job) {
	if err := l.store.RemoveActiveJob(ctx, job.ID); err != nil {
		l.log.Warn("active set removal failed", "job_id", job.ID, "err", err)
	}
	if err := l.store.AddTerminalJob(ctx, job.ID); err != nil {
		l.log.Warn("retention index write failed", "job_id", job.ID, "err", err)
	}
}

// scheduleReadyDependents dispatches every PENDING task whose full
// dependency set is COMPLETED.
func (l *Loop) scheduleReadyDependents(ctx context.Context, job *types.Job, tasks map[string]*types.Task) error {
	for _, t := range tasks {
		if t.Status != types.TaskPending || !depsCompleted(t, tasks) {
			continue
		}
		t.Status = types.TaskReady
		if err := l.sched.Schedule(ctx, job, t); err != nil {
			// Scheduling errors are structural (catalog, availability), not
			// transient; retrying the same call cannot help.
			return l.failTask(ctx, job, t, err.Error())
		}
	}
	return nil
}

func depsCompleted(t *types.Task, tasks map[string]*types.Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := tasks[depID]
		if !ok || dep.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// maybeFinalizeCompleted completes the job once every task is COMPLETED:
// transcript written from the merge output, webhook enqueued, job dropped
// from the active set.
func (l *Loop) maybeFinalizeCompleted(ctx context.Context, job *types.Job, tasks map[string]*types.Task) error {
	var merge *types.Task
	for _, t := range tasks {
		if t.Status != types.TaskCompleted {
			return nil
		}
		if t.Stage == types.StageMerge {
			merge = t
		}
	}
	if merge == nil {
		return fmt.Errorf("eventloop: job %s has no merge task", job.ID)
	}

	var out types.TaskOutputFile
	if err := l.blob.GetJSON(ctx, blob.TaskOutputKey(job.ID, merge.ID), &out); err != nil {
		return fmt.Errorf("eventloop: load merge output for job %s: %w", job.ID, err)
	}
	if out.Data.Merge == nil {
		return fmt.Errorf("eventloop: merge output of job %s has wrong variant", job.ID)
	}

	transcriptKey := blob.TranscriptKey(job.ID)
	if err := l.blob.PutJSON(ctx, transcriptKey, out.Data.Merge); err != nil {
		return fmt.Errorf("eventloop: write transcript for job %s: %w", job.ID, err)
	}

	job.Status = types.JobCompleted
	job.TranscriptURI = transcriptKey
	job.Warnings = append(job.Warnings, out.Data.Merge.PipelineWarnings...)
	job.UpdatedAt = l.now().UTC()
	if err := l.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("eventloop: complete job %s: %w", job.ID, err)
	}
	l.retireJob(ctx, job)
	l.enqueueWebhook(ctx, job)

	l.log.Info("job completed", "job_id", job.ID, "transcript_uri", transcriptKey,
		"warnings", len(job.Warnings))
	return nil
}

// TryFinalizeCancelled transitions a CANCELLING job to CANCELLED once no
// task remains in flight. Returns true when the job is (now or already)
// terminal. Also called by the sweeper.
func (l *Loop) TryFinalizeCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("eventloop: load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return true, nil
	}

	tasks, err := l.jobTasks(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status.InFlight() {
			return false, nil
		}
	}

	now := l.now().UTC()
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		t.Status = types.TaskCancelled
		t.UpdatedAt = now
		if err := l.store.PutTask(ctx, t, 0); err != nil {
			return false, fmt.Errorf("eventloop: cancel task %s: %w", t.ID, err)
		}
	}

	job.Status = types.JobCancelled
	job.UpdatedAt = now
	if err := l.store.PutJob(ctx, job); err != nil {
		return false, fmt.Errorf("eventloop: cancel job %s: %w", jobID, err)
	}
	l.retireJob(ctx, job)
	l.enqueueWebhook(ctx, job)

	l.log.Info("job cancelled", "job_id", jobID)
	return true, nil
}

func (l *Loop) enqueueWebhook(ctx context.Context, job *types.Job) {
	if job.Params.WebhookURL == "" {
		return
	}
	err := l.bus.EnqueueWebhook(ctx, stream.WebhookRequest{
		JobID:    job.ID,
		URL:      job.Params.WebhookURL,
		Status:   job.Status,
		Error:    job.Error,
		QueuedAt: l.now().UTC(),
	})
	if err != nil {
		l.log.Warn("webhook enqueue failed", "job_id", job.ID, "err", err)
	}
}

// loadTask fetches a task, tolerating expired records: a nil task with nil
// error means "drop the event".
func (l *Loop) loadTask(ctx context.Context, id string) (*types.Task, error) {
	task, err := l.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Warn("event for unknown task, dropping", "task_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventloop: load task %s: %w", id, err)
	}
	return task, nil
}

func (l *Loop) jobTasks(ctx context.Context, jobID string) (map[string]*types.Task, error) {
	ids, err := l.store.JobTasks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("eventloop: list tasks of job %s: %w", jobID, err)
	}
	out := make(map[string]*types.Task, len(ids))
	for _, id := range ids {
		t, err := l.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // reaped or expired
		}
		if err != nil {
			return nil, fmt.Errorf("eventloop: load task %s: %w", id, err)
		}
		out[t.ID] = t
	}
	return out, nil
}
