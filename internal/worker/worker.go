// Package worker hosts a batch engine process: it claims dispatch messages
// for one logical engine, materializes task inputs into a scratch directory,
// invokes the engine, uploads results, and reports lifecycle events. The
// engine itself never sees a queue, a bucket, or Redis.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/types"
)

const (
	// claimMinIdle is how long a pending entry must sit before it may be
	// claimed from a dead consumer.
	claimMinIdle = 30 * time.Second

	// readBlock bounds one blocking read so the loop re-checks claims and
	// shutdown regularly.
	readBlock = 30 * time.Second

	// drainFloor is the minimum grace an in-flight task gets after shutdown
	// begins, even when its own timeout is shorter.
	drainFloor = 10 * time.Second
)

// Option configures a [Runner].
type Option func(*Runner)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithNow replaces the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithHeartbeatInterval overrides the registry beat cadence. Tests only.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.hbInterval = d
	}
}

// Runner is the claim/process/ack loop around one [engine.Processor].
type Runner struct {
	engineID   string
	instanceID string
	proc       engine.Processor

	store    *store.Store
	blob     blob.Store
	queue    *stream.Queue
	events   *stream.EventLog
	registry *registry.Registry
	hb       *registry.Heartbeater

	hbInterval time.Duration
	log        *slog.Logger
	metrics    *observe.Metrics
	now        func() time.Time
}

// New returns a runner for one engine instance.
func New(engineID, instanceID string, proc engine.Processor, st *store.Store, bs blob.Store, q *stream.Queue, events *stream.EventLog, reg *registry.Registry, opts ...Option) *Runner {
	r := &Runner{
		engineID:   engineID,
		instanceID: instanceID,
		proc:       proc,
		store:      st,
		blob:       bs,
		queue:      q,
		events:     events,
		registry:   reg,
		hbInterval: registry.HeartbeatInterval,
		log:        slog.Default(),
		metrics:    observe.DefaultMetrics(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run registers the instance and processes dispatch messages until ctx is
// cancelled. The heartbeat runs on its own goroutine so a long Process call
// never starves it. In-flight work is drained before return.
func (r *Runner) Run(ctx context.Context) error {
	caps := r.proc.Capabilities()
	stage := types.Stage("")
	if len(caps.Stages) > 0 {
		stage = caps.Stages[0]
	}
	r.hb = registry.NewHeartbeater(r.registry, types.EngineInstance{
		EngineID:     r.engineID,
		InstanceID:   r.instanceID,
		Stage:        stage,
		StreamName:   stream.TaskStream(r.engineID),
		Status:       types.InstanceIdle,
		Capabilities: caps,
	}, registry.WithHeartbeatInterval(r.hbInterval), registry.WithHeartbeatLogger(r.log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.hb.Run(gctx) })
	g.Go(func() error { return r.loop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context) error {
	r.log.Info("worker loop started", "engine_id", r.engineID, "instance_id", r.instanceID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := r.nextMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		r.process(ctx, msg)

		// ACK regardless of outcome: results travel through the event log,
		// never through stream redelivery.
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.queue.Ack(ackCtx, r.engineID, msg.ID); err != nil {
			r.log.Warn("ack failed", "id", msg.ID, "err", err)
		}
		cancel()
	}
}

// nextMessage prefers at most one stale claim per iteration, then falls back
// to a blocking read for new work.
func (r *Runner) nextMessage(ctx context.Context) (*types.DispatchMessage, error) {
	claimed, err := r.queue.ClaimStale(ctx, r.engineID, r.instanceID, claimMinIdle, 1, r.registry.Alive)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		msg := claimed[0]
		r.metrics.StaleClaims.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("engine", r.engineID)))
		r.log.Info("claimed stale dispatch",
			"task_id", msg.TaskID, "delivery_count", msg.DeliveryCount)
		return &msg, nil
	}
	return r.queue.ReadNew(ctx, r.engineID, r.instanceID, readBlock)
}

// process runs one dispatch message end to end. Errors are reported through
// the event log; process itself never fails the loop.
func (r *Runner) process(ctx context.Context, msg *types.DispatchMessage) {
	ctx = observe.ExtractTraceContext(ctx, msg.TraceContext)
	log := r.log.With("task_id", msg.TaskID, "job_id", msg.JobID)

	task, err := r.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dispatch for unknown task, dropping")
		return
	}
	if err != nil {
		log.Error("task load failed", "err", err)
		return
	}
	if task.Status.IsTerminal() {
		log.Info("task already terminal, dropping", "status", task.Status)
		return
	}

	// The dispatch is consumed and ACKed either way, so the skip must leave
	// a durable record or the task would stay QUEUED with no message behind
	// it and the job could never finish cancelling.
	if cancelled, err := r.store.IsCancelled(ctx, task.JobID); err == nil && cancelled {
		log.Info("job cancelled, skipping task")
		r.append(ctx, types.Event{
			Type: types.EventTaskCancelled, TaskID: task.ID, JobID: task.JobID,
			EngineID: r.engineID, InstanceID: r.instanceID,
			Timestamp: r.now().UTC(),
			TraceContext: observe.InjectTraceContext(ctx),
		})
		return
	}

	// In-flight work survives shutdown up to its own timeout.
	grace := task.Timeout
	if grace < drainFloor {
		grace = drainFloor
	}
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	r.hb.SetStatus(types.InstanceProcessing, task.ID)
	defer r.hb.SetStatus(types.InstanceIdle, "")

	if err := r.runTask(procCtx, log, task); err != nil {
		log.Error("task attempt failed", "stage", task.Stage, "err", err)
		r.append(procCtx, types.Event{
			Type: types.EventTaskFailed, TaskID: task.ID, JobID: task.JobID,
			EngineID: r.engineID, InstanceID: r.instanceID,
			Error: err.Error(), Timestamp: r.now().UTC(),
			TraceContext: observe.InjectTraceContext(procCtx),
		})
	}
}

func (r *Runner) runTask(ctx context.Context, log *slog.Logger, task *types.Task) error {
	scratch, err := os.MkdirTemp("", "dalston-task-")
	if err != nil {
		return fmt.Errorf("worker: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var input types.TaskInputFile
	if err := r.blob.GetJSON(ctx, blob.TaskInputKey(task.JobID, task.ID), &input); err != nil {
		return fmt.Errorf("worker: download input: %w", err)
	}

	audioPath := ""
	if input.AudioURI != "" {
		audioPath = filepath.Join(scratch, filepath.Base(input.AudioURI))
		if err := r.blob.GetFile(ctx, input.AudioURI, audioPath); err != nil {
			return fmt.Errorf("worker: download audio: %w", err)
		}
	}

	r.append(ctx, types.Event{
		Type: types.EventTaskStarted, TaskID: task.ID, JobID: task.JobID,
		EngineID: r.engineID, InstanceID: r.instanceID,
		Timestamp: r.now().UTC(), TraceContext: observe.InjectTraceContext(ctx),
	})

	started := r.now()
	out, err := r.proc.Process(ctx, engine.TaskInput{
		TaskID:          task.ID,
		JobID:           task.JobID,
		Stage:           task.Stage,
		Media:           input.Media,
		AudioPath:       audioPath,
		PreviousOutputs: input.PreviousOutputs,
		Config:          input.Config,
		ScratchDir:      scratch,
		AudioBase:       blob.AudioBase(task.JobID),
		ArtifactBase:    blob.ArtifactBase(task.JobID, task.ID),
	})
	elapsed := r.now().Sub(started)
	if err != nil {
		return fmt.Errorf("engine %s: %w", r.engineID, err)
	}

	artifacts, err := r.uploadArtifacts(ctx, task, out.Artifacts)
	if err != nil {
		return err
	}

	outFile := types.TaskOutputFile{
		TaskID:             task.ID,
		CompletedAt:        r.now().UTC(),
		ProcessingTimeSecs: elapsed.Seconds(),
		Data:               out.Data,
		Artifacts:          artifacts,
	}
	if err := r.blob.PutJSON(ctx, blob.TaskOutputKey(task.JobID, task.ID), outFile); err != nil {
		return fmt.Errorf("worker: upload output: %w", err)
	}

	// Output blob is in place: from here on the sweeper can recover the
	// completion even if this append is lost.
	r.append(ctx, types.Event{
		Type: types.EventTaskCompleted, TaskID: task.ID, JobID: task.JobID,
		EngineID: r.engineID, InstanceID: r.instanceID,
		Timestamp: r.now().UTC(), TraceContext: observe.InjectTraceContext(ctx),
	})

	r.metrics.RecordTaskDuration(ctx, string(task.Stage), r.engineID, elapsed.Seconds())
	log.Info("task processed", "stage", task.Stage, "elapsed", elapsed)
	return nil
}

// uploadArtifacts stores each engine artifact at its canonical key: WAV
// files under the job audio prefix, everything else under the task artifact
// prefix. Returns name → key for output.json.
func (r *Runner) uploadArtifacts(ctx context.Context, task *types.Task, artifacts map[string]string) (map[string]string, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(artifacts))
	for name, localPath := range artifacts {
		key := blob.ArtifactKey(task.JobID, task.ID, name)
		if strings.HasSuffix(name, ".wav") {
			key = blob.AudioKey(task.JobID, name)
		}
		if err := r.blob.PutFile(ctx, key, localPath); err != nil {
			return nil, fmt.Errorf("worker: upload artifact %s: %w", name, err)
		}
		out[name] = key
	}
	return out, nil
}

// append writes one lifecycle event, logging (not failing) on exhaustion —
// the sweeper recovers from the output blob.
func (r *Runner) append(ctx context.Context, ev types.Event) {
	if err := r.events.Append(ctx, ev); err != nil {
		r.log.Error("lifecycle event lost", "type", ev.Type, "task_id", ev.TaskID, "err", err)
	}
}
