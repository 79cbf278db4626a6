package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/pkg/types"
)

// Append retry schedule: appendAttempts tries with a doubling delay starting
// at appendBaseDelay. The final delay before giving up is 1.6 s.
const (
	appendAttempts  = 5
	appendBaseDelay = 100 * time.Millisecond
)

// EventLogOption configures an [EventLog].
type EventLogOption func(*EventLog)

// WithEventLogger sets the slog logger. Default: slog.Default().
func WithEventLogger(l *slog.Logger) EventLogOption {
	return func(e *EventLog) {
		e.log = l
	}
}

// WithEventMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithEventMetrics(m *observe.Metrics) EventLogOption {
	return func(e *EventLog) {
		e.metrics = m
	}
}

// withSleep replaces the retry sleep for tests.
func withSleep(fn func(context.Context, time.Duration) error) EventLogOption {
	return func(e *EventLog) {
		e.sleep = fn
	}
}

// EventLog is the durable task lifecycle log. Appends are retried with
// backoff because a lost lifecycle event strands its task until the sweeper
// notices; reads go through the orchestrator consumer group with explicit
// acknowledgement.
type EventLog struct {
	rdb     redis.UniversalClient
	log     *slog.Logger
	metrics *observe.Metrics
	sleep   func(context.Context, time.Duration) error
}

// NewEventLog returns an event log over the given client.
func NewEventLog(rdb redis.UniversalClient, opts ...EventLogOption) *EventLog {
	e := &EventLog{
		rdb:   rdb,
		log:   slog.Default(),
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Append durably writes one lifecycle event, retrying transient failures
// with exponential backoff. After a successful append the event is also
// published fire-and-forget on [EventsChannel]; publish failures are only
// logged at Debug because the channel is never authoritative.
//
// When every attempt fails the error is logged with a durable_write_lost
// marker and returned. The caller's task output blob remains the recovery
// signal for the sweeper.
func (e *EventLog) Append(ctx context.Context, ev types.Event) error {
	values, err := encodePayload(ev)
	if err != nil {
		return err
	}

	var lastErr error
	delay := appendBaseDelay
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		lastErr = e.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: EventsStream,
			Values: values,
		}).Err()
		if lastErr == nil {
			e.fanOut(ctx, values)
			return nil
		}
		if attempt == appendAttempts {
			break
		}

		e.metrics.EventWriteRetries.Add(ctx, 1)
		e.log.Warn("event append failed, retrying",
			"type", ev.Type, "task_id", ev.TaskID, "attempt", attempt, "err", lastErr)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}

	e.log.Error("durable_write_lost: event append exhausted retries",
		"type", ev.Type, "task_id", ev.TaskID, "job_id", ev.JobID, "err", lastErr)
	return lastErr
}

// fanOut mirrors the event on the pub/sub channel. Best-effort only.
func (e *EventLog) fanOut(ctx context.Context, values map[string]any) {
	if err := e.rdb.Publish(ctx, EventsChannel, values[payloadField]).Err(); err != nil {
		e.log.Debug("event fan-out publish failed", "err", err)
	}
}

// Delivery is one consumed event plus the stream id used for
// acknowledgement.
type Delivery struct {
	ID    string
	Event types.Event
}

// ensureGroup lazily creates the orchestrator group. BUSYGROUP means another
// process got there first.
func (e *EventLog) ensureGroup(ctx context.Context) error {
	err := e.rdb.XGroupCreateMkStream(ctx, EventsStream, GroupOrchestrator, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads up to count pending-new events for the given consumer,
// blocking up to block. Returns an empty slice on timeout. Events whose
// payload cannot be decoded are ACKed and skipped — replaying them can never
// succeed.
func (e *EventLog) Consume(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	if err := e.ensureGroup(ctx); err != nil {
		return nil, err
	}

	res, err := e.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupOrchestrator,
		Consumer: consumer,
		Streams:  []string{EventsStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, s := range res {
		for _, msg := range s.Messages {
			var ev types.Event
			if err := decodePayload(msg, &ev); err != nil {
				e.log.Error("undecodable event, acking", "id", msg.ID, "err", err)
				_ = e.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

// ConsumePending re-reads this consumer's unacknowledged deliveries. Called
// once at loop startup: events handled before a crash but never ACKed come
// back here and are absorbed by idempotent handlers.
func (e *EventLog) ConsumePending(ctx context.Context, consumer string, count int64) ([]Delivery, error) {
	if err := e.ensureGroup(ctx); err != nil {
		return nil, err
	}

	res, err := e.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupOrchestrator,
		Consumer: consumer,
		Streams:  []string{EventsStream, "0"},
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, s := range res {
		for _, msg := range s.Messages {
			var ev types.Event
			if err := decodePayload(msg, &ev); err != nil {
				e.log.Error("undecodable event, acking", "id", msg.ID, "err", err)
				_ = e.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

// Ack acknowledges one consumed event.
func (e *EventLog) Ack(ctx context.Context, id string) error {
	return e.rdb.XAck(ctx, EventsStream, GroupOrchestrator, id).Err()
}
