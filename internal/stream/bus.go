package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/pkg/types"
)

// Bus carries the non-durable side channels: the event fan-out subscription,
// engine-needed scaler signals, and webhook enqueue. None of it is a source
// of truth.
type Bus struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// NewBus returns a bus over the given client.
func NewBus(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb, log: slog.Default()}
}

// SubscribeEvents delivers the fan-out mirror of the event log until ctx is
// cancelled. Undecodable payloads are dropped. The channel is closed on
// return; missed events are expected — authoritative consumers read the
// durable log instead.
func (b *Bus) SubscribeEvents(ctx context.Context) (<-chan types.Event, error) {
	sub := b.rdb.Subscribe(ctx, EventsChannel)
	// Force the subscription before returning so callers can publish
	// immediately after.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan types.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev types.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Debug("dropping undecodable fan-out event", "err", err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow consumer; fan-out is lossy by contract.
				}
			}
		}
	}()
	return out, nil
}

// EngineNeededSignal asks an external scaler to start an instance of an
// engine. Published when the scheduler enqueues under the wait policy.
type EngineNeededSignal struct {
	EngineID string      `json:"engine_id"`
	Stage    types.Stage `json:"stage"`
	TaskID   string      `json:"task_id"`
	JobID    string      `json:"job_id"`
}

// SignalEngineNeeded publishes a scaler signal. Fire-and-forget: a lost
// signal only delays scaling until the next waiting task.
func (b *Bus) SignalEngineNeeded(ctx context.Context, sig EngineNeededSignal) {
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, SignalsChannel, data).Err(); err != nil {
		b.log.Debug("engine-needed signal publish failed", "engine_id", sig.EngineID, "err", err)
	}
}

// WebhookRequest is one queued delivery request. Delivery itself happens
// outside this system.
type WebhookRequest struct {
	JobID    string          `json:"job_id"`
	URL      string          `json:"url"`
	Status   types.JobStatus `json:"status"`
	Error    string          `json:"error,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// EnqueueWebhook appends a delivery request to the webhook stream. Durable:
// the delivery service consumes it with its own group.
func (b *Bus) EnqueueWebhook(ctx context.Context, req WebhookRequest) error {
	values, err := encodePayload(req)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: WebhooksStream,
		Values: values,
	}).Err()
}
