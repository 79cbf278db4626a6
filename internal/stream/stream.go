// Package stream carries Dalston's durable messaging over Redis Streams: the
// append-only task lifecycle event log consumed by the orchestrator group,
// the per-engine dispatch queues consumed by worker instances, and the
// non-authoritative pub/sub fan-out channels.
//
// Streams give at-least-once delivery with per-stream ordering. Consumers
// must tolerate redelivery; the orchestrator's handlers are idempotent and
// workers report outcomes through the event log rather than through message
// redelivery.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Stream and channel names. All durable state lives in streams; channels are
// best-effort fan-out only.
const (
	// EventsStream is the durable task lifecycle log.
	EventsStream = "dalston:events"

	// EventsChannel is the fire-and-forget mirror of EventsStream for
	// non-authoritative consumers (UIs, metrics). Never the source of truth.
	EventsChannel = "dalston:events:fan"

	// GroupOrchestrator is the single authoritative event-log consumer
	// group.
	GroupOrchestrator = "orchestrator"

	// WebhooksStream holds webhook delivery requests enqueued at job
	// finalization. Delivery runs outside this system.
	WebhooksStream = "dalston:webhooks"

	// SignalsChannel carries engine-needed scaler signals under the wait
	// policy.
	SignalsChannel = "dalston:signals:engine_needed"

	taskStreamPrefix = "dalston:tasks:"
	workerGroupPrefix = "workers:"
	idemPrefix        = "dalston:idem:"
)

// TaskStream returns the dispatch stream name for a logical engine id. All
// instances of that engine share the stream through one consumer group.
func TaskStream(engineID string) string {
	return taskStreamPrefix + engineID
}

// workerGroup returns the consumer group name for an engine's dispatch
// stream.
func workerGroup(engineID string) string {
	return workerGroupPrefix + engineID
}

// payloadField is the single stream entry field holding the JSON-encoded
// record. Keeping the record opaque to Redis sidesteps field-by-field
// encoding of nested maps (trace context, config).
const payloadField = "data"

// encodePayload marshals v into the XADD values map.
func encodePayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal payload: %w", err)
	}
	return map[string]any{payloadField: string(data)}, nil
}

// decodePayload unmarshals a stream entry's payload field into v.
func decodePayload(msg redis.XMessage, v any) error {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return fmt.Errorf("stream: entry %s has no %s field", msg.ID, payloadField)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("stream: unmarshal entry %s: %w", msg.ID, err)
	}
	return nil
}
