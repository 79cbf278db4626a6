package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/pkg/types"
)

// idemTTL bounds how long an idempotency key suppresses duplicate enqueue.
// Comfortably longer than any retry window.
const idemTTL = 24 * time.Hour

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithQueueLogger sets the slog logger. Default: slog.Default().
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.log = l
	}
}

// Queue is the per-engine dispatch queue family. One Queue value serves every
// engine stream; the engine id selects the stream per call.
type Queue struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// NewQueue returns a queue over the given client.
func NewQueue(rdb redis.UniversalClient, opts ...QueueOption) *Queue {
	q := &Queue{rdb: rdb, log: slog.Default()}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends a dispatch message to the engine's stream and returns the
// assigned stream id.
//
// When msg.IdempotencyKey is set and a message was already appended under
// that key, the prior id is returned without a new append. The check-append-
// record sequence is not atomic; a concurrent producer racing the same key
// can produce a duplicate, which consumers absorb (at-least-once).
func (q *Queue) Enqueue(ctx context.Context, engineID string, msg types.DispatchMessage) (string, error) {
	if msg.IdempotencyKey != "" {
		prior, err := q.rdb.Get(ctx, idemPrefix+msg.IdempotencyKey).Result()
		if err == nil {
			q.log.Debug("enqueue suppressed by idempotency key",
				"key", msg.IdempotencyKey, "prior_id", prior)
			return prior, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
		}
	}

	values, err := encodePayload(msg)
	if err != nil {
		return "", err
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: TaskStream(engineID),
		Values: values,
	}).Result()
	if err != nil {
		return "", err
	}

	if msg.IdempotencyKey != "" {
		if err := q.rdb.SetNX(ctx, idemPrefix+msg.IdempotencyKey, id, idemTTL).Err(); err != nil {
			q.log.Warn("idempotency key record failed", "key", msg.IdempotencyKey, "err", err)
		}
	}
	return id, nil
}

// ensureGroup lazily creates the engine's worker group.
func (q *Queue) ensureGroup(ctx context.Context, engineID string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, TaskStream(engineID), workerGroup(engineID), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReadNew blocks up to block for one new dispatch message under the given
// consumer name. Returns nil on timeout. The delivery count of a fresh read
// is always 1.
func (q *Queue) ReadNew(ctx context.Context, engineID, consumer string, block time.Duration) (*types.DispatchMessage, error) {
	if err := q.ensureGroup(ctx, engineID); err != nil {
		return nil, err
	}

	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    workerGroup(engineID),
		Consumer: consumer,
		Streams:  []string{TaskStream(engineID), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, s := range res {
		for _, raw := range s.Messages {
			var msg types.DispatchMessage
			if err := decodePayload(raw, &msg); err != nil {
				q.log.Error("undecodable dispatch message, acking", "id", raw.ID, "err", err)
				_ = q.Ack(ctx, engineID, raw.ID)
				continue
			}
			msg.ID = raw.ID
			msg.DeliveryCount = 1
			return &msg, nil
		}
	}
	return nil, nil
}

// AliveFunc reports whether a consumer name still belongs to a live worker
// instance. Backed by the engine registry: the consumer name is the instance
// id, so liveness is a registry heartbeat lookup.
type AliveFunc func(ctx context.Context, consumer string) bool

// ClaimStale transfers pending entries from dead consumers to the given
// consumer. An entry is claimable when it has been idle at least minIdle AND
// its current consumer fails the alive check — idle entries of live
// consumers are left alone, they are just slow.
//
// The returned messages carry their redelivery count. At most limit entries
// are claimed.
func (q *Queue) ClaimStale(ctx context.Context, engineID, consumer string, minIdle time.Duration, limit int, alive AliveFunc) ([]types.DispatchMessage, error) {
	if err := q.ensureGroup(ctx, engineID); err != nil {
		return nil, err
	}

	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: TaskStream(engineID),
		Group:  workerGroup(engineID),
		Start:  "-",
		End:    "+",
		Count:  int64(limit * 8), // inspect more than we claim; most will be live
	}).Result()
	if err != nil {
		return nil, err
	}

	// Identify entries held by dead consumers. Liveness is checked once per
	// consumer name, not per entry.
	liveness := map[string]bool{}
	var ids []string
	counts := map[string]int64{}
	for _, p := range pending {
		if len(ids) >= limit {
			break
		}
		if p.Consumer == consumer || p.Idle < minIdle {
			continue
		}
		isLive, checked := liveness[p.Consumer]
		if !checked {
			isLive = alive(ctx, p.Consumer)
			liveness[p.Consumer] = isLive
		}
		if isLive {
			continue
		}
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   TaskStream(engineID),
		Group:    workerGroup(engineID),
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []types.DispatchMessage
	for _, raw := range claimed {
		var msg types.DispatchMessage
		if err := decodePayload(raw, &msg); err != nil {
			q.log.Error("undecodable claimed message, acking", "id", raw.ID, "err", err)
			_ = q.Ack(ctx, engineID, raw.ID)
			continue
		}
		msg.ID = raw.ID
		msg.DeliveryCount = counts[raw.ID] + 1
		out = append(out, msg)
	}
	return out, nil
}

// Ack acknowledges one dispatch message. Always called exactly once per
// processed delivery, success or failure — outcomes travel through the event
// log, not through redelivery.
func (q *Queue) Ack(ctx context.Context, engineID, id string) error {
	return q.rdb.XAck(ctx, TaskStream(engineID), workerGroup(engineID), id).Err()
}
