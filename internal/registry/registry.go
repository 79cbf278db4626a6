// Package registry tracks live engine instances. Workers register on
// startup, heartbeat every [HeartbeatInterval], and deregister on graceful
// shutdown; everything else (orchestrator, selector, sweeper, router) reads.
//
// Liveness is entirely time-derived: an instance whose record TTL has
// elapsed, or whose last heartbeat is older than [AvailabilityThreshold], is
// dead regardless of any lingering state. Readers never lock anything —
// stale reads are safe because availability is always time-bounded.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/pkg/types"
)

const (
	// HeartbeatInterval is the cadence at which instances refresh their
	// records.
	HeartbeatInterval = 10 * time.Second

	// recordTTL bounds an instance record's lifetime: two missed heartbeats
	// and the record is gone.
	recordTTL = 2 * HeartbeatInterval

	// AvailabilityThreshold is the heartbeat age past which an instance is
	// treated as offline even when its record still exists.
	AvailabilityThreshold = 60 * time.Second
)

// Option configures a [Registry].
type Option func(*Registry)

// WithNow replaces the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry reads and writes engine-instance records through the metadata
// store.
type Registry struct {
	store *store.Store
	now   func() time.Time
	log   *slog.Logger
}

// New returns a registry over the given store.
func New(s *store.Store, opts ...Option) *Registry {
	r := &Registry{store: s, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register writes a fresh instance record. Stamps RegisteredAt and
// LastHeartbeat.
func (r *Registry) Register(ctx context.Context, inst *types.EngineInstance) error {
	now := r.now().UTC()
	inst.RegisteredAt = now
	inst.LastHeartbeat = now
	if inst.Status == "" {
		inst.Status = types.InstanceIdle
	}
	return r.store.PutInstance(ctx, inst, recordTTL)
}

// Heartbeat refreshes the instance record, its TTL, and its capability
// blob. Capabilities are rewritten on every beat so a rolling catalog update
// propagates without restarting readers.
func (r *Registry) Heartbeat(ctx context.Context, inst *types.EngineInstance) error {
	inst.LastHeartbeat = r.now().UTC()
	return r.store.PutInstance(ctx, inst, recordTTL)
}

// Deregister removes the instance on graceful shutdown.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	return r.store.DeleteInstance(ctx, instanceID)
}

// Get reads one instance record. Returns [store.ErrNotFound] for expired or
// unknown instances.
func (r *Registry) Get(ctx context.Context, instanceID string) (*types.EngineInstance, error) {
	return r.store.GetInstance(ctx, instanceID)
}

// List returns every instance with a live record. Members whose records have
// expired are scrubbed from the index opportunistically.
func (r *Registry) List(ctx context.Context) ([]types.EngineInstance, error) {
	ids, err := r.store.InstanceIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.EngineInstance
	for _, id := range ids {
		inst, err := r.store.GetInstance(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Record expired; drop the index member so the set stays small.
			if err := r.store.DeleteInstance(ctx, id); err != nil {
				r.log.Debug("scrub of expired instance failed", "instance_id", id, "err", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}

// ListByStage returns live instances serving the given stage.
func (r *Registry) ListByStage(ctx context.Context, stage types.Stage) ([]types.EngineInstance, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.EngineInstance
	for _, inst := range all {
		if inst.Stage == stage || inst.Capabilities.SupportsStage(stage) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// ListByEngine returns live instances of one logical engine id.
func (r *Registry) ListByEngine(ctx context.Context, engineID string) ([]types.EngineInstance, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.EngineInstance
	for _, inst := range all {
		if inst.EngineID == engineID {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Available reports whether the instance counts as live right now.
func (r *Registry) Available(inst *types.EngineInstance) bool {
	return inst.AvailableAt(r.now(), AvailabilityThreshold)
}

// Alive reports whether a consumer name (instance id) belongs to a live
// instance. This is the dead-consumer test behind stale-claim recovery: the
// consumer name IS the instance id, so queue liveness is a registry lookup.
func (r *Registry) Alive(ctx context.Context, instanceID string) bool {
	inst, err := r.Get(ctx, instanceID)
	if err != nil {
		return false
	}
	return r.Available(inst)
}
