package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dalstonhq/dalston/pkg/types"
)

// Heartbeater keeps one instance's registry record fresh. The owning process
// mutates status through the setters; Run republishes the full record every
// [HeartbeatInterval] and deregisters on shutdown.
type Heartbeater struct {
	reg      *Registry
	log      *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	inst types.EngineInstance
}

// HeartbeaterOption configures a [Heartbeater].
type HeartbeaterOption func(*Heartbeater)

// WithHeartbeatInterval overrides the beat cadence. Tests only.
func WithHeartbeatInterval(d time.Duration) HeartbeaterOption {
	return func(h *Heartbeater) {
		h.interval = d
	}
}

// WithHeartbeatLogger sets the logger.
func WithHeartbeatLogger(log *slog.Logger) HeartbeaterOption {
	return func(h *Heartbeater) {
		h.log = log
	}
}

// NewHeartbeater returns a heartbeater for the given instance. The instance
// is copied; later state changes go through the setters.
func NewHeartbeater(reg *Registry, inst types.EngineInstance, opts ...HeartbeaterOption) *Heartbeater {
	h := &Heartbeater{
		reg:      reg,
		log:      slog.Default(),
		interval: HeartbeatInterval,
		inst:     inst,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetStatus updates the self-reported status and current task. Takes effect
// immediately on reads of the local copy and on the next beat remotely.
func (h *Heartbeater) SetStatus(status types.InstanceStatus, currentTask string) {
	h.mu.Lock()
	h.inst.Status = status
	h.inst.CurrentTask = currentTask
	h.mu.Unlock()
}

// SetActiveSessions updates the realtime session count carried on each beat.
func (h *Heartbeater) SetActiveSessions(n int) {
	h.mu.Lock()
	h.inst.ActiveSessions = n
	h.mu.Unlock()
}

// Instance returns a snapshot of the local record.
func (h *Heartbeater) Instance() types.EngineInstance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inst
}

// Run registers the instance, beats until ctx is cancelled, then
// deregisters. A failed beat is logged and retried on the next tick; the
// record TTL tolerates one miss.
func (h *Heartbeater) Run(ctx context.Context) error {
	inst := h.Instance()
	if err := h.reg.Register(ctx, &inst); err != nil {
		return err
	}
	h.mu.Lock()
	h.inst.RegisteredAt = inst.RegisteredAt
	h.inst.LastHeartbeat = inst.LastHeartbeat
	h.mu.Unlock()

	h.log.Info("instance registered",
		"instance_id", inst.InstanceID,
		"engine_id", inst.EngineID,
		"stage", inst.Stage)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Parent context is gone; deregister on a fresh one.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.reg.Deregister(dctx, inst.InstanceID); err != nil {
				h.log.Warn("deregister failed", "instance_id", inst.InstanceID, "err", err)
			}
			return ctx.Err()
		case <-ticker.C:
			beat := h.Instance()
			if err := h.reg.Heartbeat(ctx, &beat); err != nil {
				h.log.Warn("heartbeat failed", "instance_id", inst.InstanceID, "err", err)
				continue
			}
			h.mu.Lock()
			h.inst.LastHeartbeat = beat.LastHeartbeat
			h.mu.Unlock()
		}
	}
}
