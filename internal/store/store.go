// Package store is the Redis-backed metadata store shared by every Dalston
// process: task and job records, the engine-instance registry records, the
// cancellation sentinel, and the waiting-for-engine index.
//
// All keys live under the "dalston:" prefix. Records are JSON values; indexes
// are plain sets. The store holds no in-memory state beyond the client, so
// any number of processes may share one logical store — coordination happens
// through Redis, never through locks here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist (or its TTL
// has elapsed).
var ErrNotFound = errors.New("store: not found")

// Key layout. Everything under one prefix so an operator can inspect or
// flush the coordination state without touching unrelated databases.
const (
	taskPrefix     = "dalston:task:"
	jobPrefix      = "dalston:job:"
	instancePrefix = "dalston:instance:"

	enginesKey      = "dalston:engines"
	activeJobsKey   = "dalston:jobs:active"
	terminalJobsKey = "dalston:jobs:terminal"
	waitingKey      = "dalston:waiting"
)

// Dial parses a redis:// URL and returns a connected client. The caller owns
// the client and should Close it on shutdown.
func Dial(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Store wraps a Redis client with the Dalston key conventions.
type Store struct {
	rdb redis.UniversalClient
}

// New returns a Store over the given client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Ping probes the connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

// PutTask writes the task record. A positive ttl bounds the record lifetime;
// zero keeps whatever TTL the key already carries, so routine status updates
// do not extend a task's budget.
func (s *Store) PutTask(ctx context.Context, t *types.Task, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal task %s: %w", t.ID, err)
	}
	if ttl > 0 {
		err = s.rdb.Set(ctx, taskPrefix+t.ID, data, ttl).Err()
	} else {
		err = s.rdb.Set(ctx, taskPrefix+t.ID, data, redis.KeepTTL).Err()
	}
	if err != nil {
		return fmt.Errorf("store: put task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask reads one task record.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	data, err := s.rdb.Get(ctx, taskPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("store: unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// DeleteTask removes a task record. Missing keys are not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, taskPrefix+id).Err()
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

// PutJob writes the job record.
func (s *Store) PutJob(ctx context.Context, j *types.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("store: marshal job %s: %w", j.ID, err)
	}
	if err := s.rdb.Set(ctx, jobPrefix+j.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("store: put job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob reads one job record.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	data, err := s.rdb.Get(ctx, jobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	var j types.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("store: unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

// AddJobTask records a task id in the job's task index.
func (s *Store) AddJobTask(ctx context.Context, jobID, taskID string) error {
	return s.rdb.SAdd(ctx, jobPrefix+jobID+":tasks", taskID).Err()
}

// JobTasks returns all task ids of a job.
func (s *Store) JobTasks(ctx context.Context, jobID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, jobPrefix+jobID+":tasks").Result()
	if err != nil {
		return nil, fmt.Errorf("store: job %s tasks: %w", jobID, err)
	}
	return ids, nil
}

// AddActiveJob adds the job to the active index scanned by the sweeper.
func (s *Store) AddActiveJob(ctx context.Context, jobID string) error {
	return s.rdb.SAdd(ctx, activeJobsKey, jobID).Err()
}

// RemoveActiveJob drops the job from the active index.
func (s *Store) RemoveActiveJob(ctx context.Context, jobID string) error {
	return s.rdb.SRem(ctx, activeJobsKey, jobID).Err()
}

// ActiveJobs returns the ids of all jobs not yet finalized.
func (s *Store) ActiveJobs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeJobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: active jobs: %w", err)
	}
	return ids, nil
}

// DeleteJob removes the job record, its task index, and its cancellation
// sentinel. Task records are deleted separately by the caller.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx,
		jobPrefix+jobID,
		jobPrefix+jobID+":tasks",
		jobPrefix+jobID+":cancelled",
	).Err()
}

// AddTerminalJob records a finalized job in the retention index; the sweeper
// reaps members past the retention window.
func (s *Store) AddTerminalJob(ctx context.Context, jobID string) error {
	return s.rdb.SAdd(ctx, terminalJobsKey, jobID).Err()
}

// RemoveTerminalJob drops a reaped job from the retention index.
func (s *Store) RemoveTerminalJob(ctx context.Context, jobID string) error {
	return s.rdb.SRem(ctx, terminalJobsKey, jobID).Err()
}

// TerminalJobs returns the ids of finalized jobs awaiting reaping.
func (s *Store) TerminalJobs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, terminalJobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: terminal jobs: %w", err)
	}
	return ids, nil
}

// ─── Cancellation sentinel ───────────────────────────────────────────────────

// SetCancelled raises the job's cancellation sentinel. Workers check it at
// dequeue and short-circuit without processing.
func (s *Store) SetCancelled(ctx context.Context, jobID string) error {
	return s.rdb.Set(ctx, jobPrefix+jobID+":cancelled", "1", 0).Err()
}

// IsCancelled reports whether the job's cancellation sentinel is set.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, jobPrefix+jobID+":cancelled").Result()
	if err != nil {
		return false, fmt.Errorf("store: cancelled sentinel for %s: %w", jobID, err)
	}
	return n > 0, nil
}

// ─── Engine instances ────────────────────────────────────────────────────────

// PutInstance writes the instance record with the given TTL and ensures
// membership in the engines index. Called at registration and on every
// heartbeat; a stale record simply expires.
func (s *Store) PutInstance(ctx context.Context, inst *types.EngineInstance, ttl time.Duration) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("store: marshal instance %s: %w", inst.InstanceID, err)
	}
	if err := s.rdb.Set(ctx, instancePrefix+inst.InstanceID, data, ttl).Err(); err != nil {
		return fmt.Errorf("store: put instance %s: %w", inst.InstanceID, err)
	}
	if err := s.rdb.SAdd(ctx, enginesKey, inst.InstanceID).Err(); err != nil {
		return fmt.Errorf("store: index instance %s: %w", inst.InstanceID, err)
	}
	return nil
}

// GetInstance reads one instance record.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (*types.EngineInstance, error) {
	data, err := s.rdb.Get(ctx, instancePrefix+instanceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get instance %s: %w", instanceID, err)
	}
	var inst types.EngineInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("store: unmarshal instance %s: %w", instanceID, err)
	}
	return &inst, nil
}

// DeleteInstance removes the record and its index membership. Used on
// graceful shutdown and when scrubbing expired members.
func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := s.rdb.SRem(ctx, enginesKey, instanceID).Err(); err != nil {
		return fmt.Errorf("store: unindex instance %s: %w", instanceID, err)
	}
	return s.rdb.Del(ctx, instancePrefix+instanceID).Err()
}

// InstanceIDs returns the raw engines index. Members whose records have
// expired may still appear; callers scrub via [Store.GetInstance].
func (s *Store) InstanceIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, enginesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: instance ids: %w", err)
	}
	return ids, nil
}

// ─── Waiting-for-engine index ────────────────────────────────────────────────

// MarkWaiting adds a task to the waiting index. The deadline lives on the
// task record (WaitDeadline); the index exists so the sweeper need not scan
// every task.
func (s *Store) MarkWaiting(ctx context.Context, taskID string) error {
	return s.rdb.SAdd(ctx, waitingKey, taskID).Err()
}

// ClearWaiting removes a task from the waiting index. Missing members are
// not an error, so workers can clear unconditionally on claim.
func (s *Store) ClearWaiting(ctx context.Context, taskID string) error {
	return s.rdb.SRem(ctx, waitingKey, taskID).Err()
}

// WaitingTasks returns the ids of all tasks enqueued while no engine was
// available.
func (s *Store) WaitingTasks(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, waitingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: waiting tasks: %w", err)
	}
	return ids, nil
}
