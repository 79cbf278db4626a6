package types

import "time"

// TaskStatus is the lifecycle state of a single stage task.
//
// Transitions: PENDING → READY (all dependencies COMPLETED) → QUEUED
// (dispatch message appended) → RUNNING (worker reported task.started) →
// COMPLETED | FAILED. CANCELLED may be entered from any non-terminal state.
// A dispatch message exists on the engine stream iff the task is QUEUED or
// RUNNING.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReady     TaskStatus = "READY"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// InFlight reports whether a dispatch message for the task may exist on a
// stream.
func (s TaskStatus) InFlight() bool {
	return s == TaskQueued || s == TaskRunning
}

// Task is one stage's work for one job. The dependency set references other
// task ids of the same job; it is fixed at DAG-build time.
type Task struct {
	ID       string     `json:"id"`
	JobID    string     `json:"job_id"`
	Stage    Stage      `json:"stage"`
	EngineID string     `json:"engine_id"`
	Status   TaskStatus `json:"status"`

	// Name disambiguates fan-out branches of the same stage, e.g.
	// "transcribe_ch0". Equal to string(Stage) for linear pipelines.
	Name string `json:"name"`

	// Channel is the audio channel index for per-channel branches, -1 when
	// the task operates on the full mix.
	Channel int `json:"channel"`

	InputURI  string `json:"input_uri,omitempty"`
	OutputURI string `json:"output_uri,omitempty"`

	// DependsOn lists task ids that must be COMPLETED before this task may
	// become READY.
	DependsOn []string `json:"depends_on,omitempty"`

	// Config carries stage-specific options handed to the engine verbatim.
	Config map[string]any `json:"config,omitempty"`

	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	// Timeout bounds one processing attempt; it seeds the metadata TTL and
	// the stale-claim threshold.
	Timeout time.Duration `json:"timeout"`

	// InstanceID records which worker instance last reported task.started.
	InstanceID string `json:"instance_id,omitempty"`

	// Error holds the most recent failure message.
	Error string `json:"error,omitempty"`

	// WaitingSince / WaitDeadline track a task enqueued while no engine
	// instance was live (wait policy). Zero when not waiting.
	WaitingSince time.Time `json:"waiting_since,omitzero"`
	WaitDeadline time.Time `json:"wait_deadline,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DependsOnAll reports whether every id in deps is present in the task's
// dependency set.
func (t *Task) DependsOnAll(deps ...string) bool {
	set := make(map[string]struct{}, len(t.DependsOn))
	for _, d := range t.DependsOn {
		set[d] = struct{}{}
	}
	for _, d := range deps {
		if _, ok := set[d]; !ok {
			return false
		}
	}
	return true
}
