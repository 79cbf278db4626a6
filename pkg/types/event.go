package types

import "time"

// EventType classifies a durable task lifecycle event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	// EventTaskCancelled is reported by a worker that consumed a dispatch
	// for a job whose cancellation sentinel is set. The task never ran; the
	// event exists so the orchestrator can retire the task record and
	// finalize the cancellation.
	EventTaskCancelled EventType = "task.cancelled"
)

// IsValid reports whether the event type is recognized.
func (t EventType) IsValid() bool {
	switch t {
	case EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

// Event is one durable lifecycle record, appended to the event log by
// workers (or synthesized by the sweeper) and consumed by the orchestrator
// group.
type Event struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id"`
	JobID    string    `json:"job_id"`
	EngineID string    `json:"engine_id,omitempty"`

	// InstanceID identifies the reporting worker process.
	InstanceID string `json:"instance_id,omitempty"`

	// Error carries the failure message for task.failed events.
	Error string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Recovered marks events synthesized by the sweeper rather than reported
	// by a worker.
	Recovered bool `json:"recovered,omitempty"`

	// TraceContext propagates W3C trace headers across process boundaries.
	TraceContext map[string]string `json:"_trace_context,omitempty"`
}

// DispatchMessage is the unit of work on a per-engine task stream. ID is
// assigned by the stream on append; DeliveryCount is populated on claim.
type DispatchMessage struct {
	ID         string    `json:"id,omitempty"`
	TaskID     string    `json:"task_id"`
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// DeliveryCount is how many times the message has been delivered,
	// including the current delivery. 1 on first read; >1 after a claim.
	DeliveryCount int64 `json:"delivery_count,omitempty"`

	// IdempotencyKey suppresses duplicate appends under producer retry.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	TraceContext map[string]string `json:"_trace_context,omitempty"`
}
