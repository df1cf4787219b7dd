package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventRunCreated        EventType = "run_created"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventExecutionStarted  EventType = "execution_started"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventExecutionFailed   EventType = "execution_failed"
	EventCompleted         EventType = "completed"
	EventJobEnqueued       EventType = "job_enqueued"
	EventJobRequeued       EventType = "job_requeued"
)

// Event is an immutable, append-only audit record for a run. Events are never
// updated or deleted.
type Event struct {
	ID        string
	RunID     string
	Step      string
	Type      EventType
	Payload   json.RawMessage
	CreatedAt time.Time
}
