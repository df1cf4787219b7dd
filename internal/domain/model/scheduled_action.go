package model

import (
	"encoding/json"
	"time"
)

// ScheduledAction is a deferred trigger tied to a run and sender. Created by
// any component wanting a future nudge; consumed by a poll/mark-fired cycle.
// Recurrence is the caller's responsibility.
type ScheduledAction struct {
	ID         string
	RunID      string
	Sender     string
	ActionType string
	FireAt     time.Time
	Payload    json.RawMessage
	Fired      bool
	CreatedAt  time.Time
}
