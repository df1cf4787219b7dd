package model

import "time"

type RunJobStatus string

const (
	RunJobStatusQueued    RunJobStatus = "queued"
	RunJobStatusLeased    RunJobStatus = "leased"
	RunJobStatusCompleted RunJobStatus = "completed"
	RunJobStatusFailed    RunJobStatus = "failed"
)

// RunJobPayload carries everything a worker needs to re-enter the approval
// execution path. Workers still re-read Run and Approval state from the store;
// the payload is a hint, not a source of truth.
type RunJobPayload struct {
	RequestID         string `json:"request_id"`
	ExtraInstructions string `json:"extra_instructions,omitempty"`
	PlanSummary       string `json:"plan_summary,omitempty"`
	Phase             string `json:"phase,omitempty"`
}

// RunJob is a queue entry for asynchronous execution. Exactly one worker may
// hold a non-expired lease at a time; lease expiry returns the job to queued
// for another worker to claim.
type RunJob struct {
	ID             string
	RunID          string
	Sender         string
	Attempt        int
	Payload        RunJobPayload
	Status         RunJobStatus
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseExpired reports whether the job's lease, if any, lapsed before now.
func (j *RunJob) LeaseExpired(now time.Time) bool {
	return j.Status == RunJobStatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}
