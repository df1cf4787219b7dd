package model

import "time"

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Approval is a one-time human consent gate blocking a run's mutating
// execution. At most one approval is pending per run; a checkpoint supersedes
// the prior request by creating a new id.
type Approval struct {
	ID             string
	RunID          string
	Sender         string
	Summary        string
	CommandPreview string
	Status         ApprovalStatus
	ExpiresAt      time.Time
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

func (a *Approval) IsPending() bool { return a.Status == ApprovalStatusPending }
