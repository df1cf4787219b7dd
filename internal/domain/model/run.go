package model

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

type RunState string

const (
	RunStatePlanning         RunState = "planning"
	RunStateAwaitingApproval RunState = "awaiting_approval"
	RunStateQueued           RunState = "queued"
	RunStateExecuting        RunState = "executing"
	RunStateVerifying        RunState = "verifying"
	RunStateCompleted        RunState = "completed"
	RunStateFailed           RunState = "failed"
)

type RiskLevel string

const (
	RiskReadOnly RiskLevel = "read_only"
	RiskMutating RiskLevel = "mutating"
)

// Run is one tracked unit of orchestrated agent work, from intent
// classification through to terminal completion or failure. Its State is the
// single source of truth other components branch on.
type Run struct {
	ID      string
	Sender  string
	Intent  string
	State   RunState
	WorkDir string
	Risk    RiskLevel
	// SourceContext carries arbitrary caller context (active team, workspace
	// alias, originating channel) as opaque JSON.
	SourceContext json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRunID returns a ULID so run ids sort by creation time.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func NewRun(sender, intent, workDir string, risk RiskLevel, sourceContext json.RawMessage) *Run {
	now := time.Now()
	return &Run{
		ID:            NewRunID(),
		Sender:        sender,
		Intent:        intent,
		State:         RunStatePlanning,
		WorkDir:       workDir,
		Risk:          risk,
		SourceContext: sourceContext,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r *Run) IsTerminal() bool {
	return r.State == RunStateCompleted || r.State == RunStateFailed
}
