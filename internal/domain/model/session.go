package model

import "time"

type SessionMode string

const (
	SessionModeChat SessionMode = "chat"
	SessionModeIdea SessionMode = "idea"
	SessionModePlan SessionMode = "plan"
	SessionModeTask SessionMode = "task"
)

// Session is per-sender conversation state. Created on first contact,
// overwritten on clear-context, never deleted.
type Session struct {
	Sender    string
	ThreadID  string
	Mode      SessionMode
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewSession(sender, threadID string) *Session {
	now := time.Now()
	return &Session{
		Sender:    sender,
		ThreadID:  threadID,
		Mode:      SessionModeChat,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
