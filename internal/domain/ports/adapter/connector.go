package adapter

import "context"

// TurnMode frames the role a connector turn plays inside a run.
type TurnMode string

const (
	TurnModeChat     TurnMode = "chat"
	TurnModePlanner  TurnMode = "planner"
	TurnModeExecutor TurnMode = "executor"
	TurnModeVerifier TurnMode = "verifier"
)

// TurnResult is the typed outcome of an agent turn. Timeout is a structured
// signal, distinct from a hard failure, so callers never have to
// substring-match the agent's output.
type TurnResult struct {
	Text     string
	TimedOut bool
}

// Connector is the external AI-agent execution backend. It must tolerate
// planner/verifier/executor role framing embedded in the prompt and is not
// assumed stateful beyond thread identity.
type Connector interface {
	EnsureStarted(ctx context.Context) error
	GetOrCreateThread(ctx context.Context, sender string) (string, error)
	ResetThread(ctx context.Context, sender string) (string, error)
	RunTurn(ctx context.Context, threadID, prompt string) (TurnResult, error)
	Shutdown(ctx context.Context) error
}

// StreamingConnector is optionally implemented by connectors that can surface
// intermediate progress lines during a turn.
type StreamingConnector interface {
	Connector
	RunTurnStreaming(ctx context.Context, threadID, prompt string, onProgress func(line string)) (TurnResult, error)
}
