package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain/ports/adapter"
)

var _ adapter.Connector = (*NoopConnector)(nil)

// NoopConnector echoes prompts for local/dev runs without a real agent.
type NoopConnector struct {
	log *zerolog.Logger

	mu      sync.Mutex
	threads map[string]string
}

func NewNoopConnector(logger *zerolog.Logger) *NoopConnector {
	l := logger.With().Str("component", "NoopConnector").Logger()
	return &NoopConnector{log: &l, threads: make(map[string]string)}
}

func (n *NoopConnector) EnsureStarted(_ context.Context) error { return nil }

func (n *NoopConnector) GetOrCreateThread(_ context.Context, sender string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.threads[sender]; ok {
		return id, nil
	}
	id := "noop-" + sender
	n.threads[sender] = id
	return id, nil
}

func (n *NoopConnector) ResetThread(_ context.Context, sender string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := "noop-" + sender
	n.threads[sender] = id
	return id, nil
}

func (n *NoopConnector) RunTurn(_ context.Context, threadID, prompt string) (adapter.TurnResult, error) {
	n.log.Debug().Str("thread_id", threadID).Int("prompt_len", len(prompt)).Msg("noop turn")
	return adapter.TurnResult{Text: "noop: " + prompt}, nil
}

func (n *NoopConnector) Shutdown(_ context.Context) error { return nil }
