package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/infra/metrics"
)

var _ adapter.Connector = (*GeminiConnector)(nil)

// GeminiConnector runs turns against the Gemini API via the official SDK.
// Threads carry an in-memory history replayed into a fresh chat per turn.
type GeminiConnector struct {
	client *genai.Client
	model  string
	log    *zerolog.Logger

	mu      sync.Mutex
	threads map[string]string // sender -> thread id
	history map[string][]*genai.Content
}

func NewGeminiConnector(ctx context.Context, apiKey, model string, logger *zerolog.Logger) (*GeminiConnector, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	l := logger.With().Str("component", "GeminiConnector").Logger()
	return &GeminiConnector{
		client:  c,
		model:   model,
		log:     &l,
		threads: make(map[string]string),
		history: make(map[string][]*genai.Content),
	}, nil
}

func (g *GeminiConnector) EnsureStarted(_ context.Context) error { return nil }

func (g *GeminiConnector) GetOrCreateThread(_ context.Context, sender string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.threads[sender]; ok {
		return id, nil
	}
	id := "gm-" + sender
	g.threads[sender] = id
	return id, nil
}

func (g *GeminiConnector) ResetThread(_ context.Context, sender string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.threads[sender]
	if id == "" {
		id = "gm-" + sender
		g.threads[sender] = id
	}
	delete(g.history, id)
	return id, nil
}

func (g *GeminiConnector) RunTurn(ctx context.Context, threadID, prompt string) (adapter.TurnResult, error) {
	start := time.Now()

	g.mu.Lock()
	history := append([]*genai.Content{}, g.history[threadID]...)
	g.mu.Unlock()

	chat, err := g.client.Chats.Create(ctx, g.model, nil, history)
	if err != nil {
		metrics.ObserveConnectorTurn("gemini", "error", time.Since(start))
		return adapter.TurnResult{}, err
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: prompt})
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ObserveConnectorTurn("gemini", "timeout", elapsed)
			return adapter.TurnResult{TimedOut: true}, nil
		}
		metrics.ObserveConnectorTurn("gemini", "error", elapsed)
		return adapter.TurnResult{}, err
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}

	g.mu.Lock()
	g.history[threadID] = append(history,
		&genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: prompt}}},
		&genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
	)
	g.mu.Unlock()

	metrics.ObserveConnectorTurn("gemini", "ok", elapsed)
	if resp != nil && resp.UsageMetadata != nil {
		metrics.AddPromptTokens("gemini", int(resp.UsageMetadata.PromptTokenCount))
	}
	return adapter.TurnResult{Text: text}, nil
}

func (g *GeminiConnector) Shutdown(_ context.Context) error { return nil }
