package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/infra/metrics"
)

var _ adapter.Connector = (*OpenAIConnector)(nil)

const openAISystemPrompt = "You are a coding assistant working inside a personal gateway. " +
	"Answer concisely. When asked to plan, produce a short numbered plan. " +
	"When asked to verify, state clearly whether the result fulfills the task."

type chatEntry struct {
	role string // "user" | "assistant"
	text string
}

// OpenAIConnector runs turns against the Chat Completions API. Threads are
// in-memory conversation histories keyed by thread id; the prompt budget is
// enforced by dropping the oldest entries until the encoded prompt fits.
type OpenAIConnector struct {
	client    openai.Client
	model     string
	maxTokens int
	log       *zerolog.Logger

	mu       sync.Mutex
	threads  map[string]string // sender -> thread id
	history  map[string][]chatEntry
	encoding *tiktoken.Tiktoken
}

func NewOpenAIConnector(apiKey, model string, maxPromptTokens int, logger *zerolog.Logger) (*OpenAIConnector, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	l := logger.With().Str("component", "OpenAIConnector").Logger()
	return &OpenAIConnector{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxPromptTokens,
		log:       &l,
		threads:   make(map[string]string),
		history:   make(map[string][]chatEntry),
		encoding:  enc,
	}, nil
}

func (o *OpenAIConnector) EnsureStarted(_ context.Context) error { return nil }

func (o *OpenAIConnector) GetOrCreateThread(_ context.Context, sender string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.threads[sender]; ok {
		return id, nil
	}
	id := "oa-" + sender
	o.threads[sender] = id
	return id, nil
}

func (o *OpenAIConnector) ResetThread(_ context.Context, sender string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.threads[sender]
	if id == "" {
		id = "oa-" + sender
		o.threads[sender] = id
	}
	delete(o.history, id)
	return id, nil
}

func (o *OpenAIConnector) RunTurn(ctx context.Context, threadID, prompt string) (adapter.TurnResult, error) {
	start := time.Now()

	o.mu.Lock()
	entries := append([]chatEntry{}, o.history[threadID]...)
	o.mu.Unlock()

	entries = append(entries, chatEntry{role: "user", text: prompt})
	entries = o.fitBudget(entries)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(entries)+1)
	msgs = append(msgs, openai.SystemMessage(openAISystemPrompt))
	for _, e := range entries {
		if e.role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(e.text))
		} else {
			msgs = append(msgs, openai.UserMessage(e.text))
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    openai.ChatModel(o.model),
	})
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ObserveConnectorTurn("openai", "timeout", elapsed)
			return adapter.TurnResult{TimedOut: true}, nil
		}
		metrics.ObserveConnectorTurn("openai", "error", elapsed)
		return adapter.TurnResult{}, err
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveConnectorTurn("openai", "error", elapsed)
		return adapter.TurnResult{}, errors.New("openai: no choice content")
	}
	text := resp.Choices[0].Message.Content

	o.mu.Lock()
	o.history[threadID] = append(entries, chatEntry{role: "assistant", text: text})
	o.mu.Unlock()

	metrics.ObserveConnectorTurn("openai", "ok", elapsed)
	metrics.AddPromptTokens("openai", int(resp.Usage.PromptTokens))
	return adapter.TurnResult{Text: text}, nil
}

func (o *OpenAIConnector) Shutdown(_ context.Context) error { return nil }

// fitBudget drops the oldest entries until the encoded prompt is under the
// configured token ceiling. The newest message always survives.
func (o *OpenAIConnector) fitBudget(entries []chatEntry) []chatEntry {
	if o.maxTokens <= 0 {
		return entries
	}
	for len(entries) > 1 {
		total := 0
		for _, e := range entries {
			total += len(o.encoding.Encode(e.text, nil, nil))
		}
		if total <= o.maxTokens {
			break
		}
		entries = entries[1:]
	}
	return entries
}
