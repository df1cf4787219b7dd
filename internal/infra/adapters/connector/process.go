package connector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/infra/metrics"
)

var _ adapter.StreamingConnector = (*ProcessConnector)(nil)

const maxTurnOutput = 64 * 1024

// ProcessConnector drives a local coding-agent CLI. Each turn is one child
// process invocation: the prompt goes to stdin, the reply comes back on
// stdout. Thread identity is passed to the CLI as a session flag so the
// agent can keep its own conversation state between turns.
type ProcessConnector struct {
	bin     string
	args    []string
	timeout time.Duration
	log     *zerolog.Logger

	mu      sync.Mutex
	threads map[string]string // sender -> thread id
}

func NewProcessConnector(bin string, args []string, timeout time.Duration, logger *zerolog.Logger) *ProcessConnector {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	l := logger.With().Str("component", "ProcessConnector").Logger()
	return &ProcessConnector{
		bin:     bin,
		args:    args,
		timeout: timeout,
		log:     &l,
		threads: make(map[string]string),
	}
}

// EnsureStarted verifies the agent binary is resolvable before the first turn.
func (p *ProcessConnector) EnsureStarted(ctx context.Context) error {
	if _, err := exec.LookPath(p.bin); err != nil {
		return fmt.Errorf("agent binary %q not found: %w", p.bin, err)
	}
	return nil
}

func (p *ProcessConnector) GetOrCreateThread(_ context.Context, sender string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.threads[sender]; ok {
		return id, nil
	}
	id := uuid.NewString()
	p.threads[sender] = id
	return id, nil
}

func (p *ProcessConnector) ResetThread(_ context.Context, sender string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	p.threads[sender] = id
	return id, nil
}

func (p *ProcessConnector) RunTurn(ctx context.Context, threadID, prompt string) (adapter.TurnResult, error) {
	return p.RunTurnStreaming(ctx, threadID, prompt, nil)
}

// RunTurnStreaming runs one agent turn, forwarding stdout lines to onProgress
// as they appear. A deadline hit is reported as a timed-out result, not an
// error: the caller decides whether to checkpoint or fail.
func (p *ProcessConnector) RunTurnStreaming(ctx context.Context, threadID, prompt string, onProgress func(line string)) (adapter.TurnResult, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append(append([]string{}, p.args...), "--session", threadID)
	cmd := exec.CommandContext(cctx, p.bin, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return adapter.TurnResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		metrics.ObserveConnectorTurn("process", "error", time.Since(start))
		return adapter.TurnResult{}, fmt.Errorf("start agent: %w", err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if out.Len() < maxTurnOutput {
			out.WriteString(line)
			out.WriteByte('\n')
		}
		if onProgress != nil && strings.TrimSpace(line) != "" {
			onProgress(line)
		}
	}
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if cctx.Err() == context.DeadlineExceeded {
		metrics.ObserveConnectorTurn("process", "timeout", elapsed)
		p.log.Warn().Str("thread_id", threadID).Dur("elapsed", elapsed).Msg("agent turn timed out")
		return adapter.TurnResult{Text: trimOutput(out.String()), TimedOut: true}, nil
	}
	if ctx.Err() != nil {
		return adapter.TurnResult{}, ctx.Err()
	}
	if waitErr != nil {
		metrics.ObserveConnectorTurn("process", "error", elapsed)
		return adapter.TurnResult{}, fmt.Errorf("agent exited: %w (stderr: %s)", waitErr, trimOutput(stderr.String()))
	}

	metrics.ObserveConnectorTurn("process", "ok", elapsed)
	return adapter.TurnResult{Text: trimOutput(out.String())}, nil
}

func (p *ProcessConnector) Shutdown(_ context.Context) error {
	// Turns are one-shot child processes; nothing persistent to stop.
	return nil
}

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxTurnOutput {
		return s
	}
	return s[:maxTurnOutput] + "\n... (truncated)"
}
