package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/adapter"
)

// ExecuteApproved runs the approved work for a run. It is the single
// execution subroutine shared by the inline approval path and the async
// workers, and is safe to re-run: it re-reads Run and Approval state instead
// of trusting caller-local assumptions.
//
// The returned string is the human-readable outcome for the requester. A
// non-nil error means the run failed hard; a checkpoint is a nil-error
// outcome with the run parked in awaiting_approval.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, runID, requestID, extra string) (string, error) {
	run, err := o.runs.FindByID(ctx, nil, runID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.IsTerminal() {
		// A second worker racing on an expired lease after completion lands
		// here; report no-op rather than executing twice.
		return "", domain.ErrRunTerminal
	}

	approval, err := o.approvals.FindByID(ctx, nil, requestID)
	if err != nil {
		return "", fmt.Errorf("load approval %s: %w", requestID, err)
	}
	if approval.Status != model.ApprovalStatusApproved {
		return "", fmt.Errorf("approval %s is %s, not approved", requestID, approval.Status)
	}

	if err := o.runs.UpdateState(ctx, nil, run.ID, model.RunStateExecuting); err != nil {
		return "", err
	}
	o.appendEvent(ctx, run.ID, "execute", model.EventExecutionStarted, map[string]any{"request_id": requestID})

	threadID, err := o.ensureThread(ctx, run.Sender, model.SessionModeTask)
	if err != nil {
		return o.terminateFailed(ctx, run, err)
	}

	prompt := o.buildExecutorPrompt(run, approval, extra)
	res, err := o.runExecutorTurn(ctx, run, threadID, prompt)
	if err != nil {
		return o.terminateFailed(ctx, run, err)
	}

	if res.TimedOut {
		if !o.cfg.CheckpointEnabled {
			return o.terminateFailed(ctx, run, errors.New("agent execution timed out"))
		}
		return o.checkpoint(ctx, run, approval)
	}

	// Verification pass. Best effort: a failed or timed-out verify turn is
	// noted in the completion message but never fails the run.
	_ = o.runs.UpdateState(ctx, nil, run.ID, model.RunStateVerifying)
	verifyNote := ""
	verifyPrompt := fmt.Sprintf("You are in %s mode. Briefly confirm whether the work below fulfills the task %q, and flag anything left undone.\n\n%s",
		adapter.TurnModeVerifier, truncate(run.Intent, 200), truncate(res.Text, 2000))
	if vres, verr := o.agentTurn(ctx, adapter.TurnModeVerifier, threadID, verifyPrompt); verr != nil || vres.TimedOut {
		verifyNote = "\n(verification was skipped)"
	} else if vres.Text != "" {
		verifyNote = "\nVerification: " + vres.Text
	}

	if err := o.runs.UpdateState(ctx, nil, run.ID, model.RunStateCompleted); err != nil {
		return "", err
	}
	o.appendEvent(ctx, run.ID, "execute", model.EventCompleted, map[string]any{"request_id": requestID})
	return fmt.Sprintf("Run %s completed.\n%s%s", run.ID, res.Text, verifyNote), nil
}

// ExecuteJob is the worker-facing entry point. It delivers the terminal
// outcome to the sender; delivery failure never fails a completed job.
func (o *Orchestrator) ExecuteJob(ctx context.Context, job *model.RunJob) error {
	text, err := o.ExecuteApproved(ctx, job.RunID, job.Payload.RequestID, job.Payload.ExtraInstructions)
	if errors.Is(err, domain.ErrRunTerminal) {
		o.log.Info().Str("job_id", job.ID).Str("run_id", job.RunID).Msg("run already terminal, job is a no-op")
		return nil
	}
	notify := text
	if err != nil {
		if notify == "" {
			notify = fmt.Sprintf("Run %s failed: the agent could not finish the task.", job.RunID)
		}
	}
	if notify != "" && o.egress != nil {
		if sendErr := o.deliver(ctx, job.Sender, notify); sendErr != nil {
			o.log.Error().Err(sendErr).Str("job_id", job.ID).Msg("result delivery failed")
		}
	}
	return err
}

func (o *Orchestrator) buildExecutorPrompt(run *model.Run, approval *model.Approval, extra string) string {
	prompt := fmt.Sprintf(
		"You are in %s mode. Working directory: %s\nExecute the approved task below. Report what you did when done.\n\nTask: %s",
		adapter.TurnModeExecutor, run.WorkDir, approval.CommandPreview)
	if approval.Summary != "" {
		prompt += "\n\nApproved plan:\n" + approval.Summary
	}
	if extra != "" {
		prompt += "\n\nAdditional instructions: " + extra
	}
	return prompt
}

// runExecutorTurn prefers the streaming turn when enabled, forwarding
// rate-limited progress lines to the sender. Progress delivery failures never
// abort the execution.
func (o *Orchestrator) runExecutorTurn(ctx context.Context, run *model.Run, threadID, prompt string) (adapter.TurnResult, error) {
	if o.cfg.StreamingEnabled {
		if sc, ok := o.connector.(adapter.StreamingConnector); ok {
			o.countUsage(ctx)
			return sc.RunTurnStreaming(ctx, threadID, prompt, func(line string) {
				o.forwardProgress(ctx, run, line)
			})
		}
	}
	return o.agentTurn(ctx, adapter.TurnModeExecutor, threadID, prompt)
}

func (o *Orchestrator) forwardProgress(ctx context.Context, run *model.Run, line string) {
	if line == "" || o.egress == nil {
		return
	}
	o.progMu.Lock()
	last := o.lastProgress[run.ID]
	now := time.Now()
	if now.Sub(last) < o.cfg.ProgressMinInterval {
		o.progMu.Unlock()
		return
	}
	o.lastProgress[run.ID] = now
	o.progMu.Unlock()

	if err := o.egress.Send(ctx, run.Sender, "[Progress] "+truncate(line, 300)); err != nil {
		o.log.Debug().Err(err).Str("run_id", run.ID).Msg("progress delivery failed")
	}
}

// checkpoint parks a timed-out run behind a fresh approval, or fails it once
// the resume budget is spent. The new approval id implicitly invalidates any
// prior pending request on the run.
func (o *Orchestrator) checkpoint(ctx context.Context, run *model.Run, prior *model.Approval) (string, error) {
	o.appendEvent(ctx, run.ID, "checkpoint", model.EventCheckpointCreated, map[string]any{"prior_request_id": prior.ID})

	resumes := 0
	if events, err := o.events.ListByRun(ctx, nil, run.ID, 0); err == nil {
		for _, e := range events {
			if e.Type == model.EventCheckpointCreated {
				resumes++
			}
		}
	}
	if resumes >= o.cfg.MaxResumeAttempts {
		if n, err := o.approvals.ExpirePendingByRun(ctx, nil, run.ID); err == nil && n > 0 {
			o.log.Info().Str("run_id", run.ID).Int("expired", n).Msg("expired stale approvals")
		}
		_ = o.runs.UpdateState(ctx, nil, run.ID, model.RunStateFailed)
		o.appendEvent(ctx, run.ID, "checkpoint", model.EventExecutionFailed,
			map[string]any{"error": fmt.Sprintf("execution failed after %d resume attempts", resumes)})
		o.cancelRunFollowUps(ctx, run.Sender, run.ID)
		return fmt.Sprintf("Run %s: execution failed after %d attempts.", run.ID, resumes), errors.New("resume attempts exhausted")
	}

	// Supersede any prior pending request before issuing the new one.
	_, _ = o.approvals.ExpirePendingByRun(ctx, nil, run.ID)

	cp := &model.Approval{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		Sender:         run.Sender,
		Summary:        fmt.Sprintf("The agent timed out mid-run (attempt %d of %d). Partial progress is preserved.", resumes, o.cfg.MaxResumeAttempts),
		CommandPreview: prior.CommandPreview,
		Status:         model.ApprovalStatusPending,
		ExpiresAt:      time.Now().Add(o.cfg.ApprovalTTL),
		CreatedAt:      time.Now(),
	}
	if err := o.approvals.Save(ctx, nil, cp); err != nil {
		return "", fmt.Errorf("create checkpoint approval: %w", err)
	}
	if err := o.runs.UpdateState(ctx, nil, run.ID, model.RunStateAwaitingApproval); err != nil {
		return "", err
	}
	o.scheduleApprovalNudge(ctx, cp)
	return fmt.Sprintf("Run %s timed out mid-execution. Reply `approve %s` to resume (optionally: `approve %s continue with ...`), or `deny %s` to stop.",
		run.ID, cp.ID, cp.ID, cp.ID), nil
}

func (o *Orchestrator) terminateFailed(ctx context.Context, run *model.Run, cause error) (string, error) {
	o.log.Error().Err(cause).Str("run_id", run.ID).Msg("execution failed")
	if err := o.runs.UpdateState(ctx, nil, run.ID, model.RunStateFailed); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("could not mark run failed")
	}
	o.appendEvent(ctx, run.ID, "execute", model.EventExecutionFailed, map[string]any{"error": cause.Error()})
	return fmt.Sprintf("Run %s failed: the agent hit an error while executing.", run.ID), cause
}
