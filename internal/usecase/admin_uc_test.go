package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
)

func newAdminHarness(t *testing.T) (*adminUC, *orchHarness) {
	t.Helper()
	h := newHarness(OrchestratorConfig{}, true)
	uc := NewAdminUseCase(h.sessions, h.runs, h.approvals, h.events, h.jobs, &MockTxManager{}, testLogger())
	return uc, h
}

func TestAdminOverride_ApproveEnqueuesJob(t *testing.T) {
	uc, h := newAdminHarness(t)
	ctx := context.Background()

	task, err := h.orch.HandleMessage(ctx, inbound("m1", "alice", "task: fix the bug"))
	if err != nil {
		t.Fatal(err)
	}
	runID, err := uc.OverrideApproval(ctx, task.RequestID, true)
	if err != nil {
		t.Fatal(err)
	}
	if runID != task.RunID {
		t.Errorf("runID = %s, want %s", runID, task.RunID)
	}
	if got := h.runs.state(task.RunID); got != model.RunStateQueued {
		t.Errorf("run state = %s, want queued", got)
	}

	job, err := h.jobs.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// The job carries the original sender so the result lands in the right chat.
	if job.Sender != "alice" || job.Payload.RequestID != task.RequestID {
		t.Errorf("job = %+v", job)
	}
	if n := h.events.countByType(task.RunID, model.EventApprovalResolved); n != 1 {
		t.Errorf("approval_resolved events = %d", n)
	}
}

func TestAdminOverride_DenyLeavesRunAlone(t *testing.T) {
	uc, h := newAdminHarness(t)
	ctx := context.Background()

	task, err := h.orch.HandleMessage(ctx, inbound("m1", "alice", "task: fix the bug"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uc.OverrideApproval(ctx, task.RequestID, false); err != nil {
		t.Fatal(err)
	}
	a, _ := h.approvals.FindByID(ctx, nil, task.RequestID)
	if a.Status != model.ApprovalStatusDenied {
		t.Errorf("approval status = %s, want denied", a.Status)
	}
	if got := h.runs.state(task.RunID); got != model.RunStateAwaitingApproval {
		t.Errorf("run state = %s, want awaiting_approval", got)
	}
	if _, err := h.jobs.Claim(ctx, "w1", time.Minute); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("denied override must not enqueue a job, got %v", err)
	}
}

func TestAdminOverride_ResolvedTwice(t *testing.T) {
	uc, h := newAdminHarness(t)
	ctx := context.Background()

	task, err := h.orch.HandleMessage(ctx, inbound("m1", "alice", "task: fix the bug"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uc.OverrideApproval(ctx, task.RequestID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := uc.OverrideApproval(ctx, task.RequestID, true); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("second override err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := uc.OverrideApproval(ctx, "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestAdmin_ReadViews(t *testing.T) {
	uc, h := newAdminHarness(t)
	ctx := context.Background()

	task, err := h.orch.HandleMessage(ctx, inbound("m1", "alice", "task: fix the bug"))
	if err != nil {
		t.Fatal(err)
	}
	pending, err := uc.PendingApprovals(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d (%v), want 1", len(pending), err)
	}
	runs, err := uc.ActiveRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("active runs = %d (%v), want 1", len(runs), err)
	}
	run, events, err := uc.RunDetail(ctx, task.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.ID != task.RunID || len(events) == 0 {
		t.Errorf("run = %+v, events = %d", run, len(events))
	}
	sessions, err := uc.Sessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %d (%v), want 1", len(sessions), err)
	}
}
