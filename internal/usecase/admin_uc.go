package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
)

// Compile-time check
var _ AdminUseCase = (*adminUC)(nil)

// AdminUseCase backs the operator API: read-only visibility into sessions,
// runs and approvals, plus a force-resolve override that bypasses the
// requester check (the operator is trusted).
type AdminUseCase interface {
	PendingApprovals(ctx context.Context) ([]*model.Approval, error)
	Sessions(ctx context.Context) ([]*model.Session, error)
	ActiveRuns(ctx context.Context) ([]*model.Run, error)
	RunDetail(ctx context.Context, runID string) (*model.Run, []*model.Event, error)
	RecentEvents(ctx context.Context, limit int) ([]*model.Event, error)
	OverrideApproval(ctx context.Context, approvalID string, approve bool) (string, error)
}

type adminUC struct {
	sessions  repository.SessionRepository
	runs      repository.RunRepository
	approvals repository.ApprovalRepository
	events    repository.EventRepository
	jobs      repository.RunJobRepository
	tm        repository.TransactionManager
	log       *zerolog.Logger
}

func NewAdminUseCase(
	sessions repository.SessionRepository,
	runs repository.RunRepository,
	approvals repository.ApprovalRepository,
	events repository.EventRepository,
	jobs repository.RunJobRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *adminUC {
	l := logger.With().Str("component", "AdminUC").Logger()
	return &adminUC{
		sessions:  sessions,
		runs:      runs,
		approvals: approvals,
		events:    events,
		jobs:      jobs,
		tm:        tm,
		log:       &l,
	}
}

func (a *adminUC) PendingApprovals(ctx context.Context) ([]*model.Approval, error) {
	return a.approvals.ListPending(ctx, nil)
}

func (a *adminUC) Sessions(ctx context.Context) ([]*model.Session, error) {
	return a.sessions.List(ctx, nil)
}

func (a *adminUC) ActiveRuns(ctx context.Context) ([]*model.Run, error) {
	return a.runs.ListActive(ctx, nil, "")
}

func (a *adminUC) RunDetail(ctx context.Context, runID string) (*model.Run, []*model.Event, error) {
	run, err := a.runs.FindByID(ctx, nil, runID)
	if err != nil {
		return nil, nil, err
	}
	events, err := a.events.ListByRun(ctx, nil, runID, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, events, nil
}

func (a *adminUC) RecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	return a.events.ListRecent(ctx, nil, limit)
}

// OverrideApproval force-resolves a pending approval. An approved override
// enqueues the run for the executor pool exactly like a requester approval
// would; a denied one leaves the run non-terminal.
func (a *adminUC) OverrideApproval(ctx context.Context, approvalID string, approve bool) (string, error) {
	approval, err := a.approvals.FindByID(ctx, nil, approvalID)
	if err != nil {
		return "", err
	}

	status := model.ApprovalStatusDenied
	if approve {
		status = model.ApprovalStatusApproved
	}

	err = a.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		won, err := a.approvals.Resolve(ctx, tx, approval.ID, status)
		if err != nil {
			return err
		}
		if !won {
			return domain.ErrAlreadyResolved
		}
		if !approve {
			return nil
		}
		job := &model.RunJob{
			ID:     uuid.NewString(),
			RunID:  approval.RunID,
			Sender: approval.Sender,
			Payload: model.RunJobPayload{
				RequestID:   approval.ID,
				PlanSummary: approval.Summary,
				Phase:       "execute",
			},
			Status:    model.RunJobStatusQueued,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := a.jobs.Enqueue(ctx, tx, job); err != nil {
			return err
		}
		return a.runs.UpdateState(ctx, tx, approval.RunID, model.RunStateQueued)
	})
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{"request_id": approval.ID, "status": string(status), "override": true})
	_ = a.events.Append(ctx, nil, &model.Event{
		ID:        uuid.NewString(),
		RunID:     approval.RunID,
		Step:      "approval",
		Type:      model.EventApprovalResolved,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	a.log.Info().Str("request_id", approval.ID).Bool("approve", approve).Msg("approval overridden")
	return approval.RunID, nil
}
