package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/domain/ports/repository"
)

// Compile-time check
var _ FollowUpUseCase = (*followUpUC)(nil)

// FollowUpUseCase schedules, lists and fires time-based follow-up actions
// tied to a run and sender. There is no automatic recurrence: callers
// re-schedule after firing.
type FollowUpUseCase interface {
	Schedule(ctx context.Context, runID, sender, actionType string, payload json.RawMessage, after time.Duration) (string, error)
	CheckDue(ctx context.Context) ([]*model.ScheduledAction, error)
	FireDue(ctx context.Context) (int, error)
	MarkFired(ctx context.Context, actionID string) error
	Cancel(ctx context.Context, actionID string) error
	ListPending(ctx context.Context, sender string) ([]*model.ScheduledAction, error)
}

type followUpUC struct {
	actions repository.ScheduledActionRepository
	egress  adapter.Egress
	log     *zerolog.Logger
	now     func() time.Time
}

func NewFollowUpUseCase(actions repository.ScheduledActionRepository, egress adapter.Egress, logger *zerolog.Logger) *followUpUC {
	l := logger.With().Str("component", "FollowUpScheduler").Logger()
	return &followUpUC{actions: actions, egress: egress, log: &l, now: time.Now}
}

func (f *followUpUC) Schedule(ctx context.Context, runID, sender, actionType string, payload json.RawMessage, after time.Duration) (string, error) {
	a := &model.ScheduledAction{
		ID:         uuid.NewString(),
		RunID:      runID,
		Sender:     sender,
		ActionType: actionType,
		FireAt:     f.now().Add(after),
		Payload:    payload,
		CreatedAt:  f.now(),
	}
	if err := f.actions.Save(ctx, nil, a); err != nil {
		return "", err
	}
	f.log.Debug().Str("action_id", a.ID).Str("run_id", runID).Time("fire_at", a.FireAt).Msg("follow-up scheduled")
	return a.ID, nil
}

func (f *followUpUC) CheckDue(ctx context.Context) ([]*model.ScheduledAction, error) {
	return f.actions.Due(ctx, nil)
}

// FireDue delivers the nudge for every due action and marks it fired.
// MarkFired happens before the send so a crashed delivery never loops:
// a lost nudge is preferable to a repeating one.
func (f *followUpUC) FireDue(ctx context.Context) (int, error) {
	due, err := f.actions.Due(ctx, nil)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, a := range due {
		if err := f.actions.MarkFired(ctx, nil, a.ID); err != nil {
			f.log.Error().Err(err).Str("action_id", a.ID).Msg("could not mark follow-up fired")
			continue
		}
		fired++
		if f.egress == nil {
			continue
		}
		text := f.nudgeText(a)
		if err := f.egress.Send(ctx, a.Sender, text); err != nil {
			f.log.Error().Err(err).Str("action_id", a.ID).Str("sender", a.Sender).Msg("follow-up nudge failed")
		}
	}
	return fired, nil
}

func (f *followUpUC) nudgeText(a *model.ScheduledAction) string {
	var body struct {
		Note string `json:"note"`
	}
	_ = json.Unmarshal(a.Payload, &body)
	switch {
	case body.Note != "" && a.RunID != "":
		return fmt.Sprintf("Follow-up on run %s: %s", a.RunID, body.Note)
	case body.Note != "":
		return "Follow-up: " + body.Note
	case a.RunID != "":
		return fmt.Sprintf("Follow-up: run %s may need your attention (%s).", a.RunID, a.ActionType)
	default:
		return "Follow-up: " + a.ActionType
	}
}

func (f *followUpUC) MarkFired(ctx context.Context, actionID string) error {
	return f.actions.MarkFired(ctx, nil, actionID)
}

func (f *followUpUC) Cancel(ctx context.Context, actionID string) error {
	return f.actions.Delete(ctx, nil, actionID)
}

func (f *followUpUC) ListPending(ctx context.Context, sender string) ([]*model.ScheduledAction, error) {
	return f.actions.ListPending(ctx, nil, sender)
}
