package repository

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

type RunRepository interface {
	Save(ctx context.Context, tx Tx, run *model.Run) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Run, error)
	// UpdateState transitions the run and bumps updated_at.
	UpdateState(ctx context.Context, tx Tx, id string, state model.RunState) error
	// ListActive returns non-terminal runs, optionally scoped to a sender
	// (empty sender = all).
	ListActive(ctx context.Context, tx Tx, sender string) ([]*model.Run, error)
}
