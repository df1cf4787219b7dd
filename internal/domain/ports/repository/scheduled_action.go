package repository

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

type ScheduledActionRepository interface {
	Save(ctx context.Context, tx Tx, a *model.ScheduledAction) error
	// Due returns unfired actions whose fire-at time has passed, ordered by
	// fire-at ascending.
	Due(ctx context.Context, tx Tx) ([]*model.ScheduledAction, error)
	// MarkFired is idempotent; firing an already-fired action is a no-op.
	MarkFired(ctx context.Context, tx Tx, id string) error
	Delete(ctx context.Context, tx Tx, id string) error
	// ListPending lists unfired actions, optionally scoped to a sender.
	ListPending(ctx context.Context, tx Tx, sender string) ([]*model.ScheduledAction, error)
}
