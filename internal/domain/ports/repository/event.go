package repository

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

type EventRepository interface {
	// Append writes an immutable audit record. Events are never updated.
	Append(ctx context.Context, tx Tx, e *model.Event) error
	// ListByRun returns the run's events oldest first, capped at limit
	// (limit <= 0 means no cap).
	ListByRun(ctx context.Context, tx Tx, runID string, limit int) ([]*model.Event, error)
	ListRecent(ctx context.Context, tx Tx, limit int) ([]*model.Event, error)
}
