package repository

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

type SessionRepository interface {
	// Upsert creates or overwrites the sender's session.
	Upsert(ctx context.Context, tx Tx, s *model.Session) error
	FindBySender(ctx context.Context, tx Tx, sender string) (*model.Session, error)
	List(ctx context.Context, tx Tx) ([]*model.Session, error)
}
