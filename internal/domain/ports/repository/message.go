package repository

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

type MessageRepository interface {
	// Record inserts the message if its id has not been seen before and
	// reports whether an insert happened. Re-delivery of a known id must be
	// a no-op returning false, with no other side effects.
	Record(ctx context.Context, tx Tx, msg *model.Message) (inserted bool, err error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Message, error)
	// Search returns the sender's most recent messages, newest first,
	// optionally filtered by a substring query.
	Search(ctx context.Context, tx Tx, sender, query string, limit int) ([]*model.Message, error)
}
