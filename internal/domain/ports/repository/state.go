package repository

import "context"

// StateRepository is a generic key-value store for cross-restart scalars
// (daemon start time, last processed rowids and similar).
type StateRepository interface {
	GetState(ctx context.Context, tx Tx, key string) (string, error)
	SetState(ctx context.Context, tx Tx, key, value string) error
}
