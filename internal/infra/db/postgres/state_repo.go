package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/ports/repository"
)

var _ repository.StateRepository = (*stateRepo)(nil)

type stateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *stateRepo {
	return &stateRepo{pool: pool}
}

func (r *stateRepo) GetState(ctx context.Context, tx repository.Tx, key string) (string, error) {
	const q = `SELECT value FROM app_state WHERE key = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, key)
	if err != nil {
		return "", err
	}
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", domain.ErrReadDatabaseRow
	}
	return v, nil
}

func (r *stateRepo) SetState(ctx context.Context, tx repository.Tx, key, value string) error {
	const q = `
INSERT INTO app_state (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;`
	_, err := execSQL(ctx, r.pool, tx, q, key, value)
	return err
}
