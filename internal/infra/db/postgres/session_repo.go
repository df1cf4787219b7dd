package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
)

var _ repository.SessionRepository = (*sessionRepo)(nil)

type sessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *sessionRepo {
	return &sessionRepo{pool: pool}
}

func (r *sessionRepo) Upsert(ctx context.Context, tx repository.Tx, s *model.Session) error {
	const q = `
INSERT INTO sessions (sender, thread_id, mode, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (sender) DO UPDATE SET
  thread_id = EXCLUDED.thread_id,
  mode = EXCLUDED.mode,
  updated_at = EXCLUDED.updated_at;`
	_, err := execSQL(ctx, r.pool, tx, q, s.Sender, s.ThreadID, s.Mode, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *sessionRepo) FindBySender(ctx context.Context, tx repository.Tx, sender string) (*model.Session, error) {
	const q = `SELECT sender, thread_id, mode, created_at, updated_at FROM sessions WHERE sender = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, sender)
	if err != nil {
		return nil, err
	}
	return scanSession(row)
}

func (r *sessionRepo) List(ctx context.Context, tx repository.Tx) ([]*model.Session, error) {
	const q = `SELECT sender, thread_id, mode, created_at, updated_at FROM sessions ORDER BY updated_at DESC;`
	rows, err := pickRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	err := row.Scan(&s.Sender, &s.ThreadID, &s.Mode, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &s, nil
}
