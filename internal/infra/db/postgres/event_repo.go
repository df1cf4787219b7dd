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

var _ repository.EventRepository = (*eventRepo)(nil)

type eventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *eventRepo {
	return &eventRepo{pool: pool}
}

// Append only inserts; there is intentionally no update or delete path.
func (r *eventRepo) Append(ctx context.Context, tx repository.Tx, e *model.Event) error {
	const q = `
INSERT INTO events (id, run_id, step, type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6);`
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := execSQL(ctx, r.pool, tx, q, e.ID, e.RunID, e.Step, e.Type, payload, e.CreatedAt)
	return err
}

func (r *eventRepo) ListByRun(ctx context.Context, tx repository.Tx, runID string, limit int) ([]*model.Event, error) {
	q := `
SELECT id, run_id, step, type, payload, created_at
  FROM events WHERE run_id = $1 ORDER BY created_at`
	args := []interface{}{runID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.list(ctx, tx, q+";", args...)
}

func (r *eventRepo) ListRecent(ctx context.Context, tx repository.Tx, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, run_id, step, type, payload, created_at
  FROM events ORDER BY created_at DESC LIMIT $1;`
	return r.list(ctx, tx, q, limit)
}

func (r *eventRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Event, error) {
	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.Step, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
