package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
)

var _ repository.ScheduledActionRepository = (*scheduledActionRepo)(nil)

type scheduledActionRepo struct {
	pool *pgxpool.Pool
}

func NewScheduledActionRepo(pool *pgxpool.Pool) *scheduledActionRepo {
	return &scheduledActionRepo{pool: pool}
}

func (r *scheduledActionRepo) Save(ctx context.Context, tx repository.Tx, a *model.ScheduledAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	payload := a.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	const q = `
INSERT INTO scheduled_actions (id, run_id, sender, action_type, fire_at, payload, fired, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET fire_at = EXCLUDED.fire_at, payload = EXCLUDED.payload;`
	_, err := execSQL(ctx, r.pool, tx, q, a.ID, a.RunID, a.Sender, a.ActionType, a.FireAt, payload, a.Fired, a.CreatedAt)
	return err
}

func (r *scheduledActionRepo) Due(ctx context.Context, tx repository.Tx) ([]*model.ScheduledAction, error) {
	const q = `
SELECT id, run_id, sender, action_type, fire_at, payload, fired, created_at
  FROM scheduled_actions
 WHERE fired = FALSE AND fire_at <= now()
 ORDER BY fire_at;`
	return r.list(ctx, tx, q)
}

// MarkFired is idempotent: firing an already-fired action changes nothing.
func (r *scheduledActionRepo) MarkFired(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE scheduled_actions SET fired = TRUE WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	return err
}

func (r *scheduledActionRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	const q = `DELETE FROM scheduled_actions WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	return err
}

func (r *scheduledActionRepo) ListPending(ctx context.Context, tx repository.Tx, sender string) ([]*model.ScheduledAction, error) {
	const q = `
SELECT id, run_id, sender, action_type, fire_at, payload, fired, created_at
  FROM scheduled_actions
 WHERE fired = FALSE AND ($1 = '' OR sender = $1)
 ORDER BY fire_at;`
	return r.list(ctx, tx, q, sender)
}

func (r *scheduledActionRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.ScheduledAction, error) {
	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ScheduledAction
	for rows.Next() {
		var a model.ScheduledAction
		if err := rows.Scan(&a.ID, &a.RunID, &a.Sender, &a.ActionType, &a.FireAt, &a.Payload, &a.Fired, &a.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
