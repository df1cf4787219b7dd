package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
	"personal-agent-gateway/internal/infra/metrics"
)

var _ repository.RunRepository = (*runRepo)(nil)

type runRepo struct {
	pool *pgxpool.Pool
}

func NewRunRepo(pool *pgxpool.Pool) *runRepo {
	return &runRepo{pool: pool}
}

func (r *runRepo) Save(ctx context.Context, tx repository.Tx, run *model.Run) error {
	if run.ID == "" {
		run.ID = model.NewRunID()
	}
	run.UpdatedAt = time.Now()
	const q = `
INSERT INTO runs (id, sender, intent, state, work_dir, risk, source_context, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  state = EXCLUDED.state,
  updated_at = EXCLUDED.updated_at;`
	srcCtx := run.SourceContext
	if len(srcCtx) == 0 {
		srcCtx = []byte(`{}`)
	}
	_, err := execSQL(ctx, r.pool, tx, q,
		run.ID, run.Sender, run.Intent, run.State, run.WorkDir, run.Risk, srcCtx, run.CreatedAt, run.UpdatedAt)
	if err == nil && run.State == model.RunStatePlanning {
		metrics.IncRunCreated(string(run.Risk))
	}
	return err
}

func (r *runRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Run, error) {
	const q = `
SELECT id, sender, intent, state, work_dir, risk, source_context, created_at, updated_at
  FROM runs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

func (r *runRepo) UpdateState(ctx context.Context, tx repository.Tx, id string, state model.RunState) error {
	const q = `UPDATE runs SET state = $2, updated_at = now() WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if state == model.RunStateCompleted || state == model.RunStateFailed {
		metrics.IncRunFinished(string(state))
	}
	return nil
}

func (r *runRepo) ListActive(ctx context.Context, tx repository.Tx, sender string) ([]*model.Run, error) {
	const q = `
SELECT id, sender, intent, state, work_dir, risk, source_context, created_at, updated_at
  FROM runs
 WHERE state NOT IN ('completed', 'failed') AND ($1 = '' OR sender = $1)
 ORDER BY created_at;`
	rows, err := pickRows(ctx, r.pool, tx, q, sender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var run model.Run
	err := row.Scan(&run.ID, &run.Sender, &run.Intent, &run.State, &run.WorkDir, &run.Risk,
		&run.SourceContext, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &run, nil
}
