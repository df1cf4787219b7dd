package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
	"personal-agent-gateway/internal/infra/metrics"
)

var _ repository.ApprovalRepository = (*approvalRepo)(nil)

type approvalRepo struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) *approvalRepo {
	return &approvalRepo{pool: pool}
}

func (r *approvalRepo) Save(ctx context.Context, tx repository.Tx, a *model.Approval) error {
	const q = `
INSERT INTO approvals (id, run_id, sender, summary, command_preview, status, expires_at, created_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  resolved_at = EXCLUDED.resolved_at;`
	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.RunID, a.Sender, a.Summary, a.CommandPreview, a.Status, a.ExpiresAt, a.CreatedAt, a.ResolvedAt)
	return err
}

func (r *approvalRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Approval, error) {
	const q = `
SELECT id, run_id, sender, summary, command_preview, status, expires_at, created_at, resolved_at
  FROM approvals WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanApproval(row)
}

// Resolve flips pending -> status in one statement; the WHERE clause makes
// concurrent resolvers race safely, with exactly one winner.
func (r *approvalRepo) Resolve(ctx context.Context, tx repository.Tx, id string, status model.ApprovalStatus) (bool, error) {
	const q = `
UPDATE approvals SET status = $2, resolved_at = now()
 WHERE id = $1 AND status = 'pending';`
	tag, err := execSQL(ctx, r.pool, tx, q, id, status)
	if err != nil {
		return false, err
	}
	won := tag.RowsAffected() > 0
	if won {
		metrics.IncApprovalResolved(string(status))
	}
	return won, nil
}

func (r *approvalRepo) ListPending(ctx context.Context, tx repository.Tx) ([]*model.Approval, error) {
	const q = `
SELECT id, run_id, sender, summary, command_preview, status, expires_at, created_at, resolved_at
  FROM approvals WHERE status = 'pending' ORDER BY created_at;`
	return r.list(ctx, tx, q)
}

func (r *approvalRepo) ListPendingByRun(ctx context.Context, tx repository.Tx, runID string) ([]*model.Approval, error) {
	const q = `
SELECT id, run_id, sender, summary, command_preview, status, expires_at, created_at, resolved_at
  FROM approvals WHERE status = 'pending' AND run_id = $1 ORDER BY created_at;`
	return r.list(ctx, tx, q, runID)
}

func (r *approvalRepo) ExpirePendingByRun(ctx context.Context, tx repository.Tx, runID string) (int, error) {
	const q = `
UPDATE approvals SET status = 'expired', resolved_at = now()
 WHERE run_id = $1 AND status = 'pending';`
	tag, err := execSQL(ctx, r.pool, tx, q, runID)
	if err != nil {
		return 0, err
	}
	n := int(tag.RowsAffected())
	for i := 0; i < n; i++ {
		metrics.IncApprovalResolved(string(model.ApprovalStatusExpired))
	}
	return n, nil
}

func (r *approvalRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Approval, error) {
	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row pgx.Row) (*model.Approval, error) {
	var a model.Approval
	err := row.Scan(&a.ID, &a.RunID, &a.Sender, &a.Summary, &a.CommandPreview, &a.Status,
		&a.ExpiresAt, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &a, nil
}
