package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
)

var _ repository.RunJobRepository = (*runJobRepo)(nil)

type runJobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewRunJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *runJobRepo {
	return &runJobRepo{pool: pool, tm: tm}
}

const jobColumns = `id, run_id, sender, attempt, payload, status, lease_owner, lease_expires_at, last_error, created_at, updated_at`

func (r *runJobRepo) Enqueue(ctx context.Context, tx repository.Tx, job *model.RunJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UpdatedAt = time.Now()
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO run_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`
	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.RunID, job.Sender, job.Attempt, payload, job.Status,
		job.LeaseOwner, job.LeaseExpiresAt, job.LastError, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *runJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.RunJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM run_jobs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanRunJob(row)
}

// Claim leases the oldest queued job for workerID inside one transaction.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever blocking on or
// double-claiming the same row.
func (r *runJobRepo) Claim(ctx context.Context, workerID string, leaseFor time.Duration) (*model.RunJob, error) {
	var job *model.RunJob
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const fetch = `
SELECT ` + jobColumns + `
  FROM run_jobs
 WHERE status = 'queued'
 ORDER BY created_at
 LIMIT 1
 FOR UPDATE SKIP LOCKED;`
		row, err := pickRow(ctx, r.pool, tx, fetch)
		if err != nil {
			return err
		}
		claimed, err := scanRunJob(row)
		if err != nil {
			return err
		}

		expires := time.Now().Add(leaseFor)
		const lease = `
UPDATE run_jobs
   SET status = 'leased', lease_owner = $2, lease_expires_at = $3, updated_at = now()
 WHERE id = $1;`
		if _, err := execSQL(ctx, r.pool, tx, lease, claimed.ID, workerID, expires); err != nil {
			return err
		}
		claimed.Status = model.RunJobStatusLeased
		claimed.LeaseOwner = workerID
		claimed.LeaseExpiresAt = &expires
		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *runJobRepo) Renew(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	const q = `
UPDATE run_jobs
   SET lease_expires_at = $3, updated_at = now()
 WHERE id = $1 AND status = 'leased' AND lease_owner = $2;`
	tag, err := execSQL(ctx, r.pool, nil, q, jobID, workerID, time.Now().Add(leaseFor))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *runJobRepo) Complete(ctx context.Context, jobID, workerID string) error {
	return r.finish(ctx, jobID, workerID, model.RunJobStatusCompleted, "")
}

func (r *runJobRepo) Fail(ctx context.Context, jobID, workerID, lastError string) error {
	return r.finish(ctx, jobID, workerID, model.RunJobStatusFailed, lastError)
}

// finish only succeeds while the caller still owns the lease, so a worker
// that lost its lease can never overwrite a racing worker's result.
func (r *runJobRepo) finish(ctx context.Context, jobID, workerID string, status model.RunJobStatus, lastError string) error {
	const q = `
UPDATE run_jobs
   SET status = $3, last_error = $4, lease_owner = '', lease_expires_at = NULL, updated_at = now()
 WHERE id = $1 AND status = 'leased' AND lease_owner = $2;`
	tag, err := execSQL(ctx, r.pool, nil, q, jobID, workerID, status, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *runJobRepo) RequeueExpired(ctx context.Context) ([]*model.RunJob, error) {
	const q = `
UPDATE run_jobs
   SET status = 'queued', lease_owner = '', lease_expires_at = NULL,
       attempt = attempt + 1, updated_at = now()
 WHERE status = 'leased' AND lease_expires_at < now()
RETURNING ` + jobColumns + `;`
	rows, err := pickRows(ctx, r.pool, nil, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RunJob
	for rows.Next() {
		job, err := scanRunJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanRunJob(row pgx.Row) (*model.RunJob, error) {
	var job model.RunJob
	var payload []byte
	err := row.Scan(&job.ID, &job.RunID, &job.Sender, &job.Attempt, &payload, &job.Status,
		&job.LeaseOwner, &job.LeaseExpiresAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &job.Payload)
	}
	return &job, nil
}
