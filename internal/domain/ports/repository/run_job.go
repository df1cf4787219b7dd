package repository

import (
	"context"
	"time"

	"personal-agent-gateway/internal/domain/model"
)

type RunJobRepository interface {
	Enqueue(ctx context.Context, tx Tx, job *model.RunJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.RunJob, error)
	// Claim atomically leases the oldest queued job for workerID until
	// now+leaseFor and returns it. No queued job returns domain.ErrNotFound.
	Claim(ctx context.Context, workerID string, leaseFor time.Duration) (*model.RunJob, error)
	// Renew extends the lease held by workerID. If the job is no longer
	// leased to workerID it returns domain.ErrLeaseLost.
	Renew(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error
	// Complete and Fail finish a job held by workerID; a lost lease returns
	// domain.ErrLeaseLost so a racing worker's result is never overwritten.
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, lastError string) error
	// RequeueExpired returns expired-lease jobs to queued with the lease
	// cleared and the attempt counter bumped, and reports which jobs moved.
	RequeueExpired(ctx context.Context) ([]*model.RunJob, error)
}
