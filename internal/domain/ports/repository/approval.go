package repository

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

type ApprovalRepository interface {
	Save(ctx context.Context, tx Tx, a *model.Approval) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Approval, error)
	// Resolve atomically flips pending -> status and reports whether this
	// call won the transition. A concurrent second resolve must observe
	// resolved=false, never act twice.
	Resolve(ctx context.Context, tx Tx, id string, status model.ApprovalStatus) (resolved bool, err error)
	ListPending(ctx context.Context, tx Tx) ([]*model.Approval, error)
	ListPendingByRun(ctx context.Context, tx Tx, runID string) ([]*model.Approval, error)
	// ExpirePendingByRun marks every pending approval on the run as expired
	// and returns how many were flipped.
	ExpirePendingByRun(ctx context.Context, tx Tx, runID string) (int, error)
}
