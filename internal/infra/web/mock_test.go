package web

import (
	"context"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/usecase"
)

// mockAdminUC is a canned-data AdminUseCase. Error fields override the happy
// path per test.
type mockAdminUC struct {
	approvals []*model.Approval
	sessions  []*model.Session
	runs      []*model.Run
	events    []*model.Event

	overridden  map[string]bool
	overrideErr error
	listErr     error
	lastLimit   int
}

var _ usecase.AdminUseCase = (*mockAdminUC)(nil)

func newMockAdminUC() *mockAdminUC {
	return &mockAdminUC{overridden: make(map[string]bool)}
}

func (m *mockAdminUC) PendingApprovals(ctx context.Context) ([]*model.Approval, error) {
	return m.approvals, m.listErr
}

func (m *mockAdminUC) Sessions(ctx context.Context) ([]*model.Session, error) {
	return m.sessions, m.listErr
}

func (m *mockAdminUC) ActiveRuns(ctx context.Context) ([]*model.Run, error) {
	return m.runs, m.listErr
}

func (m *mockAdminUC) RunDetail(ctx context.Context, runID string) (*model.Run, []*model.Event, error) {
	if m.listErr != nil {
		return nil, nil, m.listErr
	}
	for _, run := range m.runs {
		if run.ID == runID {
			var evs []*model.Event
			for _, e := range m.events {
				if e.RunID == runID {
					evs = append(evs, e)
				}
			}
			return run, evs, nil
		}
	}
	return nil, nil, domain.ErrNotFound
}

func (m *mockAdminUC) RecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	m.lastLimit = limit
	return m.events, m.listErr
}

func (m *mockAdminUC) OverrideApproval(ctx context.Context, approvalID string, approve bool) (string, error) {
	if m.overrideErr != nil {
		return "", m.overrideErr
	}
	m.overridden[approvalID] = approve
	return "run-" + approvalID, nil
}
