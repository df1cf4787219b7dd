package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/infra/logging"
)

type approvalView struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Sender         string     `json:"sender"`
	Summary        string     `json:"summary"`
	CommandPreview string     `json:"command_preview,omitempty"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type runView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Intent    string    `json:"intent"`
	State     string    `json:"state"`
	WorkDir   string    `json:"work_dir"`
	Risk      string    `json:"risk"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type eventView struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionView struct {
	Sender    string    `json:"sender"`
	ThreadID  string    `json:"thread_id"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if s.apiKey == "" || req.APIKey != s.apiKey {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	token, err := s.auth.Mint(w)
	if err != nil {
		http.Error(w, "Failed to mint session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.adminUC.PendingApprovals(r.Context())
	if err != nil {
		http.Error(w, "Failed to list approvals", http.StatusInternalServerError)
		return
	}
	out := make([]approvalView, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, toApprovalView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Decision string `json:"decision"` // "approved" | "denied"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Decision != "approved" && req.Decision != "denied" {
		http.Error(w, "decision must be 'approved' or 'denied'", http.StatusBadRequest)
		return
	}

	runID, err := s.adminUC.OverrideApproval(r.Context(), id, req.Decision == "approved")
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Approval not found", http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrAlreadyResolved):
		http.Error(w, "Approval already resolved", http.StatusConflict)
		return
	case err != nil:
		logging.With(r.Context(), s.log).Error().Err(err).Str("request_id", id).Msg("override failed")
		http.Error(w, "Failed to resolve approval", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "decision": req.Decision})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.adminUC.Sessions(r.Context())
	if err != nil {
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			Sender:    sess.Sender,
			ThreadID:  sess.ThreadID,
			Mode:      string(sess.Mode),
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.adminUC.ActiveRuns(r.Context())
	if err != nil {
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunView(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, events, err := s.adminUC.RunDetail(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}
	evs := make([]eventView, 0, len(events))
	for _, e := range events {
		evs = append(evs, toEventView(e))
	}
	writeJSON(w, http.StatusOK, struct {
		Run    runView     `json:"run"`
		Events []eventView `json:"events"`
	}{Run: toRunView(run), Events: evs})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.adminUC.RecentEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, toEventView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func toApprovalView(a *model.Approval) approvalView {
	return approvalView{
		ID:             a.ID,
		RunID:          a.RunID,
		Sender:         a.Sender,
		Summary:        a.Summary,
		CommandPreview: a.CommandPreview,
		Status:         string(a.Status),
		ExpiresAt:      a.ExpiresAt,
		CreatedAt:      a.CreatedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}

func toRunView(run *model.Run) runView {
	return runView{
		ID:        run.ID,
		Sender:    run.Sender,
		Intent:    run.Intent,
		State:     string(run.State),
		WorkDir:   run.WorkDir,
		Risk:      string(run.Risk),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func toEventView(e *model.Event) eventView {
	return eventView{
		ID:        e.ID,
		RunID:     e.RunID,
		Step:      e.Step,
		Type:      string(e.Type),
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}
