package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
)

const (
	testAPIKey = "secret-key"
	testSecret = "jwt-secret-for-tests"
)

func newTestServer(uc *mockAdminUC) *Server {
	l := zerolog.Nop()
	return NewServer(uc, testAPIKey, testSecret, time.Hour, false, &l)
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminAPI_RequiresAuth(t *testing.T) {
	router := newTestServer(newMockAdminUC()).Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/runs", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs", "wrong-key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("api key: status = %d, want 200", rec.Code)
	}
}

func TestAdminAPI_EmptyKeyLocksEverythingOut(t *testing.T) {
	l := zerolog.Nop()
	srv := NewServer(newMockAdminUC(), "", testSecret, time.Hour, false, &l)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/runs", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when no key is configured", rec.Code)
	}
}

func TestAdminAPI_LoginMintsUsableToken(t *testing.T) {
	router := newTestServer(newMockAdminUC()).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"api_key": "nope"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad login: status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"api_key": testAPIKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, want 200", rec.Code)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Fatal("login returned no token")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/approvals", resp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("jwt: status = %d, want 200", rec.Code)
	}
}

func TestAdminAPI_PendingApprovals(t *testing.T) {
	uc := newMockAdminUC()
	uc.approvals = []*model.Approval{{
		ID: "req-1", RunID: "run-1", Sender: "alice",
		Summary: "plan text", Status: model.ApprovalStatusPending,
	}}
	router := newTestServer(uc).Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/approvals", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []approvalView
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "req-1" || out[0].Status != "pending" {
		t.Errorf("body = %+v", out)
	}
}

func TestAdminAPI_ResolveApproval(t *testing.T) {
	uc := newMockAdminUC()
	router := newTestServer(uc).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/approvals/req-1/resolve", testAPIKey,
		map[string]string{"decision": "approved"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if uc.overridden["req-1"] != true {
		t.Errorf("override calls = %v", uc.overridden)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/approvals/req-1/resolve", testAPIKey,
		map[string]string{"decision": "maybe"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad decision: status = %d, want 400", rec.Code)
	}

	uc.overrideErr = domain.ErrAlreadyResolved
	rec = doJSON(t, router, http.MethodPost, "/api/v1/approvals/req-1/resolve", testAPIKey,
		map[string]string{"decision": "denied"})
	if rec.Code != http.StatusConflict {
		t.Errorf("resolved twice: status = %d, want 409", rec.Code)
	}

	uc.overrideErr = domain.ErrNotFound
	rec = doJSON(t, router, http.MethodPost, "/api/v1/approvals/missing/resolve", testAPIKey,
		map[string]string{"decision": "denied"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestAdminAPI_RunDetail(t *testing.T) {
	uc := newMockAdminUC()
	uc.runs = []*model.Run{{ID: "run-1", Sender: "alice", Intent: "fix", State: model.RunStateExecuting}}
	uc.events = []*model.Event{{ID: "e1", RunID: "run-1", Type: model.EventExecutionStarted}}
	router := newTestServer(uc).Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/runs/run-1", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Run    runView     `json:"run"`
		Events []eventView `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Run.ID != "run-1" || out.Run.State != "executing" || len(out.Events) != 1 {
		t.Errorf("body = %+v", out)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs/missing", testAPIKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d, want 404", rec.Code)
	}
}

func TestAdminAPI_RecentEventsLimit(t *testing.T) {
	uc := newMockAdminUC()
	router := newTestServer(uc).Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/events?limit=7", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if uc.lastLimit != 7 {
		t.Errorf("limit = %d, want 7", uc.lastLimit)
	}

	// Out-of-range limits fall back to the default.
	doJSON(t, router, http.MethodGet, "/api/v1/events?limit=9999", testAPIKey, nil)
	if uc.lastLimit != 50 {
		t.Errorf("limit = %d, want default 50", uc.lastLimit)
	}
}
