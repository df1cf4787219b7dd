package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/infra/logging"
	"personal-agent-gateway/internal/usecase"
)

// Server is the operator-facing admin API. All routes except login require
// either the configured API key as a bearer token or a minted JWT session.
type Server struct {
	adminUC usecase.AdminUseCase
	auth    *AuthManager
	apiKey  string
	log     *zerolog.Logger
}

func NewServer(adminUC usecase.AdminUseCase, apiKey, jwtSecret string, tokenTTL time.Duration, secure bool, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "AdminAPI").Logger()
	return &Server{
		adminUC: adminUC,
		auth:    NewAuthManager(jwtSecret, secure, tokenTTL),
		apiKey:  apiKey,
		log:     &l,
	}
}

// Router builds the chi router for the admin API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(traceContext)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/api/v1/auth/login", s.handleLogin)
	r.Post("/api/v1/auth/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/v1/approvals", s.handlePendingApprovals)
		r.Post("/api/v1/approvals/{id}/resolve", s.handleResolveApproval)
		r.Get("/api/v1/sessions", s.handleSessions)
		r.Get("/api/v1/runs", s.handleActiveRuns)
		r.Get("/api/v1/runs/{id}", s.handleRunDetail)
		r.Get("/api/v1/events", s.handleRecentEvents)
	})
	return r
}

// traceContext copies the chi request id into the logging context so handler
// logs carry a trace_id.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts the raw API key or a previously minted JWT session.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.log.Error().Msg("admin API key is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if hdr := r.Header.Get("Authorization"); hdr != "" {
			parts := strings.SplitN(hdr, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && parts[1] == s.apiKey {
				next.ServeHTTP(w, r)
				return
			}
		}
		if _, err := s.auth.ParseFromRequest(r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
