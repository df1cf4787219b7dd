package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	red "personal-agent-gateway/internal/infra/redis"
)

// Server is the ops surface: liveness, readiness and Prometheus metrics.
// It is separate from the admin API so it can stay unauthenticated and
// bound to a private port.
type Server struct {
	pool      *pgxpool.Pool
	redis     red.RedisClient
	startedAt time.Time
	version   string
	log       *zerolog.Logger
	server    *http.Server
}

func NewServer(port int, pool *pgxpool.Pool, redis red.RedisClient, version string, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "OpsServer").Logger()
	s := &Server{
		pool:      pool,
		redis:     redis,
		startedAt: time.Now(),
		version:   version,
		log:       &l,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleReady fails when a backing store is unreachable, so load balancers
// and process supervisors can tell a hung daemon from a busy one.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness: postgres unreachable")
			http.Error(w, "postgres unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness: redis unreachable")
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":    s.version,
		"started_at": s.startedAt.Format(time.RFC3339),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	})
}
