package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/config"
	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/domain/ports/repository"
	conn "personal-agent-gateway/internal/infra/adapters/connector"
	tele "personal-agent-gateway/internal/infra/adapters/telegram"
	pg "personal-agent-gateway/internal/infra/db/postgres"
	opshttp "personal-agent-gateway/internal/infra/http"
	"personal-agent-gateway/internal/infra/logging"
	"personal-agent-gateway/internal/infra/metrics"
	red "personal-agent-gateway/internal/infra/redis"
	"personal-agent-gateway/internal/infra/scheduler"
	"personal-agent-gateway/internal/infra/web"
	"personal-agent-gateway/internal/infra/worker"
	"personal-agent-gateway/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	stateKeyStartedAt  = "daemon:started_at"
	stateKeyIngressRow = "ingress:last_row"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("developer mode enabled")
	}

	// ---- Single-instance lock ----
	unlock, err := acquirePidLock(cfg.PidFile)
	if err != nil {
		logger.Fatal().Err(err).Str("pid_file", cfg.PidFile).Msg("another instance appears to be running")
	}
	defer unlock()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	if err := pg.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("schema")
	}

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	outboundCache := red.NewOutboundCache(redisClient, 0)
	threadCache := red.NewThreadContextCache(redisClient, cfg.Redis.TTL)

	// ---- Metrics ----
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	go pollDBStats(ctx, pool)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	messageRepo := pg.NewMessageRepo(pool)
	sessionRepo := pg.NewSessionRepo(pool)
	runRepo := pg.NewRunRepo(pool)
	approvalRepo := pg.NewApprovalRepo(pool)
	eventRepo := pg.NewEventRepo(pool)
	jobRepo := pg.NewRunJobRepo(pool, tm)
	actionRepo := pg.NewScheduledActionRepo(pool)
	stateRepo := pg.NewStateRepo(pool)

	if err := stateRepo.SetState(ctx, nil, stateKeyStartedAt, time.Now().Format(time.RFC3339)); err != nil {
		logger.Warn().Err(err).Msg("could not record start time")
	}

	// ---- Policy ----
	policy := usecase.NewPolicyEngine(cfg.Policy.AllowedSenders, cfg.Policy.WorkspaceRoots, cfg.Policy.RatePerMinute)

	// ---- Connector ----
	connector, err := buildConnector(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("kind", cfg.Connector.Kind).Msg("connector")
	}
	if err := connector.EnsureStarted(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connector not ready")
	}
	defer func() { _ = connector.Shutdown(context.Background()) }()

	// ---- Telegram ----
	var egress adapter.Egress
	var ingress adapter.Ingress
	if cfg.Bot.Token != "" {
		bot, err := tele.NewAdapter(cfg.Bot.Token, cfg.Bot.Workers, outboundCache, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("telegram")
		}
		if mode := strings.ToLower(cfg.Bot.Mode); mode != "" && mode != "polling" {
			logger.Warn().Str("mode", cfg.Bot.Mode).Msg("bot mode not implemented; falling back to polling")
		}
		bot.StartPolling(ctx)
		defer bot.StopPolling()
		egress = bot
		ingress = bot
	} else {
		logger.Warn().Msg("bot.token not set; running without a chat channel")
	}

	// ---- Shutdown / restart plumbing ----
	var restartMu sync.Mutex
	restartRequested := false
	shutdownFn := func(restart bool) {
		restartMu.Lock()
		restartRequested = restartRequested || restart
		restartMu.Unlock()
		cancel()
	}

	// ---- Follow-up scheduler ----
	followUps := usecase.NewFollowUpUseCase(actionRepo, egress, logger)
	sched := scheduler.NewScheduler(cfg.FollowUps.PollInterval, followUps, logger)
	sched.Start(ctx)
	defer sched.Stop()

	// ---- Orchestrator ----
	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Messages:  messageRepo,
		Sessions:  sessionRepo,
		Runs:      runRepo,
		Approvals: approvalRepo,
		Events:    eventRepo,
		Jobs:      jobRepo,
		State:     stateRepo,
		TM:        tm,
		Connector: connector,
		Egress:    egress,
		Policy:    policy,
		ThreadCtx: threadCache,
		FollowUps: followUps,
		Shutdown:  shutdownFn,
	}, usecase.OrchestratorConfig{
		DefaultWorkspace:    cfg.Orchestrator.DefaultWorkspace,
		Workspaces:          cfg.Orchestrator.Workspaces,
		ApprovalTTL:         cfg.Orchestrator.ApprovalTTL,
		MaxResumeAttempts:   cfg.Orchestrator.MaxResumeAttempts,
		CheckpointEnabled:   cfg.Orchestrator.CheckpointEnabled,
		StreamingEnabled:    cfg.Orchestrator.StreamingEnabled,
		ProgressMinInterval: cfg.Orchestrator.ProgressMinInterval,
		TeamContext:         cfg.Orchestrator.TeamContext,
		MemoryWindow:        cfg.Orchestrator.MemoryWindow,
	}, logger)

	// ---- Run executor pool ----
	executor := worker.NewExecutor(jobRepo, eventRepo, orch, worker.Config{
		Workers:           cfg.Executor.Workers,
		LeaseDuration:     cfg.Executor.LeaseDuration,
		HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		PollInterval:      cfg.Executor.PollInterval,
		ReapInterval:      cfg.Executor.ReapInterval,
	}, logger)
	executor.Start(ctx)

	// ---- Ingress pump ----
	if ingress != nil {
		go runIngressPump(ctx, cfg.Bot.Workers, ingress, stateRepo, orch, logger)
	}

	// ---- Admin API ----
	if cfg.Admin.Port > 0 {
		adminUC := usecase.NewAdminUseCase(sessionRepo, runRepo, approvalRepo, eventRepo, jobRepo, tm, logger)
		srv := web.NewServer(adminUC, cfg.Admin.APIKey, cfg.Admin.JWTSecret, cfg.Admin.TokenTTL, !cfg.Runtime.Dev, logger)
		adminServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", adminServer.Addr).Msg("admin API listening")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("admin API stopped")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = adminServer.Shutdown(sctx)
		}()
	}

	// ---- Ops server ----
	ops := opshttp.NewServer(cfg.Ops.Port, pool, redisClient, version, logger)
	go func() {
		if err := ops.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	case <-ctx.Done():
		logger.Info().Msg("internal shutdown requested")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = ops.Shutdown(shutdownCtx)
	executor.Wait()

	restartMu.Lock()
	restart := restartRequested
	restartMu.Unlock()
	if restart {
		unlock()
		logger.Info().Msg("re-executing for restart")
		self, err := os.Executable()
		if err == nil {
			err = syscall.Exec(self, os.Args, os.Environ())
		}
		logger.Error().Err(err).Msg("restart failed")
	}
}

func buildConnector(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.Connector, error) {
	switch strings.ToLower(cfg.Connector.Kind) {
	case "process":
		return conn.NewProcessConnector(cfg.Connector.Command, cfg.Connector.Args, cfg.Connector.TurnTimeout, logger), nil
	case "openai":
		return conn.NewOpenAIConnector(cfg.Connector.OpenAIKey, cfg.Connector.Model, cfg.Connector.MaxPromptTokens, logger)
	case "gemini":
		return conn.NewGeminiConnector(ctx, cfg.Connector.GeminiKey, cfg.Connector.Model, logger)
	case "noop":
		return conn.NewNoopConnector(logger), nil
	default:
		return nil, fmt.Errorf("unknown connector kind %q", cfg.Connector.Kind)
	}
}

// runIngressPump drains the channel adapter into the orchestrator, persisting
// the high-water mark so a restart never re-reads old messages.
func runIngressPump(ctx context.Context, workers int, ingress adapter.Ingress, state repository.StateRepository, orch *usecase.Orchestrator, logger *zerolog.Logger) {
	if workers <= 0 {
		workers = 1
	}
	lastRow := int64(0)
	if v, err := state.GetState(ctx, nil, stateKeyIngressRow); err == nil && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastRow = n
		}
	}

	sem := make(chan struct{}, workers)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := ingress.FetchNew(ctx, lastRow)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("ingress fetch failed")
			}
			continue
		}
		for _, msg := range msgs {
			m := msg
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				msgCtx := logging.WithSender(ctx, m.Sender)
				msgLog := logging.With(msgCtx, logger)
				done := logging.TraceDuration(msgLog, "handle_message")
				res, err := orch.HandleMessage(msgCtx, m)
				done()
				if err != nil {
					msgLog.Error().Err(err).Str("message_id", m.ID).Msg("handle message failed")
				}
				if res != nil {
					if res.Duplicate {
						metrics.IncMessageDeduped("duplicate")
					}
					if res.Rejected != "" {
						metrics.IncPolicyRejection(res.Rejected)
					}
				}
				_ = ingress.MarkProcessed(ctx, m.ID)
			}()
		}
		if hw, err := ingress.LatestRowID(ctx); err == nil && hw > lastRow {
			lastRow = hw
			_ = state.SetState(ctx, nil, stateKeyIngressRow, strconv.FormatInt(hw, 10))
		}
	}
}

// acquirePidLock writes a pid file, refusing to start while another live
// process holds it. Stale files from crashed runs are taken over.
func acquirePidLock(path string) (func(), error) {
	if b, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid > 0 && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return nil, fmt.Errorf("pid %d is still running", pid)
				}
			}
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { _ = os.Remove(path) }) }, nil
}

func pollDBStats(ctx context.Context, pool *pgxpool.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := pool.Stat()
			metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
		}
	}
}
