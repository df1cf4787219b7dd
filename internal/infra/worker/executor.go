package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
	"personal-agent-gateway/internal/infra/logging"
	"personal-agent-gateway/internal/infra/metrics"
)

// JobRunner executes one claimed run-job. Implemented by the orchestrator's
// approval-execution path; it must be safe to re-run (at-least-once queue).
type JobRunner interface {
	ExecuteJob(ctx context.Context, job *model.RunJob) error
}

// Config tunes the worker pool. The lease must comfortably outlive the
// heartbeat interval so a live worker is never pre-empted by the reaper.
type Config struct {
	Workers           int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReapInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration {
		c.HeartbeatInterval = c.LeaseDuration / 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// Executor is a fixed-size pool of worker loops claiming queued run-jobs via
// store leases, plus a reaper that requeues jobs whose lease expired. Workers
// share no in-process state; all coordination goes through the store so
// recovery survives a full process restart.
type Executor struct {
	jobs   repository.RunJobRepository
	events repository.EventRepository
	runner JobRunner
	cfg    Config
	log    *zerolog.Logger

	wg sync.WaitGroup
}

func NewExecutor(jobs repository.RunJobRepository, events repository.EventRepository, runner JobRunner, cfg Config, logger *zerolog.Logger) *Executor {
	cfg.applyDefaults()
	l := logger.With().Str("component", "RunExecutor").Logger()
	return &Executor{jobs: jobs, events: events, runner: runner, cfg: cfg, log: &l}
}

// Start launches the worker and reaper goroutines. They exit when ctx is
// cancelled; call Wait to drain.
func (e *Executor) Start(ctx context.Context) {
	base := workerIdentity()
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", base, i)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workerLoop(ctx, workerID)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reaperLoop(ctx)
	}()
	e.log.Info().Int("workers", e.cfg.Workers).Dur("lease", e.cfg.LeaseDuration).Msg("run executor started")
}

// Wait blocks until all loops have exited.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) workerLoop(ctx context.Context, workerID string) {
	log := e.log.With().Str("worker_id", workerID).Logger()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopping")
			return
		default:
		}

		job, err := e.jobs.Claim(ctx, workerID, e.cfg.LeaseDuration)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				log.Error().Err(err).Msg("claim failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}
		e.process(ctx, workerID, job, &log)
	}
}

// process runs one claimed job under a heartbeat. Shutdown cancellation
// leaves the job leased for the reaper to requeue; only a real execution
// error marks it failed.
func (e *Executor) process(ctx context.Context, workerID string, job *model.RunJob, baseLog *zerolog.Logger) {
	jobCtx := logging.WithJobID(logging.WithRunID(ctx, job.RunID), job.ID)
	log := logging.With(jobCtx, baseLog)
	log.Info().Int("attempt", job.Attempt).Msg("processing run job")
	start := time.Now()

	execCtx, cancel := context.WithCancel(jobCtx)
	defer cancel()

	leaseLost := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := e.jobs.Renew(execCtx, job.ID, workerID, e.cfg.LeaseDuration); err != nil {
					if errors.Is(err, domain.ErrLeaseLost) {
						log.Warn().Msg("lease lost, abandoning job")
						close(leaseLost)
						cancel()
						return
					}
					if execCtx.Err() == nil {
						log.Error().Err(err).Msg("lease renewal failed")
					}
				}
			}
		}
	}()

	execErr := e.runner.ExecuteJob(execCtx, job)
	cancel()
	<-hbDone

	select {
	case <-leaseLost:
		// Another worker may own the job now; touch nothing.
		metrics.IncRunJob("abandoned")
		return
	default:
	}
	if ctx.Err() != nil {
		// Shutdown mid-flight: the lease expires and the job is requeued.
		log.Info().Msg("shutdown during execution, leaving job leased")
		return
	}

	// The final status write must survive the (already live) parent context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	status := "completed"
	var err error
	if execErr != nil {
		status = "failed"
		err = e.jobs.Fail(finishCtx, job.ID, workerID, execErr.Error())
	} else {
		err = e.jobs.Complete(finishCtx, job.ID, workerID)
	}
	if errors.Is(err, domain.ErrLeaseLost) {
		// Raced with the reaper at the very end; the retry will no-op once
		// it sees the run's terminal state.
		log.Warn().Msg("lease lost at completion")
		metrics.IncRunJob("abandoned")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("could not record job result")
		return
	}
	metrics.IncRunJob(status)
	log.Info().Str("status", status).Dur("duration", time.Since(start)).Msg("run job finished")
}

func (e *Executor) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("reaper stopping")
			return
		case <-ticker.C:
			requeued, err := e.jobs.RequeueExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Error().Err(err).Msg("requeue pass failed")
				}
				continue
			}
			if len(requeued) == 0 {
				continue
			}
			metrics.AddRequeuedJobs(len(requeued))
			for _, job := range requeued {
				payload, _ := json.Marshal(map[string]any{"job_id": job.ID, "attempt": job.Attempt})
				_ = e.events.Append(ctx, nil, &model.Event{
					ID:        uuid.NewString(),
					RunID:     job.RunID,
					Step:      "queue",
					Type:      model.EventJobRequeued,
					Payload:   payload,
					CreatedAt: time.Now(),
				})
			}
			e.log.Warn().Int("count", len(requeued)).Msg("requeued expired-lease jobs")
		}
	}
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
