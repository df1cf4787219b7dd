package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/infra/metrics"
)

// FollowUpChecker is the minimal interface the scheduler needs from the
// follow-up use-case. Any type implementing FireDue can be passed.
type FollowUpChecker interface {
	// FireDue finds scheduled actions whose fire time has passed, delivers
	// the nudge for each, and marks them fired. Returns the number fired.
	FireDue(ctx context.Context) (int, error)
}

// Scheduler periodically runs a FollowUpChecker's FireDue method.
type Scheduler struct {
	interval time.Duration
	checker  FollowUpChecker
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler that fires due follow-ups every
// `interval`. If interval <= 0 it defaults to 30 seconds.
func NewScheduler(interval time.Duration, checker FollowUpChecker, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := logger.With().Str("component", "FollowUpScheduler").Logger()
	return &Scheduler{
		interval: interval,
		checker:  checker,
		log:      &l,
		done:     make(chan struct{}),
	}
}

// Start begins the scheduler loop in a background goroutine.
// Calling Start multiple times has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		// already started
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.ctx = ctx
	s.cancel = cancel

	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("follow-up scheduler started")
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("follow-up scheduler stopping")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			fired, err := s.checker.FireDue(runCtx)
			cancel()
			if err != nil {
				s.log.Error().Err(err).Msg("follow-up pass failed")
				continue
			}
			if fired > 0 {
				metrics.AddFollowUpsFired(fired)
				s.log.Info().Int("fired", fired).Msg("fired follow-ups")
			}
		}
	}
}

// Stop cancels the scheduler and waits for the loop to finish. It is idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		// not started
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
}
