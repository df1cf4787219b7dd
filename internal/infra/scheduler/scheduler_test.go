package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingChecker struct {
	calls atomic.Int64
	err   error
}

func (c *countingChecker) FireDue(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	return 1, nil
}

func waitForCalls(t *testing.T, c *countingChecker, n int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.calls.Load() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("checker ran %d times, want at least %d", c.calls.Load(), n)
}

func TestScheduler_FiresPeriodically(t *testing.T) {
	l := zerolog.Nop()
	checker := &countingChecker{}
	s := NewScheduler(5*time.Millisecond, checker, &l)

	s.Start(context.Background())
	waitForCalls(t, checker, 3)
	s.Stop()

	after := checker.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := checker.calls.Load(); got != after {
		t.Errorf("checker still running after Stop: %d -> %d", after, got)
	}
}

func TestScheduler_KeepsGoingAfterErrors(t *testing.T) {
	l := zerolog.Nop()
	checker := &countingChecker{err: errors.New("store down")}
	s := NewScheduler(5*time.Millisecond, checker, &l)

	s.Start(context.Background())
	waitForCalls(t, checker, 3)
	s.Stop()
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	l := zerolog.Nop()
	checker := &countingChecker{}
	s := NewScheduler(time.Hour, checker, &l)

	s.Start(context.Background())
	s.Start(context.Background()) // second call is a no-op
	s.Stop()
	s.Stop() // idempotent
}
