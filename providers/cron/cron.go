// Package cron runs periodic jobs, such as sweeping expired leases, on behalf of a long-running process.
//
// The lease store itself never schedules anything. This package is for callers that choose to sweep on a
// schedule rather than only before creating leases.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jpillora/backoff"

	"github.com/alecthomas/please/internal"
)

type Schedule struct {
	name    string
	lastRun time.Time
	// If non-zero, the job failed and will be retried at this time.
	retryAt time.Time
	retry   backoff.Backoff
	period  time.Duration
	// Random delay after each period boundary, so processes sharing a schedule don't run in lockstep.
	offset time.Duration
	run     Job
}

// NextRun returns the next time the job should run.
func (s *Schedule) NextRun() time.Time {
	if !s.retryAt.IsZero() {
		return s.retryAt
	}
	return nextRun(s.period, s.lastRun).Add(s.offset)
}

// Jobs start up to this fraction of their period after each boundary.
const offsetFraction = 20

func (s *Schedule) resample() { s.offset = internal.Offset(s.period / offsetFraction) }

func (s *Schedule) String() string {
	return fmt.Sprintf("Schedule(%q, nextRun=%s)", s.name, time.Until(s.NextRun()))
}

// Job represents a cron job.
type Job func(ctx context.Context) error

type Scheduler struct {
	lock       sync.Mutex
	logger     *slog.Logger
	schedules  []*Schedule
	minBackoff time.Duration
}

// NewScheduler creates a new cron scheduler, which runs until ctx is cancelled.
//
// Jobs run sequentially, shortly after each boundary of their period. A failed job is retried with exponential backoff, capped at its period.
func NewScheduler(ctx context.Context, logger *slog.Logger) *Scheduler {
	s := &Scheduler{logger: logger, minBackoff: time.Second}
	go s.run(ctx)
	return s
}

// Register a new cron job.
func (s *Scheduler) Register(name string, schedule time.Duration, job Job) error {
	if schedule < time.Second {
		return errors.New("schedule duration must be at least 1 second")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	sched := &Schedule{
		name:    name,
		period:  schedule,
		run:     job,
		lastRun: time.Now(),
		retry:   backoff.Backoff{Min: s.minBackoff, Max: schedule, Factor: 2},
	}
	sched.resample()
	s.schedules = append(s.schedules, sched)
	s.logger.Debug("Scheduled new cron job", "job", sched.name, "period", schedule)
	s.sortSchedulesNoLock()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond * 100)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		s.lock.Lock()
		for _, schedule := range s.schedules {
			if !schedule.NextRun().Before(now) {
				continue
			}
			schedule.lastRun = now
			schedule.resample()
			if err := schedule.run(ctx); err != nil {
				delay := internal.Jitter(schedule.retry.Duration())
				schedule.retryAt = now.Add(delay)
				s.logger.Error("Cron job failed", "job", schedule.name, "retry", delay, "error", err)
				continue
			}
			schedule.retryAt = time.Time{}
			schedule.retry.Reset()
		}
		s.sortSchedulesNoLock()
		s.lock.Unlock()
	}
}

func (s *Scheduler) sortSchedulesNoLock() {
	slices.SortFunc(s.schedules, func(a, b *Schedule) int { return a.NextRun().Compare(b.NextRun()) })
}

// Calculate the next time a cron job should run.
//
// eg. If period=5m, and lastRun=5:01 it will return 5:05.
func nextRun(period time.Duration, lastRun time.Time) time.Time {
	// Floor the current time to the nearest period boundary.
	lastRunDurationSinceEpoch := time.Duration(lastRun.UnixNano()) / period * period
	nextRun := lastRunDurationSinceEpoch + period
	return time.Unix(0, nextRun.Nanoseconds()).UTC()
}
