/**
 * @description
 * Cron scheduler setup for background maintenance jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RevocationSweeper drops revocations of tokens that have expired anyway.
type RevocationSweeper interface {
	Sweep(now time.Time) int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper RevocationSweeper
	logger  *slog.Logger
	now     func() time.Time
}

// NewJobs creates a new Jobs runner. sweeper may be nil when revocations
// expire on their own (Redis).
func NewJobs(sweeper RevocationSweeper, logger *slog.Logger) *Jobs {
	return &Jobs{sweeper: sweeper, logger: logger, now: time.Now}
}

// SweepExpiredRevocations is the job that prunes the in-memory revocation list.
func (j *Jobs) SweepExpiredRevocations() {
	if j.sweeper == nil {
		return
	}
	removed := j.sweeper.Sweep(j.now())
	if removed > 0 {
		j.logger.Info("swept expired token revocations", "removed", removed)
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	jobs          *Jobs
	logger        *slog.Logger
	sweepSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, sweepSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:          c,
		jobs:          jobs,
		logger:        logger,
		sweepSchedule: sweepSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.jobs.SweepExpiredRevocations); err != nil {
		s.logger.Error("failed to schedule revocation sweep job", "error", err)
		return err
	}
	s.logger.Info("scheduled revocation sweep job", "schedule", s.sweepSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
