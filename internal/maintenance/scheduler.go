// Package maintenance runs the periodic background jobs of the task
// subsystem: deleting old completed task records and sweeping failed tasks
// back into the queue.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aurora-assess/agentcore/internal/task"
)

// Config holds the cron schedules and job parameters.
type Config struct {
	// CleanupSchedule is the cron expression for the completed-task
	// cleanup job.
	CleanupSchedule string

	// Retention is how long completed tasks are kept before cleanup.
	Retention time.Duration

	// RetrySweepSchedule is the cron expression for the failed-task retry
	// sweep.
	RetrySweepSchedule string

	// RetrySweepWindow bounds the sweep to tasks that failed within the
	// window. Zero disables the bound.
	RetrySweepWindow time.Duration
}

// Scheduler owns the cron runner and its two jobs.
type Scheduler struct {
	cron   *cron.Cron
	store  task.Store
	retry  *task.RetryManager
	config Config
	logger *slog.Logger
}

// NewScheduler creates a scheduler; Start must be called to begin running
// jobs.
func NewScheduler(store task.Store, retry *task.RetryManager, config Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		retry:  retry,
		config: config,
		logger: logger.With("component", "maintenance"),
	}
}

// Start registers the jobs and launches the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.CleanupSchedule, s.runCleanup); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.RetrySweepSchedule, s.runRetrySweep); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		"cleanup_schedule", s.config.CleanupSchedule,
		"retry_sweep_schedule", s.config.RetrySweepSchedule)
	return nil
}

// Stop halts the cron runner and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// runCleanup deletes completed tasks older than the retention window.
func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := s.store.CleanupOlderThan(ctx, s.config.Retention)
	if err != nil {
		s.logger.Error("cleanup job failed", "error", err)
		return
	}
	s.logger.Info("cleanup job finished", "deleted", deleted)
}

// runRetrySweep schedules retries for one page of recently failed tasks.
func (s *Scheduler) runRetrySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var since *time.Time
	if s.config.RetrySweepWindow > 0 {
		cutoff := time.Now().UTC().Add(-s.config.RetrySweepWindow)
		since = &cutoff
	}

	scheduled := s.retry.RetryFailedTasks(ctx, since, nil)
	s.logger.Info("retry sweep finished", "scheduled", scheduled)
}
