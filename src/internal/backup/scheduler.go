package backup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// SchedulerConfig holds the tick interval and the parallelism cap
type SchedulerConfig struct {
	Interval    time.Duration
	MaxParallel int
}

// DefaultSchedulerConfig returns sensible scheduler defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    time.Minute,
		MaxParallel: 4,
	}
}

// Scheduler polls the job store for due jobs once per interval and
// dispatches each eligible job as an independent concurrent run, bounded
// by MaxParallel. It may run on multiple replicas: the engine's
// compare-and-set claim makes double dispatch a harmless no-op.
type Scheduler struct {
	db       *gorm.DB
	engine   *Engine
	executor Executor
	logger   *slog.Logger
	config   SchedulerConfig
	loc      *time.Location
	now      func() time.Time
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(db *gorm.DB, engine *Engine, executor Executor, logger *slog.Logger, config SchedulerConfig, loc *time.Location) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		db:       db,
		engine:   engine,
		executor: executor,
		logger:   logger,
		config:   config,
		loc:      loc,
		now:      time.Now,
		sem:      make(chan struct{}, config.MaxParallel),
	}
}

// SetClock overrides the scheduler clock, used by tests
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks until ctx is cancelled, then waits for in-flight runs
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick queries for due jobs and dispatches the eligible ones. Jobs are
// handled one lab at a time; dependency gating only ever looks at jobs
// within the same lab.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	var due []models.BackupJob
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", models.JobStatusScheduled, now).
		Find(&due).Error; err != nil {
		s.logger.Error("due job query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	byLab := make(map[uuid.UUID][]models.BackupJob)
	for _, job := range due {
		byLab[job.LabID] = append(byLab[job.LabID], job)
	}

	for labID, labDue := range byLab {
		var labJobs []models.BackupJob
		if err := s.db.WithContext(ctx).
			Where("lab_id = ?", labID).
			Find(&labJobs).Error; err != nil {
			s.logger.Error("lab job query failed", "lab_id", labID, "error", err)
			continue
		}

		for i := range labDue {
			s.dispatch(ctx, &labDue[i], labJobs, now)
		}
	}
}

// Wait blocks until all dispatched runs have finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, job *models.BackupJob, labJobs []models.BackupJob, now time.Time) {
	switch Gate(job, labJobs, now) {
	case GateProceed:
		s.wg.Add(1)
		go func(jobID uuid.UUID) {
			defer s.wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			err := s.engine.RunOnce(ctx, s.executor, jobID, models.TriggerSchedule)
			switch {
			case err == nil:
			case apperrors.IsCode(err, apperrors.CodeConflict):
				// Another replica claimed it first.
				s.logger.Debug("job already running", "job_id", jobID)
			default:
				s.logger.Error("dispatch failed", "job_id", jobID, "error", err)
			}
		}(job.ID)

	case GateHold:
		// Stays due; re-checked next tick.
		s.logger.Debug("job held on unmet prerequisite", "job_id", job.ID)

	case GateSkip:
		s.skipCycle(ctx, job, now)

	case GateFail:
		s.failUnmet(ctx, job)
	}
}

// skipCycle advances the job past the missed slot without running it
func (s *Scheduler) skipCycle(ctx context.Context, job *models.BackupJob, now time.Time) {
	next, err := NextRun(job.Schedule, now, s.loc)
	if err != nil {
		s.logger.Error("failed to advance skipped job", "job_id", job.ID, "error", err)
		return
	}
	job.Schedule.NextRun = next
	res := s.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusScheduled).
		Select("schedule", "next_run_at").
		Updates(&models.BackupJob{Schedule: job.Schedule, NextRunAt: next})
	if res.Error != nil {
		s.logger.Error("failed to persist skipped cycle", "job_id", job.ID, "error", res.Error)
		return
	}
	s.logger.Info("cycle skipped on unmet prerequisite", "job_id", job.ID, "next_run", next)
}

// failUnmet records a failed run without dispatching the executor, per the
// job's fail-immediately dependency policy.
func (s *Scheduler) failUnmet(ctx context.Context, job *models.BackupJob) {
	if _, err := s.engine.Start(ctx, job.ID, models.TriggerSchedule); err != nil {
		if !apperrors.IsCode(err, apperrors.CodeConflict) {
			s.logger.Error("failed to claim job for unmet failure", "job_id", job.ID, "error", err)
		}
		return
	}
	execErr := &models.ExecutionError{
		Code:    ExecErrUnmet,
		Message: "prerequisite job has not completed",
	}
	if err := s.engine.Fail(ctx, job.ID, execErr); err != nil {
		s.logger.Error("failed to record unmet failure", "job_id", job.ID, "error", err)
	}
}
