package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/casapps/labops/src/internal/backup"
	"github.com/casapps/labops/src/internal/cache"
	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// JobService handles backup job business logic
type JobService struct {
	db       *gorm.DB
	cfg      *viper.Viper
	cache    *cache.Manager
	engine   *backup.Engine
	executor backup.Executor
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time
}

// NewJobService creates a new backup job service
func NewJobService(db *gorm.DB, cfg *viper.Viper, cacheManager *cache.Manager, engine *backup.Engine, executor backup.Executor, logger *slog.Logger, loc *time.Location) *JobService {
	if loc == nil {
		loc = time.UTC
	}
	return &JobService{
		db:       db,
		cfg:      cfg,
		cache:    cacheManager,
		engine:   engine,
		executor: executor,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}
}

// SetClock overrides the service clock, used by tests
func (s *JobService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateJob validates a job spec, checks the lab's dependency graph and
// persists the new job. Jobs start scheduled, or paused when the schedule
// is disabled.
func (s *JobService) CreateJob(ctx context.Context, labID uuid.UUID, spec *models.BackupJob) (*models.BackupJob, error) {
	job := *spec
	job.ID = uuid.New()
	job.LabID = labID
	job.Execution = models.Execution{}
	job.Result = nil
	job.Schedule.LastRun = nil

	if err := backup.ValidateJob(&job); err != nil {
		return nil, err
	}

	labJobs, err := s.labJobs(ctx, labID)
	if err != nil {
		return nil, err
	}
	if err := backup.ValidateGraph(append(labJobs, job)); err != nil {
		return nil, err
	}

	next, err := backup.NextRun(job.Schedule, s.now().UTC(), s.loc)
	if err != nil {
		return nil, err
	}
	job.Schedule.NextRun = next
	job.NextRunAt = next

	if job.Schedule.Enabled {
		job.Status = models.JobStatusScheduled
	} else {
		job.Status = models.JobStatusPaused
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to create job", err)
	}
	s.invalidateStats(ctx, labID)
	return &job, nil
}

// UpdateJobInput is a partial patch; nil fields are left untouched
type UpdateJobInput struct {
	Name           *string                    `json:"name,omitempty"`
	Description    *string                    `json:"description,omitempty"`
	Tags           *[]string                  `json:"tags,omitempty"`
	Type           *models.JobType            `json:"type,omitempty"`
	MaxExecSecs    *int64                     `json:"max_execution_secs,omitempty"`
	Schedule       *models.Schedule           `json:"schedule,omitempty"`
	Sources        *[]models.BackupSource     `json:"sources,omitempty"`
	Destination    *models.Destination        `json:"destination,omitempty"`
	Compression    *models.CompressionConfig  `json:"compression,omitempty"`
	Encryption     *models.EncryptionConfig   `json:"encryption,omitempty"`
	Dependencies   *[]models.JobDependency    `json:"dependencies,omitempty"`
	DependencyOpts *models.DependencyOptions  `json:"dependency_opts,omitempty"`
	Notifications  *models.NotificationConfig `json:"notifications,omitempty"`
}

// UpdateJob applies a patch to a job. Updates are rejected while the job
// is running.
func (s *JobService) UpdateJob(ctx context.Context, jobID uuid.UUID, patch UpdateJobInput) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if job.IsRunning() {
		return nil, apperrors.ConflictError("job cannot be updated while running")
	}

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Tags != nil {
		job.Tags = *patch.Tags
	}
	if patch.Type != nil {
		job.Type = *patch.Type
	}
	if patch.MaxExecSecs != nil {
		job.MaxExecutionSecs = *patch.MaxExecSecs
	}
	if patch.Schedule != nil {
		sched := *patch.Schedule
		sched.LastRun = job.Schedule.LastRun
		job.Schedule = sched
	}
	if patch.Sources != nil {
		job.Sources = *patch.Sources
	}
	if patch.Destination != nil {
		job.Destination = *patch.Destination
	}
	if patch.Compression != nil {
		job.Compression = *patch.Compression
	}
	if patch.Encryption != nil {
		job.Encryption = *patch.Encryption
	}
	if patch.Dependencies != nil {
		job.Dependencies = *patch.Dependencies
	}
	if patch.DependencyOpts != nil {
		job.DependencyOpts = *patch.DependencyOpts
	}
	if patch.Notifications != nil {
		job.Notifications = *patch.Notifications
	}

	if err := backup.ValidateJob(&job); err != nil {
		return nil, err
	}

	labJobs, err := s.labJobs(ctx, job.LabID)
	if err != nil {
		return nil, err
	}
	for i := range labJobs {
		if labJobs[i].ID == job.ID {
			labJobs[i] = job
		}
	}
	if err := backup.ValidateGraph(labJobs); err != nil {
		return nil, err
	}

	next, err := backup.NextRun(job.Schedule, s.now().UTC(), s.loc)
	if err != nil {
		return nil, err
	}
	job.Schedule.NextRun = next
	job.NextRunAt = next
	if job.Schedule.Enabled {
		if job.Status == models.JobStatusPaused {
			job.Status = models.JobStatusScheduled
		}
	} else if !job.IsTerminal() {
		job.Status = models.JobStatusPaused
	}

	// Guard against a run claiming the job between the load and the save.
	res := s.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status <> ?", job.ID, models.JobStatusRunning).
		Select("name", "description", "tags", "type", "max_execution_secs", "schedule",
			"next_run_at", "sources", "destination", "compression", "encryption",
			"dependencies", "dependency_opts", "notifications", "status").
		Updates(&job)
	if res.Error != nil {
		return nil, apperrors.DatabaseError("failed to update job", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ConflictError("job cannot be updated while running")
	}
	s.invalidateStats(ctx, job.LabID)
	return &job, nil
}

// DeleteJob removes a job unless it is running or another job depends on it
func (s *JobService) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	var job models.BackupJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if job.IsRunning() {
		return apperrors.ConflictError("job cannot be deleted while running")
	}

	labJobs, err := s.labJobs(ctx, job.LabID)
	if err != nil {
		return err
	}
	if dependents := backup.Dependents(job.ID, labJobs); len(dependents) > 0 {
		ids := make([]string, len(dependents))
		for i, id := range dependents {
			ids[i] = id.String()
		}
		return apperrors.DependencyExistsError(job.ID.String(), ids)
	}

	res := s.db.WithContext(ctx).
		Where("id = ? AND status <> ?", job.ID, models.JobStatusRunning).
		Delete(&models.BackupJob{})
	if res.Error != nil {
		return apperrors.DatabaseError("failed to delete job", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ConflictError("job cannot be deleted while running")
	}
	s.invalidateStats(ctx, job.LabID)
	return nil
}

// ExecuteResult is the immediate response of a manual execution request
type ExecuteResult struct {
	ExecutionID uuid.UUID        `json:"execution_id"`
	Status      models.JobStatus `json:"status"`
}

// ExecuteJob starts a manual run. Executing a paused job requires force;
// without it the call reports the schedule as disabled. Execution errors
// are never returned here: the run is asynchronous and its outcome is
// surfaced through the job record and history.
func (s *JobService) ExecuteJob(ctx context.Context, jobID uuid.UUID, force bool) (*ExecuteResult, error) {
	var job models.BackupJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if job.IsRunning() {
		return nil, apperrors.ConflictError("job is already running")
	}
	if job.Status == models.JobStatusPaused && !force {
		return nil, apperrors.DisabledError(job.ID.String())
	}

	execID, err := s.engine.Execute(ctx, s.executor, jobID, models.TriggerManual)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{ExecutionID: execID, Status: models.JobStatusRunning}, nil
}

// StopJob requests cooperative cancellation of a running job
func (s *JobService) StopJob(ctx context.Context, jobID uuid.UUID) error {
	return s.engine.RequestStop(ctx, jobID)
}

// GetJob loads a single job
func (s *JobService) GetJob(ctx context.Context, jobID uuid.UUID) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	return &job, nil
}

// JobPage is one page of a job listing
type JobPage struct {
	Jobs  []models.BackupJob `json:"jobs"`
	Total int64              `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

// ListJobs returns a lab's jobs, optionally filtered by status
func (s *JobService) ListJobs(ctx context.Context, labID uuid.UUID, status models.JobStatus, page, limit int) (*JobPage, error) {
	page, limit = normalizePage(page, limit)

	query := s.db.WithContext(ctx).Model(&models.BackupJob{}).Where("lab_id = ?", labID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to count jobs", err)
	}

	var jobs []models.BackupJob
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to list jobs", err)
	}
	return &JobPage{Jobs: jobs, Total: total, Page: page, Limit: limit}, nil
}

// HistoryPage is one page of execution history
type HistoryPage struct {
	Executions []models.BackupExecution `json:"executions"`
	Total      int64                    `json:"total"`
	Page       int                      `json:"page"`
	Limit      int                      `json:"limit"`
}

// ListExecutionHistory returns a job's past runs, newest first
func (s *JobService) ListExecutionHistory(ctx context.Context, jobID uuid.UUID, page, limit int) (*HistoryPage, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit)

	query := s.db.WithContext(ctx).Model(&models.BackupExecution{}).Where("job_id = ?", jobID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to count executions", err)
	}

	var executions []models.BackupExecution
	if err := query.
		Order("started_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&executions).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to list executions", err)
	}
	return &HistoryPage{Executions: executions, Total: total, Page: page, Limit: limit}, nil
}

// GetStats aggregates job statistics for a lab, cached briefly
func (s *JobService) GetStats(ctx context.Context, filters backup.StatsFilters) (*backup.Stats, error) {
	key := statsCacheKey(filters.LabID)
	if s.cache != nil {
		var cached backup.Stats
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	stats, err := backup.ComputeStats(ctx, s.db, filters)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		ttl := s.cfg.GetDuration("cache.stats_ttl")
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		if err := s.cache.SetJSON(ctx, key, stats, ttl); err != nil {
			s.logger.Debug("stats cache write failed", "error", err)
		}
	}
	return stats, nil
}

// TestDestinationConfig validates a destination configuration shape. It is
// pure: no side effects, no job state touched.
func (s *JobService) TestDestinationConfig(dest models.Destination, comp models.CompressionConfig, enc models.EncryptionConfig) *backup.ConfigReport {
	return backup.TestConfig(dest, comp, enc)
}

// PauseJob disables the schedule; the scheduler tick ignores paused jobs
func (s *JobService) PauseJob(ctx context.Context, jobID uuid.UUID) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if job.IsRunning() {
		return nil, apperrors.ConflictError("job cannot be paused while running")
	}

	job.Schedule.Enabled = false
	job.Schedule.NextRun = nil
	job.NextRunAt = nil
	job.Status = models.JobStatusPaused

	res := s.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status <> ?", job.ID, models.JobStatusRunning).
		Select("schedule", "next_run_at", "status").
		Updates(&job)
	if res.Error != nil {
		return nil, apperrors.DatabaseError("failed to pause job", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ConflictError("job cannot be paused while running")
	}
	return &job, nil
}

// ResumeJob re-enables the schedule and recomputes the next run
func (s *JobService) ResumeJob(ctx context.Context, jobID uuid.UUID) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if job.Status != models.JobStatusPaused {
		return nil, apperrors.ConflictError("job is not paused")
	}

	job.Schedule.Enabled = true
	next, err := backup.NextRun(job.Schedule, s.now().UTC(), s.loc)
	if err != nil {
		return nil, err
	}
	job.Schedule.NextRun = next
	job.NextRunAt = next
	job.Status = models.JobStatusScheduled

	res := s.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusPaused).
		Select("schedule", "next_run_at", "status").
		Updates(&job)
	if res.Error != nil {
		return nil, apperrors.DatabaseError("failed to resume job", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ConflictError("job is not paused")
	}
	return &job, nil
}

func (s *JobService) labJobs(ctx context.Context, labID uuid.UUID) ([]models.BackupJob, error) {
	var jobs []models.BackupJob
	if err := s.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&jobs).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to load lab jobs", err)
	}
	return jobs, nil
}

func (s *JobService) invalidateStats(ctx context.Context, labID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statsCacheKey(labID)); err != nil {
		s.logger.Debug("stats cache invalidation failed", "error", err)
	}
}

func statsCacheKey(labID uuid.UUID) string {
	return fmt.Sprintf("stats:%s", labID)
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
