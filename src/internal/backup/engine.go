package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// Execution error codes recorded on failed runs
const (
	ExecErrTimeout   = "TIMEOUT"
	ExecErrIO        = "IO_ERROR"
	ExecErrConfig    = "CONFIG_ERROR"
	ExecErrCancelled = "CANCELLED"
	ExecErrInternal  = "INTERNAL_ERROR"
	ExecErrUnmet     = "DEPENDENCY_UNMET"
)

// Notifier dispatches job outcome notifications. Delivery failures never
// affect job status.
type Notifier interface {
	NotifySuccess(ctx context.Context, job *models.BackupJob)
	NotifyFailure(ctx context.Context, job *models.BackupJob, execErr *models.ExecutionError)
}

// Reporter is handed to the external executor so it can publish progress
// and logs for the run it owns.
type Reporter interface {
	Progress(p models.Progress)
	Log(level, message, details string)
}

// Executor performs the actual byte transfer for a claimed job. It must
// observe ctx cancellation at its own checkpoints and return ctx.Err()
// once it has stopped.
type Executor interface {
	Run(ctx context.Context, job *models.BackupJob, rep Reporter) (*models.Result, error)
}

// ArtifactStore deletes pruned backup artifacts from the storage backend.
type ArtifactStore interface {
	Delete(ctx context.Context, artifact *models.BackupArtifact) error
}

// Engine is the execution state machine. All status transitions go through
// conditional updates against the store so concurrent scheduler replicas
// cannot double-claim or double-finish a job.
type Engine struct {
	db       *gorm.DB
	logger   *slog.Logger
	notifier Notifier
	store    ArtifactStore
	loc      *time.Location
	now      func() time.Time
	stopPoll time.Duration

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewEngine creates a new execution engine
func NewEngine(db *gorm.DB, logger *slog.Logger, notifier Notifier, store ArtifactStore, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		db:       db,
		logger:   logger,
		notifier: notifier,
		store:    store,
		loc:      loc,
		now:      time.Now,
		stopPoll: 2 * time.Second,
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// SetClock overrides the engine clock, used by tests
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start claims a job for execution. The claim is a compare-and-set on
// status: scheduled always qualifies, any other non-running status only on
// a manual trigger. The losing caller of a concurrent double start gets a
// CONFLICT telling it the job is already running.
func (e *Engine) Start(ctx context.Context, jobID uuid.UUID, trigger models.TriggerKind) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}

	allowed := []models.JobStatus{models.JobStatusScheduled}
	if trigger == models.TriggerManual {
		// Manual retry is permitted from any non-running state.
		allowed = append(allowed,
			models.JobStatusPaused,
			models.JobStatusCompleted,
			models.JobStatusFailed,
			models.JobStatusCancelled,
		)
	}

	startedAt := e.now().UTC()
	exec := models.Execution{
		ID:        uuid.New(),
		Status:    models.JobStatusRunning,
		StartedAt: &startedAt,
	}

	// A fresh claim clears any stop signal left over from the previous run.
	res := e.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status IN ?", jobID, allowed).
		Select("status", "execution", "cancel_requested").
		Updates(&models.BackupJob{Status: models.JobStatusRunning, Execution: exec})
	if res.Error != nil {
		return nil, apperrors.DatabaseError("failed to claim job", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ConflictError("job is already running")
	}

	history := &models.BackupExecution{
		ID:          exec.ID,
		JobID:       job.ID,
		LabID:       job.LabID,
		Status:      models.JobStatusRunning,
		TriggeredBy: trigger,
		StartedAt:   startedAt,
	}
	if err := e.db.WithContext(ctx).Create(history).Error; err != nil {
		e.logger.Error("failed to record execution history", "job_id", job.ID, "error", err)
	}

	job.Status = models.JobStatusRunning
	job.Execution = exec
	return &job, nil
}

// UpdateProgress publishes progress for a running job. Percentage is
// monotonically non-decreasing; a lower value is clamped to the current one.
func (e *Engine) UpdateProgress(ctx context.Context, jobID uuid.UUID, p models.Progress) error {
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if !job.IsRunning() {
		return apperrors.ConflictError("job is not running")
	}
	syncStopFlag(&job)

	if p.Percentage < job.Execution.Progress.Percentage {
		p.Percentage = job.Execution.Progress.Percentage
	}
	if p.BytesProcessed < job.Execution.Progress.BytesProcessed {
		p.BytesProcessed = job.Execution.Progress.BytesProcessed
	}
	job.Execution.Progress = p

	if err := e.saveExecution(ctx, &job); err != nil {
		return err
	}
	if job.CancelRequested {
		e.signalCancel(job.ID)
	}
	return nil
}

// AddLog appends an entry to the running execution's log
func (e *Engine) AddLog(ctx context.Context, jobID uuid.UUID, level, message, details string) error {
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if !job.IsRunning() {
		return apperrors.ConflictError("job is not running")
	}
	syncStopFlag(&job)

	job.Execution.Logs = append(job.Execution.Logs, models.LogEntry{
		Level:     level,
		Message:   message,
		Details:   details,
		Timestamp: e.now().UTC(),
	})
	if err := e.saveExecution(ctx, &job); err != nil {
		return err
	}
	if job.CancelRequested {
		e.signalCancel(job.ID)
	}
	return nil
}

// Complete finishes a running job successfully: it fixes duration, merges
// the result, records the artifact, recomputes the next run, applies
// retention pruning and signals the success notification hook.
func (e *Engine) Complete(ctx context.Context, jobID uuid.UUID, result *models.Result) error {
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if !job.IsRunning() {
		return apperrors.ConflictError("job is not running")
	}
	syncStopFlag(&job)

	endedAt := e.now().UTC()
	job.Execution.Status = models.JobStatusCompleted
	job.Execution.CompletedAt = &endedAt
	if job.Execution.StartedAt != nil {
		job.Execution.DurationMS = endedAt.Sub(*job.Execution.StartedAt).Milliseconds()
	}
	job.Result = result
	job.Schedule.LastRun = &endedAt

	next, err := NextRun(job.Schedule, endedAt, e.loc)
	if err != nil {
		// Schedules are validated at creation; treat this as a bug, not a run failure.
		e.logger.Error("next run computation failed", "job_id", job.ID, "error", err)
	}
	job.Schedule.NextRun = next
	job.NextRunAt = next

	finalStatus := models.JobStatusCompleted
	if job.Schedule.IsRecurring() {
		finalStatus = models.JobStatusScheduled
	}

	res := e.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
		Select("status", "execution", "result", "schedule", "next_run_at").
		Updates(&models.BackupJob{
			Status:    finalStatus,
			Execution: job.Execution,
			Result:    job.Result,
			Schedule:  job.Schedule,
			NextRunAt: job.NextRunAt,
		})
	if res.Error != nil {
		return apperrors.DatabaseError("failed to complete job", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ConflictError("job is not running")
	}
	job.Status = finalStatus

	e.finishHistory(ctx, &job, models.JobStatusCompleted)
	e.releaseCancel(job.ID)

	if result != nil && result.File != nil {
		artifact := &models.BackupArtifact{
			JobID:       job.ID,
			LabID:       job.LabID,
			ExecutionID: job.Execution.ID,
			FilePath:    result.File.Path,
			Size:        result.File.Size,
			Checksum:    result.File.Checksum,
			Status:      models.ArtifactStored,
			CreatedAt:   endedAt,
		}
		if err := e.db.WithContext(ctx).Create(artifact).Error; err != nil {
			e.logger.Error("failed to record artifact", "job_id", job.ID, "error", err)
		}
	}

	if err := e.pruneArtifacts(ctx, &job, endedAt); err != nil {
		e.logger.Error("retention pruning failed", "job_id", job.ID, "error", err)
	}

	if e.notifier != nil && job.Notifications.OnSuccess {
		e.notifier.NotifySuccess(ctx, &job)
	}
	return nil
}

// Fail finishes a running job with a structured error. There is no
// automatic retry; a retry is a fresh Start subject to the same
// exclusivity rule.
func (e *Engine) Fail(ctx context.Context, jobID uuid.UUID, execErr *models.ExecutionError) error {
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if !job.IsRunning() {
		return apperrors.ConflictError("job is not running")
	}
	syncStopFlag(&job)

	endedAt := e.now().UTC()
	if execErr.Timestamp.IsZero() {
		execErr.Timestamp = endedAt
	}
	job.Execution.Status = models.JobStatusFailed
	job.Execution.CompletedAt = &endedAt
	if job.Execution.StartedAt != nil {
		job.Execution.DurationMS = endedAt.Sub(*job.Execution.StartedAt).Milliseconds()
	}
	job.Execution.Error = execErr

	res := e.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
		Select("status", "execution").
		Updates(&models.BackupJob{Status: models.JobStatusFailed, Execution: job.Execution})
	if res.Error != nil {
		return apperrors.DatabaseError("failed to fail job", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ConflictError("job is not running")
	}
	job.Status = models.JobStatusFailed

	e.finishHistory(ctx, &job, models.JobStatusFailed)
	e.releaseCancel(job.ID)

	if e.notifier != nil && job.Notifications.OnFailure {
		e.notifier.NotifyFailure(ctx, &job, execErr)
	}
	return nil
}

// RequestStop sets the cooperative cancellation signal on a running job.
// The signal lands in a dedicated column so the replica holding the claim
// picks it up through its stop watcher even when this replica has no
// in-memory cancel func. The executor observes it at its own checkpoints;
// the job only reaches cancelled once the executor acknowledges.
func (e *Engine) RequestStop(ctx context.Context, jobID uuid.UUID) error {
	res := e.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusRunning).
		Update("cancel_requested", true)
	if res.Error != nil {
		return apperrors.DatabaseError("failed to request stop", res.Error)
	}
	if res.RowsAffected == 0 {
		var job models.BackupJob
		if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
			return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
		}
		return apperrors.ConflictError("job is not running")
	}

	// Mirror the signal into the execution document so API reads show it.
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err == nil && job.IsRunning() {
		syncStopFlag(&job)
		if err := e.saveExecution(ctx, &job); err != nil {
			e.logger.Debug("stop flag mirror dropped", "job_id", jobID, "error", err)
		}
	}

	e.signalCancel(jobID)
	return nil
}

// Cancelled records the executor's acknowledgment of a stop request
func (e *Engine) Cancelled(ctx context.Context, jobID uuid.UUID) error {
	var job models.BackupJob
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return apperrors.WrapRecordNotFound(err, "backup job", jobID.String())
	}
	if !job.IsRunning() {
		return apperrors.ConflictError("job is not running")
	}
	syncStopFlag(&job)

	endedAt := e.now().UTC()
	job.Execution.Status = models.JobStatusCancelled
	job.Execution.CompletedAt = &endedAt
	if job.Execution.StartedAt != nil {
		job.Execution.DurationMS = endedAt.Sub(*job.Execution.StartedAt).Milliseconds()
	}

	res := e.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
		Select("status", "execution").
		Updates(&models.BackupJob{Status: models.JobStatusCancelled, Execution: job.Execution})
	if res.Error != nil {
		return apperrors.DatabaseError("failed to cancel job", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ConflictError("job is not running")
	}
	job.Status = models.JobStatusCancelled

	e.finishHistory(ctx, &job, models.JobStatusCancelled)
	e.releaseCancel(job.ID)
	return nil
}

// Execute claims a job and runs it in the background, returning the new
// execution id immediately. It is the entry point for manual execution
// through the API.
func (e *Engine) Execute(ctx context.Context, executor Executor, jobID uuid.UUID, trigger models.TriggerKind) (uuid.UUID, error) {
	job, err := e.Start(ctx, jobID, trigger)
	if err != nil {
		return uuid.Nil, err
	}

	go e.run(e.claimContext(ctx, job.ID), executor, job)
	return job.Execution.ID, nil
}

// RunOnce claims a job and runs it to a terminal state synchronously. The
// scheduler uses it so its parallelism limiter covers the whole run.
func (e *Engine) RunOnce(ctx context.Context, executor Executor, jobID uuid.UUID, trigger models.TriggerKind) error {
	job, err := e.Start(ctx, jobID, trigger)
	if err != nil {
		return err
	}
	e.run(e.claimContext(ctx, job.ID), executor, job)
	return nil
}

// claimContext derives the run context for a claimed job and registers its
// cancel func so RequestStop can signal the executor. A stop watcher polls
// the persisted signal for requests arriving through other replicas.
func (e *Engine) claimContext(ctx context.Context, jobID uuid.UUID) context.Context {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
	go e.watchStop(runCtx, jobID, cancel)
	return runCtx
}

// watchStop polls the persisted stop signal while a claimed run is in
// flight. releaseCancel cancels the run context on every terminal
// transition, so the watcher always exits.
func (e *Engine) watchStop(ctx context.Context, jobID uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.stopPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var row struct{ CancelRequested bool }
			err := e.db.WithContext(ctx).Model(&models.BackupJob{}).
				Select("cancel_requested").
				Where("id = ?", jobID).
				Scan(&row).Error
			if err != nil {
				e.logger.Debug("stop signal poll failed", "job_id", jobID, "error", err)
				continue
			}
			if row.CancelRequested {
				cancel()
				return
			}
		}
	}
}

func (e *Engine) run(ctx context.Context, executor Executor, job *models.BackupJob) {
	defer func() {
		if r := recover(); r != nil {
			execErr := &models.ExecutionError{
				Code:    ExecErrInternal,
				Message: fmt.Sprintf("executor panic: %v", r),
			}
			if err := e.Fail(context.Background(), job.ID, execErr); err != nil {
				e.logger.Error("failed to record panic failure", "job_id", job.ID, "error", err)
			}
		}
	}()

	rep := &engineReporter{engine: e, jobID: job.ID}
	result, err := executor.Run(ctx, job, rep)

	// Terminal transitions use a fresh context; the run context may
	// already be cancelled.
	finishCtx := context.Background()
	switch {
	case err == nil:
		if cerr := e.Complete(finishCtx, job.ID, result); cerr != nil {
			e.logger.Error("failed to complete job", "job_id", job.ID, "error", cerr)
		}
	case ctx.Err() != nil:
		if cerr := e.Cancelled(finishCtx, job.ID); cerr != nil {
			e.logger.Error("failed to record cancellation", "job_id", job.ID, "error", cerr)
		}
	default:
		execErr := &models.ExecutionError{
			Code:      ExecErrIO,
			Message:   err.Error(),
			Transient: true,
		}
		var ee *models.ExecutionError
		if AsExecutionError(err, &ee) {
			execErr = ee
		}
		if ferr := e.Fail(finishCtx, job.ID, execErr); ferr != nil {
			e.logger.Error("failed to record failure", "job_id", job.ID, "error", ferr)
		}
	}
}

func (e *Engine) pruneArtifacts(ctx context.Context, job *models.BackupJob, now time.Time) error {
	var artifacts []models.BackupArtifact
	if err := e.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", job.ID, models.ArtifactStored).
		Order("created_at DESC").
		Find(&artifacts).Error; err != nil {
		return err
	}

	_, remove := Prune(job.Destination.Retention, artifacts, now)
	for i := range remove {
		artifact := &remove[i]
		if e.store != nil {
			if err := e.store.Delete(ctx, artifact); err != nil {
				e.logger.Warn("artifact deletion failed", "artifact_id", artifact.ID, "error", err)
				continue
			}
		}
		if err := e.db.WithContext(ctx).Model(artifact).
			Update("status", models.ArtifactPruned).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) saveExecution(ctx context.Context, job *models.BackupJob) error {
	res := e.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
		Select("execution").
		Updates(&models.BackupJob{Execution: job.Execution})
	if res.Error != nil {
		return apperrors.DatabaseError("failed to update execution", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ConflictError("job is not running")
	}
	return nil
}

func (e *Engine) finishHistory(ctx context.Context, job *models.BackupJob, status models.JobStatus) {
	updates := &models.BackupExecution{
		Status:      status,
		CompletedAt: job.Execution.CompletedAt,
		DurationMS:  job.Execution.DurationMS,
		Progress:    job.Execution.Progress,
		Logs:        job.Execution.Logs,
		Error:       job.Execution.Error,
		Result:      job.Result,
	}
	if err := e.db.WithContext(ctx).Model(&models.BackupExecution{}).
		Where("id = ?", job.Execution.ID).
		Select("status", "completed_at", "duration_ms", "progress", "logs", "error", "result").
		Updates(updates).Error; err != nil {
		e.logger.Error("failed to update execution history", "execution_id", job.Execution.ID, "error", err)
	}
}

// syncStopFlag folds the persisted stop signal into the execution
// document so it survives whole-document saves from progress and log
// writers on the claim-holding replica.
func syncStopFlag(job *models.BackupJob) {
	if job.CancelRequested {
		job.Execution.CancelRequested = true
	}
}

func (e *Engine) signalCancel(jobID uuid.UUID) {
	e.mu.Lock()
	cancel := e.cancels[jobID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) releaseCancel(jobID uuid.UUID) {
	e.mu.Lock()
	if cancel, ok := e.cancels[jobID]; ok {
		delete(e.cancels, jobID)
		cancel()
	}
	e.mu.Unlock()
}

// engineReporter forwards executor callbacks to the engine. Errors are
// logged, not surfaced; the run owns the claim so conflicts mean the
// watchdog already forced a terminal state.
type engineReporter struct {
	engine *Engine
	jobID  uuid.UUID
}

func (r *engineReporter) Progress(p models.Progress) {
	if err := r.engine.UpdateProgress(context.Background(), r.jobID, p); err != nil {
		r.engine.logger.Debug("progress update dropped", "job_id", r.jobID, "error", err)
	}
}

func (r *engineReporter) Log(level, message, details string) {
	if err := r.engine.AddLog(context.Background(), r.jobID, level, message, details); err != nil {
		r.engine.logger.Debug("log entry dropped", "job_id", r.jobID, "error", err)
	}
}
