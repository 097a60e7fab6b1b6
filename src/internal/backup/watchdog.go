package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// Watchdog enforces maxExecutionTime on running jobs independently of the
// tasks executing them, so a job never stays running indefinitely even if
// the external executor hangs.
type Watchdog struct {
	db       *gorm.DB
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewWatchdog creates a new watchdog
func NewWatchdog(db *gorm.DB, engine *Engine, logger *slog.Logger, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{
		db:       db,
		engine:   engine,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the watchdog clock, used by tests
func (w *Watchdog) SetClock(now func() time.Time) {
	w.now = now
}

// Run checks running jobs once per interval until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep forcibly fails every running job whose execution has exceeded its
// maxExecutionTime.
func (w *Watchdog) Sweep(ctx context.Context) {
	var jobs []models.BackupJob
	if err := w.db.WithContext(ctx).
		Where("status = ?", models.JobStatusRunning).
		Find(&jobs).Error; err != nil {
		w.logger.Error("watchdog query failed", "error", err)
		return
	}

	now := w.now().UTC()
	for i := range jobs {
		job := &jobs[i]
		if job.Execution.StartedAt == nil {
			continue
		}
		limit := job.MaxExecutionTime()
		if limit <= 0 {
			continue
		}
		elapsed := now.Sub(*job.Execution.StartedAt)
		if elapsed <= limit {
			continue
		}

		execErr := &models.ExecutionError{
			Code:    ExecErrTimeout,
			Message: fmt.Sprintf("execution exceeded %s (ran %s)", limit, elapsed.Round(time.Second)),
		}
		err := w.engine.Fail(ctx, job.ID, execErr)
		switch {
		case err == nil:
			w.logger.Warn("job timed out", "job_id", job.ID, "elapsed", elapsed)
		case apperrors.IsCode(err, apperrors.CodeConflict):
			// The run finished between the query and the transition.
		default:
			w.logger.Error("watchdog failed to time out job", "job_id", job.ID, "error", err)
		}
	}
}
