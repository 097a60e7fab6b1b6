package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

func TestEngineStart(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)

	claimed, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.NotEqual(t, uuid.Nil, claimed.Execution.ID)
	assert.NotNil(t, claimed.Execution.StartedAt)

	stored := reloadJob(t, db, job.ID)
	assert.Equal(t, models.JobStatusRunning, stored.Status)

	var history models.BackupExecution
	require.NoError(t, db.First(&history, "id = ?", claimed.Execution.ID).Error)
	assert.Equal(t, job.ID, history.JobID)
	assert.Equal(t, models.TriggerSchedule, history.TriggeredBy)
	assert.Equal(t, models.JobStatusRunning, history.Status)
}

func TestEngineStartConflict(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)
	_, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)

	_, err = engine.Start(ctx, job.ID, models.TriggerManual)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestEngineConcurrentStartSingleWinner(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	job := seedJob(t, db)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Start(context.Background(), job.ID, models.TriggerSchedule)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
		} else {
			assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)

	var count int64
	require.NoError(t, db.Model(&models.BackupExecution{}).Where("job_id = ?", job.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEngineStartTriggerRules(t *testing.T) {
	cases := []struct {
		status  models.JobStatus
		trigger models.TriggerKind
		wantOK  bool
	}{
		{models.JobStatusScheduled, models.TriggerSchedule, true},
		{models.JobStatusScheduled, models.TriggerManual, true},
		{models.JobStatusPaused, models.TriggerSchedule, false},
		{models.JobStatusPaused, models.TriggerManual, true},
		{models.JobStatusFailed, models.TriggerSchedule, false},
		{models.JobStatusFailed, models.TriggerManual, true},
		{models.JobStatusCompleted, models.TriggerManual, true},
		{models.JobStatusCancelled, models.TriggerManual, true},
		{models.JobStatusRunning, models.TriggerManual, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.status)+"/"+string(tc.trigger), func(t *testing.T) {
			db := newTestDB(t)
			engine := newTestEngine(t, db)
			job := seedJob(t, db, func(j *models.BackupJob) { j.Status = tc.status })

			_, err := engine.Start(context.Background(), job.ID, tc.trigger)
			if tc.wantOK {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
			}
		})
	}
}

func TestEngineProgressMonotonic(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)
	_, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)

	require.NoError(t, engine.UpdateProgress(ctx, job.ID, models.Progress{Percentage: 60, BytesProcessed: 600}))

	// A regressing update is clamped, not applied.
	require.NoError(t, engine.UpdateProgress(ctx, job.ID, models.Progress{Percentage: 40, BytesProcessed: 500, CurrentStep: "verify"}))

	stored := reloadJob(t, db, job.ID)
	assert.Equal(t, float64(60), stored.Execution.Progress.Percentage)
	assert.EqualValues(t, 600, stored.Execution.Progress.BytesProcessed)
	assert.Equal(t, "verify", stored.Execution.Progress.CurrentStep)
}

func TestEngineProgressRequiresRunning(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	job := seedJob(t, db)

	err := engine.UpdateProgress(context.Background(), job.ID, models.Progress{Percentage: 10})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	err = engine.AddLog(context.Background(), job.ID, "info", "noop", "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestEngineAddLogAppends(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)
	_, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)

	require.NoError(t, engine.AddLog(ctx, job.ID, "info", "dump started", ""))
	require.NoError(t, engine.AddLog(ctx, job.ID, "warn", "slow source", "samples table"))

	stored := reloadJob(t, db, job.ID)
	require.Len(t, stored.Execution.Logs, 2)
	assert.Equal(t, "dump started", stored.Execution.Logs[0].Message)
	assert.Equal(t, "warn", stored.Execution.Logs[1].Level)
	assert.False(t, stored.Execution.Logs[1].Timestamp.IsZero())
}

func TestEngineCompleteRecurring(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	started := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	clock := started
	engine.SetClock(func() time.Time { return clock })

	job := seedJob(t, db)
	claimed, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)

	clock = started.Add(90 * time.Second)
	result := &models.Result{
		File:  &models.BackupFile{Path: "/var/backups/lab/a.tar.gz", Size: 2048, Checksum: "abc"},
		Stats: models.BackupStats{Files: 12, Bytes: 2048},
	}
	require.NoError(t, engine.Complete(ctx, job.ID, result))

	stored := reloadJob(t, db, job.ID)
	// A recurring schedule goes back to scheduled, not completed.
	assert.Equal(t, models.JobStatusScheduled, stored.Status)
	assert.Equal(t, models.JobStatusCompleted, stored.Execution.Status)
	assert.EqualValues(t, 90_000, stored.Execution.DurationMS)
	require.NotNil(t, stored.Schedule.LastRun)
	assert.Equal(t, clock, stored.Schedule.LastRun.UTC())

	// Next run at 03:00 the following day, mirrored into the due column.
	require.NotNil(t, stored.Schedule.NextRun)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), stored.Schedule.NextRun.UTC())
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, stored.Schedule.NextRun.UTC(), stored.NextRunAt.UTC())

	var history models.BackupExecution
	require.NoError(t, db.First(&history, "id = ?", claimed.Execution.ID).Error)
	assert.Equal(t, models.JobStatusCompleted, history.Status)
	assert.EqualValues(t, 90_000, history.DurationMS)

	var artifact models.BackupArtifact
	require.NoError(t, db.First(&artifact, "job_id = ?", job.ID).Error)
	assert.Equal(t, "/var/backups/lab/a.tar.gz", artifact.FilePath)
	assert.Equal(t, models.ArtifactStored, artifact.Status)
}

func TestEngineCompleteOneShot(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db, func(j *models.BackupJob) {
		j.Schedule = models.Schedule{Frequency: models.FrequencyManual, Enabled: true}
	})
	_, err := engine.Start(ctx, job.ID, models.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, job.ID, nil))

	stored := reloadJob(t, db, job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Nil(t, stored.NextRunAt)
}

func TestEngineCompleteRequiresRunning(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	job := seedJob(t, db)

	err := engine.Complete(context.Background(), job.ID, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestEngineFail(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)
	claimed, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)

	execErr := &models.ExecutionError{Code: ExecErrIO, Message: "destination unreachable", Transient: true}
	require.NoError(t, engine.Fail(ctx, job.ID, execErr))

	stored := reloadJob(t, db, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Execution.Error)
	assert.Equal(t, ExecErrIO, stored.Execution.Error.Code)
	assert.True(t, stored.Execution.Error.Transient)
	assert.False(t, stored.Execution.Error.Timestamp.IsZero())

	var history models.BackupExecution
	require.NoError(t, db.First(&history, "id = ?", claimed.Execution.ID).Error)
	assert.Equal(t, models.JobStatusFailed, history.Status)

	// Failed is terminal for the scheduler; a manual retry claims it again.
	_, err = engine.Start(ctx, job.ID, models.TriggerSchedule)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
	_, err = engine.Start(ctx, job.ID, models.TriggerManual)
	assert.NoError(t, err)
}

func TestEngineStopFlow(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)

	started := make(chan struct{})
	executor := ExecutorFunc(func(runCtx context.Context, j *models.BackupJob, rep Reporter) (*models.Result, error) {
		close(started)
		<-runCtx.Done()
		return nil, runCtx.Err()
	})

	execID, err := engine.Execute(ctx, executor, job.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, execID)

	<-started
	require.NoError(t, engine.RequestStop(ctx, job.ID))

	require.Eventually(t, func() bool {
		return reloadJob(t, db, job.ID).Status == models.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	stored := reloadJob(t, db, job.ID)
	assert.Equal(t, models.JobStatusCancelled, stored.Execution.Status)
	assert.True(t, stored.Execution.CancelRequested)
	assert.NotNil(t, stored.Execution.CompletedAt)
}

func TestEngineStopFromAnotherReplica(t *testing.T) {
	db := newTestDB(t)
	engineA := newTestEngine(t, db)
	engineA.stopPoll = 10 * time.Millisecond
	// engineB shares the store but holds no cancel funcs, the way a second
	// API replica would. Only the persisted signal can reach the run.
	engineB := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)

	started := make(chan struct{})
	executor := ExecutorFunc(func(runCtx context.Context, j *models.BackupJob, rep Reporter) (*models.Result, error) {
		close(started)
		<-runCtx.Done()
		return nil, runCtx.Err()
	})

	_, err := engineA.Execute(ctx, executor, job.ID, models.TriggerManual)
	require.NoError(t, err)

	<-started
	require.NoError(t, engineB.RequestStop(ctx, job.ID))

	require.Eventually(t, func() bool {
		return reloadJob(t, db, job.ID).Status == models.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	stored := reloadJob(t, db, job.ID)
	assert.Equal(t, models.JobStatusCancelled, stored.Execution.Status)
	assert.True(t, stored.Execution.CancelRequested)
}

func TestEngineProgressPreservesStopFlag(t *testing.T) {
	db := newTestDB(t)
	engineA := newTestEngine(t, db)
	engineB := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db)
	_, err := engineA.Start(ctx, job.ID, models.TriggerManual)
	require.NoError(t, err)

	require.NoError(t, engineB.RequestStop(ctx, job.ID))

	// A whole-document execution save from the claim holder must not wipe
	// the stop signal another replica just persisted.
	require.NoError(t, engineA.UpdateProgress(ctx, job.ID, models.Progress{Percentage: 30}))
	require.NoError(t, engineA.AddLog(ctx, job.ID, "info", "dumping", ""))

	stored := reloadJob(t, db, job.ID)
	assert.True(t, stored.CancelRequested)
	assert.True(t, stored.Execution.CancelRequested)
}

func TestEngineStartClearsStaleStopSignal(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	job := seedJob(t, db, func(j *models.BackupJob) { j.CancelRequested = true })

	_, err := engine.Start(ctx, job.ID, models.TriggerManual)
	require.NoError(t, err)

	stored := reloadJob(t, db, job.ID)
	assert.False(t, stored.CancelRequested)
	assert.False(t, stored.Execution.CancelRequested)
}

func TestEngineStopRequiresRunning(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	job := seedJob(t, db)

	err := engine.RequestStop(context.Background(), job.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestEngineExecuteRecordsStructuredError(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)

	job := seedJob(t, db)
	executor := ExecutorFunc(func(ctx context.Context, j *models.BackupJob, rep Reporter) (*models.Result, error) {
		return nil, NewRunError(ExecErrConfig, "missing credential reference", false)
	})

	_, err := engine.Execute(context.Background(), executor, job.ID, models.TriggerManual)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reloadJob(t, db, job.ID).Status == models.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	stored := reloadJob(t, db, job.ID)
	require.NotNil(t, stored.Execution.Error)
	assert.Equal(t, ExecErrConfig, stored.Execution.Error.Code)
	assert.False(t, stored.Execution.Error.Transient)
}

func TestEngineExecuteRecoversPanic(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)

	job := seedJob(t, db)
	executor := ExecutorFunc(func(ctx context.Context, j *models.BackupJob, rep Reporter) (*models.Result, error) {
		panic("boom")
	})

	_, err := engine.Execute(context.Background(), executor, job.ID, models.TriggerManual)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reloadJob(t, db, job.ID).Status == models.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	stored := reloadJob(t, db, job.ID)
	require.NotNil(t, stored.Execution.Error)
	assert.Equal(t, ExecErrInternal, stored.Execution.Error.Code)
}

func TestEngineCompletePrunesArtifacts(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })

	job := seedJob(t, db, func(j *models.BackupJob) {
		j.Destination.Retention = models.RetentionPolicy{MaxBackups: 2}
	})

	for i := 3; i >= 1; i-- {
		require.NoError(t, db.Create(&models.BackupArtifact{
			JobID:       job.ID,
			LabID:       job.LabID,
			ExecutionID: uuid.New(),
			FilePath:    "/var/backups/lab/old",
			Size:        100,
			Status:      models.ArtifactStored,
			CreatedAt:   now.AddDate(0, 0, -i),
		}).Error)
	}

	_, err := engine.Start(ctx, job.ID, models.TriggerSchedule)
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, job.ID, &models.Result{
		File: &models.BackupFile{Path: "/var/backups/lab/new.tar.gz", Size: 200},
	}))

	var stored, pruned int64
	require.NoError(t, db.Model(&models.BackupArtifact{}).
		Where("job_id = ? AND status = ?", job.ID, models.ArtifactStored).Count(&stored).Error)
	require.NoError(t, db.Model(&models.BackupArtifact{}).
		Where("job_id = ? AND status = ?", job.ID, models.ArtifactPruned).Count(&pruned).Error)
	assert.EqualValues(t, 2, stored)
	assert.EqualValues(t, 2, pruned)
}

func TestAsExecutionError(t *testing.T) {
	var target *models.ExecutionError
	assert.False(t, AsExecutionError(errors.New("plain"), &target))

	wrapped := NewRunError(ExecErrTimeout, "exceeded limit", true)
	require.True(t, AsExecutionError(wrapped, &target))
	assert.Equal(t, ExecErrTimeout, target.Code)
	assert.True(t, target.Transient)
}
