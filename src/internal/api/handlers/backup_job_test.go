package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/casapps/labops/src/internal/backup"
	"github.com/casapps/labops/src/internal/cache"
	"github.com/casapps/labops/src/internal/database/models"
	"github.com/casapps/labops/src/internal/errors"
	"github.com/casapps/labops/src/internal/services"
)

type testAPI struct {
	echo *echo.Echo
	db   *gorm.DB
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.BackupJob{},
		&models.BackupExecution{},
		&models.BackupArtifact{},
	))

	cfg := viper.New()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := backup.NewEngine(db, log, nil, nil, time.UTC)
	executor := backup.ExecutorFunc(func(ctx context.Context, job *models.BackupJob, rep backup.Reporter) (*models.Result, error) {
		return &models.Result{File: &models.BackupFile{Path: "/var/backups/lab/out.tar.gz", Size: 64}}, nil
	})
	jobs := services.NewJobService(db, cfg, cache.NewManager(cfg), engine, executor, log, time.UTC)

	e := echo.New()
	e.HTTPErrorHandler = errors.NewHandler(log, false).HTTPErrorHandler
	NewBackupJobHandler(jobs, cfg).RegisterRoutes(e.Group("/api/v1"))

	return &testAPI{echo: e, db: db}
}

func (a *testAPI) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

const jobBody = `{
	"name": "nightly-results",
	"type": "full",
	"max_execution_secs": 3600,
	"schedule": {"frequency": "daily", "time_of_day": "03:00", "enabled": true},
	"sources": [{"kind": "path", "name": "/var/lib/lab/results"}],
	"destination": {"type": "local", "path": "/var/backups/lab"}
}`

func TestJobLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	labID := uuid.New()
	base := fmt.Sprintf("/api/v1/labs/%s/backup-jobs", labID)

	rec := api.request(t, http.MethodPost, base, jobBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.BackupJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "nightly-results", created.Name)
	assert.Equal(t, models.JobStatusScheduled, created.Status)

	rec = api.request(t, http.MethodGet, "/api/v1/backup-jobs/"+created.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.request(t, http.MethodGet, base+"?status=scheduled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page services.JobPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 1, page.Total)

	rec = api.request(t, http.MethodPut, "/api/v1/backup-jobs/"+created.ID.String(),
		`{"description": "primary results archive"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.request(t, http.MethodPost, "/api/v1/backup-jobs/"+created.ID.String()+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Executing a paused job without force reports the schedule disabled.
	rec = api.request(t, http.MethodPost, "/api/v1/backup-jobs/"+created.ID.String()+"/execute", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, errors.CodeDisabled, errResp.Code)

	rec = api.request(t, http.MethodPost, "/api/v1/backup-jobs/"+created.ID.String()+"/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.request(t, http.MethodPost, "/api/v1/backup-jobs/"+created.ID.String()+"/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var execResult services.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execResult))
	assert.NotEqual(t, uuid.Nil, execResult.ExecutionID)

	require.Eventually(t, func() bool {
		var job models.BackupJob
		if err := api.db.First(&job, "id = ?", created.ID).Error; err != nil {
			return false
		}
		return job.Execution.Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = api.request(t, http.MethodGet, "/api/v1/backup-jobs/"+created.ID.String()+"/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history services.HistoryPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.EqualValues(t, 1, history.Total)

	rec = api.request(t, http.MethodDelete, "/api/v1/backup-jobs/"+created.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.request(t, http.MethodGet, "/api/v1/backup-jobs/"+created.ID.String(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobValidationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	base := fmt.Sprintf("/api/v1/labs/%s/backup-jobs", uuid.New())

	t.Run("invalid body", func(t *testing.T) {
		rec := api.request(t, http.MethodPost, base, `{"name": `)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid schedule", func(t *testing.T) {
		body := strings.Replace(jobBody, `"time_of_day": "03:00"`, `"time_of_day": "26:00"`, 1)
		rec := api.request(t, http.MethodPost, base, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp errors.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, errors.CodeValidation, errResp.Code)
	})

	t.Run("invalid lab id", func(t *testing.T) {
		rec := api.request(t, http.MethodPost, "/api/v1/labs/not-a-uuid/backup-jobs", jobBody)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := api.request(t, http.MethodGet, "/api/v1/backup-jobs/"+uuid.NewString(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	labID := uuid.New()
	base := fmt.Sprintf("/api/v1/labs/%s/backup-jobs", labID)

	rec := api.request(t, http.MethodPost, base, jobBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.request(t, http.MethodGet, base+"/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats backup.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.TotalJobs)

	rec = api.request(t, http.MethodGet, base+"/stats?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestConfigEndpoint(t *testing.T) {
	api := newTestAPI(t)
	base := fmt.Sprintf("/api/v1/labs/%s/backup-jobs", uuid.New())

	rec := api.request(t, http.MethodPost, base+"/test-config",
		`{"destination": {"type": "s3", "bucket": "lab-backups"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var report backup.ConfigReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Valid)

	rec = api.request(t, http.MethodPost, base+"/test-config",
		`{"destination": {"type": "local", "path": "/var/backups"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Valid)
}
