package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/viper"

	"github.com/casapps/labops/src/internal/backup"
	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
	"github.com/casapps/labops/src/internal/services"
)

// BackupJobHandler handles backup job endpoints
type BackupJobHandler struct {
	jobs *services.JobService
	cfg  *viper.Viper
}

// NewBackupJobHandler creates a new backup job handler
func NewBackupJobHandler(jobs *services.JobService, cfg *viper.Viper) *BackupJobHandler {
	return &BackupJobHandler{jobs: jobs, cfg: cfg}
}

// RegisterRoutes wires the backup job endpoints onto the API group
func (h *BackupJobHandler) RegisterRoutes(api *echo.Group) {
	labs := api.Group("/labs/:lab_id/backup-jobs")
	labs.POST("", h.Create)
	labs.GET("", h.List)
	labs.GET("/stats", h.Stats)
	labs.POST("/test-config", h.TestConfig)

	jobs := api.Group("/backup-jobs/:id")
	jobs.GET("", h.Get)
	jobs.PUT("", h.Update)
	jobs.DELETE("", h.Delete)
	jobs.POST("/execute", h.Execute)
	jobs.POST("/stop", h.Stop)
	jobs.POST("/pause", h.Pause)
	jobs.POST("/resume", h.Resume)
	jobs.GET("/executions", h.Executions)
}

// Create creates a new backup job
func (h *BackupJobHandler) Create(c echo.Context) error {
	labID, err := parseID(c, "lab_id")
	if err != nil {
		return err
	}

	var spec models.BackupJob
	if err := c.Bind(&spec); err != nil {
		return apperrors.ValidationError("invalid request body", "")
	}

	job, err := h.jobs.CreateJob(c.Request().Context(), labID, &spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

// List returns a lab's jobs
func (h *BackupJobHandler) List(c echo.Context) error {
	labID, err := parseID(c, "lab_id")
	if err != nil {
		return err
	}
	page, limit := pagination(c)
	status := models.JobStatus(c.QueryParam("status"))

	result, err := h.jobs.ListJobs(c.Request().Context(), labID, status, page, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Get returns a single job
func (h *BackupJobHandler) Get(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	job, err := h.jobs.GetJob(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// Update patches a job; rejected while the job is running
func (h *BackupJobHandler) Update(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}

	var patch services.UpdateJobInput
	if err := c.Bind(&patch); err != nil {
		return apperrors.ValidationError("invalid request body", "")
	}

	job, err := h.jobs.UpdateJob(c.Request().Context(), jobID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// Delete removes a job
func (h *BackupJobHandler) Delete(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.jobs.DeleteJob(c.Request().Context(), jobID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Execute starts a manual run and returns the execution id immediately
func (h *BackupJobHandler) Execute(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}

	var req struct {
		Force bool `json:"force"`
	}
	// Body is optional for execute.
	_ = c.Bind(&req)

	result, err := h.jobs.ExecuteJob(c.Request().Context(), jobID, req.Force)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, result)
}

// Stop requests cooperative cancellation of a running job
func (h *BackupJobHandler) Stop(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.jobs.StopJob(c.Request().Context(), jobID); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "stop requested"})
}

// Pause disables the job's schedule
func (h *BackupJobHandler) Pause(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	job, err := h.jobs.PauseJob(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// Resume re-enables the job's schedule
func (h *BackupJobHandler) Resume(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	job, err := h.jobs.ResumeJob(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// Executions returns a job's run history, newest first
func (h *BackupJobHandler) Executions(c echo.Context) error {
	jobID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	page, limit := pagination(c)

	result, err := h.jobs.ListExecutionHistory(c.Request().Context(), jobID, page, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Stats returns aggregate backup statistics for a lab
func (h *BackupJobHandler) Stats(c echo.Context) error {
	labID, err := parseID(c, "lab_id")
	if err != nil {
		return err
	}

	filters := backup.StatsFilters{LabID: labID}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return apperrors.ValidationError("since must be RFC 3339", "since")
		}
		filters.Since = t
	}

	stats, err := h.jobs.GetStats(c.Request().Context(), filters)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// TestConfig validates a destination configuration without side effects
func (h *BackupJobHandler) TestConfig(c echo.Context) error {
	var req struct {
		Destination models.Destination       `json:"destination"`
		Compression models.CompressionConfig `json:"compression"`
		Encryption  models.EncryptionConfig  `json:"encryption"`
	}
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body", "")
	}

	report := h.jobs.TestDestinationConfig(req.Destination, req.Compression, req.Encryption)
	return c.JSON(http.StatusOK, report)
}

func parseID(c echo.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid id", param)
	}
	return id, nil
}

func pagination(c echo.Context) (int, int) {
	page := 1
	limit := 20
	if n, err := strconv.Atoi(c.QueryParam("page")); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		limit = n
	}
	return page, limit
}
