package backup

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// StatsFilters scopes a statistics query
type StatsFilters struct {
	LabID uuid.UUID `json:"lab_id"`
	Since time.Time `json:"since,omitempty"`
}

// FailureCode is one entry of the common-failure ranking
type FailureCode struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// Stats aggregates job and execution figures for a lab
type Stats struct {
	TotalJobs       int64            `json:"total_jobs"`
	ByStatus        map[string]int64 `json:"by_status"`
	ByType          map[string]int64 `json:"by_type"`
	StoredArtifacts int64            `json:"stored_artifacts"`
	StoredBytes     int64            `json:"stored_bytes"`
	Executions      int64            `json:"executions"`
	Succeeded       int64            `json:"succeeded"`
	Failed          int64            `json:"failed"`
	SuccessRate     float64          `json:"success_rate"`
	FailureCodes    []FailureCode    `json:"failure_codes,omitempty"`
}

// ComputeStats runs the aggregate queries for getStats. Failure codes live
// inside the JSON error document, so the trailing ranking is folded in Go
// over the filtered failed executions.
func ComputeStats(ctx context.Context, db *gorm.DB, filters StatsFilters) (*Stats, error) {
	stats := &Stats{
		ByStatus: make(map[string]int64),
		ByType:   make(map[string]int64),
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var byStatus []bucket
	if err := db.WithContext(ctx).Model(&models.BackupJob{}).
		Select("status AS key, COUNT(*) AS count").
		Where("lab_id = ?", filters.LabID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to aggregate job statuses", err)
	}
	for _, b := range byStatus {
		stats.ByStatus[b.Key] = b.Count
		stats.TotalJobs += b.Count
	}

	var byType []bucket
	if err := db.WithContext(ctx).Model(&models.BackupJob{}).
		Select("type AS key, COUNT(*) AS count").
		Where("lab_id = ?", filters.LabID).
		Group("type").
		Scan(&byType).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to aggregate job types", err)
	}
	for _, b := range byType {
		stats.ByType[b.Key] = b.Count
	}

	type sizeRow struct {
		Count int64
		Total int64
	}
	var sizes sizeRow
	if err := db.WithContext(ctx).Model(&models.BackupArtifact{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS total").
		Where("lab_id = ? AND status = ?", filters.LabID, models.ArtifactStored).
		Scan(&sizes).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to aggregate artifact sizes", err)
	}
	stats.StoredArtifacts = sizes.Count
	stats.StoredBytes = sizes.Total

	execQuery := db.WithContext(ctx).Model(&models.BackupExecution{}).
		Where("lab_id = ?", filters.LabID)
	if !filters.Since.IsZero() {
		execQuery = execQuery.Where("started_at >= ?", filters.Since)
	}

	var execBuckets []bucket
	if err := execQuery.
		Select("status AS key, COUNT(*) AS count").
		Group("status").
		Scan(&execBuckets).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to aggregate executions", err)
	}
	for _, b := range execBuckets {
		stats.Executions += b.Count
		switch models.JobStatus(b.Key) {
		case models.JobStatusCompleted:
			stats.Succeeded += b.Count
		case models.JobStatusFailed:
			stats.Failed += b.Count
		}
	}
	finished := stats.Succeeded + stats.Failed
	if finished > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(finished)
	}

	failedQuery := db.WithContext(ctx).
		Where("lab_id = ? AND status = ?", filters.LabID, models.JobStatusFailed)
	if !filters.Since.IsZero() {
		failedQuery = failedQuery.Where("started_at >= ?", filters.Since)
	}
	var failed []models.BackupExecution
	if err := failedQuery.
		Order("started_at DESC").
		Limit(500).
		Find(&failed).Error; err != nil {
		return nil, apperrors.DatabaseError("failed to load failed executions", err)
	}

	counts := make(map[string]int64)
	for _, e := range failed {
		if e.Error != nil && e.Error.Code != "" {
			counts[e.Error.Code]++
		}
	}
	for code, count := range counts {
		stats.FailureCodes = append(stats.FailureCodes, FailureCode{Code: code, Count: count})
	}
	sort.Slice(stats.FailureCodes, func(i, j int) bool {
		if stats.FailureCodes[i].Count != stats.FailureCodes[j].Count {
			return stats.FailureCodes[i].Count > stats.FailureCodes[j].Count
		}
		return stats.FailureCodes[i].Code < stats.FailureCodes[j].Code
	})

	return stats, nil
}
