package backup

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/casapps/labops/src/internal/database/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.BackupJob{},
		&models.BackupExecution{},
		&models.BackupArtifact{},
	))
	return db
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, db *gorm.DB) *Engine {
	t.Helper()
	return NewEngine(db, newTestLogger(), nil, nil, time.UTC)
}

// seedJob persists a minimal scheduled job ready to be claimed
func seedJob(t *testing.T, db *gorm.DB, mutate ...func(*models.BackupJob)) *models.BackupJob {
	t.Helper()
	job := &models.BackupJob{
		ID:     uuid.New(),
		LabID:  uuid.New(),
		Name:   "nightly-results",
		Type:   models.JobTypeFull,
		Status: models.JobStatusScheduled,
		Schedule: models.Schedule{
			Frequency: models.FrequencyDaily,
			TimeOfDay: "03:00",
			Enabled:   true,
		},
		Sources: []models.BackupSource{
			{Kind: "path", Name: "/var/lib/lab/results", Size: 1 << 20},
		},
		Destination: models.Destination{
			Type: "local",
			Path: "/var/backups/lab",
		},
		MaxExecutionSecs: 3600,
	}
	for _, m := range mutate {
		m(job)
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func reloadJob(t *testing.T, db *gorm.DB, id uuid.UUID) *models.BackupJob {
	t.Helper()
	var job models.BackupJob
	require.NoError(t, db.First(&job, "id = ?", id).Error)
	return &job
}
