package backup

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casapps/labops/src/internal/database/models"
)

func artifactAt(t time.Time) models.BackupArtifact {
	return models.BackupArtifact{
		ID:        uuid.New(),
		Status:    models.ArtifactStored,
		CreatedAt: t,
	}
}

func artifactsDaily(from time.Time, days int) []models.BackupArtifact {
	out := make([]models.BackupArtifact, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, artifactAt(from.AddDate(0, 0, -i)))
	}
	return out
}

func paths(artifacts []models.BackupArtifact) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestPruneEmptyPolicyKeepsAll(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	artifacts := artifactsDaily(now, 10)

	keep, remove := Prune(models.RetentionPolicy{}, artifacts, now)
	assert.Len(t, keep, 10)
	assert.Empty(t, remove)
}

func TestPruneKeepDaily(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	artifacts := artifactsDaily(now, 5)

	keep, remove := Prune(models.RetentionPolicy{KeepDaily: 3}, artifacts, now)
	require.Len(t, keep, 3)
	assert.Len(t, remove, 2)

	// The 3 newest days survive.
	assert.Equal(t, artifacts[0].ID, keep[0].ID)
	assert.Equal(t, artifacts[1].ID, keep[1].ID)
	assert.Equal(t, artifacts[2].ID, keep[2].ID)
}

func TestPruneKeepsNewestPerDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	morning := artifactAt(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC))
	evening := artifactAt(time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC))
	yesterday := artifactAt(time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC))

	keep, remove := Prune(models.RetentionPolicy{KeepDaily: 2},
		[]models.BackupArtifact{morning, evening, yesterday}, now)

	assert.ElementsMatch(t, []uuid.UUID{evening.ID, yesterday.ID}, paths(keep))
	assert.ElementsMatch(t, []uuid.UUID{morning.ID}, paths(remove))
}

func TestPruneMultiTier(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	// 60 daily artifacts covering ~9 ISO weeks and 3 months.
	artifacts := artifactsDaily(now, 60)

	policy := models.RetentionPolicy{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 3}
	keep, remove := Prune(policy, artifacts, now)

	assert.Len(t, keep, len(artifacts)-len(remove))
	// Tiers overlap: the newest artifact satisfies all three.
	assert.GreaterOrEqual(t, len(keep), 7)
	assert.LessOrEqual(t, len(keep), 7+4+3)

	for _, a := range artifacts[:7] {
		assert.Contains(t, paths(keep), a.ID, "the 7 newest days must survive")
	}
}

func TestPruneDaysCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	artifacts := artifactsDaily(now, 20)

	keep, remove := Prune(models.RetentionPolicy{Days: 7}, artifacts, now)
	assert.Len(t, keep, 7)
	assert.Len(t, remove, 13)
	for _, a := range keep {
		assert.True(t, a.CreatedAt.After(now.AddDate(0, 0, -7)))
	}
}

func TestPruneMaxBackups(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	artifacts := artifactsDaily(now, 10)

	t.Run("standalone", func(t *testing.T) {
		keep, remove := Prune(models.RetentionPolicy{MaxBackups: 4}, artifacts, now)
		assert.Len(t, keep, 4)
		assert.Len(t, remove, 6)
		assert.Equal(t, artifacts[0].ID, keep[0].ID)
	})

	t.Run("caps other rules", func(t *testing.T) {
		keep, _ := Prune(models.RetentionPolicy{KeepDaily: 8, MaxBackups: 5}, artifacts, now)
		assert.Len(t, keep, 5)
	})
}

func TestPruneDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	artifacts := artifactsDaily(now, 15)
	policy := models.RetentionPolicy{KeepDaily: 5, KeepWeekly: 2}

	keep1, remove1 := Prune(policy, artifacts, now)

	// Same inputs in a different order produce the same decision.
	shuffled := make([]models.BackupArtifact, len(artifacts))
	copy(shuffled, artifacts)
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	keep2, remove2 := Prune(policy, shuffled, now)

	assert.Equal(t, paths(keep1), paths(keep2))
	assert.Equal(t, paths(remove1), paths(remove2))
}

func TestValidateRetention(t *testing.T) {
	assert.NoError(t, ValidateRetention(models.RetentionPolicy{}))
	assert.NoError(t, ValidateRetention(models.RetentionPolicy{KeepDaily: 7, MaxBackups: 30}))
	assert.Error(t, ValidateRetention(models.RetentionPolicy{KeepDaily: -1}))
	assert.Error(t, ValidateRetention(models.RetentionPolicy{Days: -5}))
}
