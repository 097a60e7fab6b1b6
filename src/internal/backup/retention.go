package backup

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// Prune decides which stored artifacts to keep under the given retention
// policy. Artifacts are bucketed by calendar day, ISO week, month and year;
// the newest artifact of each of the most recent N buckets per tier is
// kept. An age cutoff (Days) keeps everything recent enough, and
// MaxBackups caps the keep set to the newest M overall. The decision is
// deterministic for a given history and policy. An empty policy keeps
// everything.
func Prune(policy models.RetentionPolicy, artifacts []models.BackupArtifact, now time.Time) (keep, remove []models.BackupArtifact) {
	if len(artifacts) == 0 {
		return nil, nil
	}

	sorted := make([]models.BackupArtifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID.String() > sorted[j].ID.String()
	})

	if isEmptyPolicy(policy) {
		return sorted, nil
	}

	kept := make(map[uuid.UUID]bool)

	markTier := func(n int, bucket func(t time.Time) string) {
		if n <= 0 {
			return
		}
		seen := make(map[string]bool)
		for _, a := range sorted {
			key := bucket(a.CreatedAt.UTC())
			if seen[key] {
				continue
			}
			seen[key] = true
			kept[a.ID] = true
			if len(seen) >= n {
				return
			}
		}
	}

	markTier(policy.KeepDaily, func(t time.Time) string {
		return t.Format("2006-01-02")
	})
	markTier(policy.KeepWeekly, func(t time.Time) string {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	})
	markTier(policy.KeepMonthly, func(t time.Time) string {
		return t.Format("2006-01")
	})
	markTier(policy.KeepYearly, func(t time.Time) string {
		return t.Format("2006")
	})

	if policy.Days > 0 {
		cutoff := now.UTC().AddDate(0, 0, -policy.Days)
		for _, a := range sorted {
			if a.CreatedAt.UTC().After(cutoff) {
				kept[a.ID] = true
			}
		}
	}

	// MaxBackups caps the keep set to the newest M; with no other rule it
	// is the only one.
	if policy.MaxBackups > 0 && len(kept) == 0 {
		for i, a := range sorted {
			if i >= policy.MaxBackups {
				break
			}
			kept[a.ID] = true
		}
	}

	count := 0
	for _, a := range sorted {
		if kept[a.ID] && (policy.MaxBackups <= 0 || count < policy.MaxBackups) {
			keep = append(keep, a)
			count++
		} else {
			remove = append(remove, a)
		}
	}
	return keep, remove
}

func isEmptyPolicy(p models.RetentionPolicy) bool {
	return p.KeepDaily <= 0 && p.KeepWeekly <= 0 && p.KeepMonthly <= 0 &&
		p.KeepYearly <= 0 && p.Days <= 0 && p.MaxBackups <= 0
}

// ValidateRetention rejects negative retention counts at job creation
func ValidateRetention(p models.RetentionPolicy) error {
	check := func(name string, v int) error {
		if v < 0 {
			return apperrors.ValidationError("retention counts must not be negative", "destination.retention."+name)
		}
		return nil
	}
	for name, v := range map[string]int{
		"keep_daily":   p.KeepDaily,
		"keep_weekly":  p.KeepWeekly,
		"keep_monthly": p.KeepMonthly,
		"keep_yearly":  p.KeepYearly,
		"days":         p.Days,
		"max_backups":  p.MaxBackups,
	} {
		if err := check(name, v); err != nil {
			return err
		}
	}
	return nil
}
