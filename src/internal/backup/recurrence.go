package backup

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// cronParser accepts the standard 5-field form: minute hour dom month dow
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// NextRun computes the next due time strictly after now, or nil for manual
// and disabled schedules. It is deterministic given its inputs; callers
// inject both the clock and the timezone.
func NextRun(s models.Schedule, now time.Time, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if !s.Enabled || s.Frequency == models.FrequencyManual {
		return nil, nil
	}

	now = now.In(loc)

	switch s.Frequency {
	case models.FrequencyDaily:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return nil, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case models.FrequencyWeekly:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return nil, err
		}
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return nil, apperrors.ValidationError("day of week must be between 0 and 6", "schedule.day_of_week")
		}
		ahead := (s.DayOfWeek - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day()+ahead, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return &next, nil

	case models.FrequencyMonthly:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return nil, err
		}
		// Days 29-31 are rejected at validation so the slot exists in every month.
		if s.DayOfMonth < 1 || s.DayOfMonth > 28 {
			return nil, apperrors.ValidationError("day of month must be between 1 and 28", "schedule.day_of_month")
		}
		next := time.Date(now.Year(), now.Month(), s.DayOfMonth, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(now.Year(), now.Month()+1, s.DayOfMonth, hour, minute, 0, 0, loc)
		}
		return &next, nil

	case models.FrequencyCron:
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return nil, apperrors.ValidationError(fmt.Sprintf("invalid cron expression: %v", err), "schedule.cron_expr")
		}
		next := schedule.Next(now)
		if next.IsZero() {
			return nil, apperrors.ValidationError("cron expression never fires", "schedule.cron_expr")
		}
		return &next, nil
	}

	return nil, apperrors.ValidationError(fmt.Sprintf("unknown frequency %q", s.Frequency), "schedule.frequency")
}

// ValidateSchedule rejects malformed schedules at job creation so
// recurrence computation never fails at run time.
func ValidateSchedule(s models.Schedule) error {
	switch s.Frequency {
	case models.FrequencyManual:
		return nil
	case models.FrequencyDaily:
		_, _, err := parseTimeOfDay(s.TimeOfDay)
		return err
	case models.FrequencyWeekly:
		if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return apperrors.ValidationError("day of week must be between 0 and 6", "schedule.day_of_week")
		}
		return nil
	case models.FrequencyMonthly:
		if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 28 {
			return apperrors.ValidationError("day of month must be between 1 and 28", "schedule.day_of_month")
		}
		return nil
	case models.FrequencyCron:
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return apperrors.ValidationError(fmt.Sprintf("invalid cron expression: %v", err), "schedule.cron_expr")
		}
		return nil
	}
	return apperrors.ValidationError(fmt.Sprintf("unknown frequency %q", s.Frequency), "schedule.frequency")
}

// parseTimeOfDay parses "HH:MM" in 24-hour form
func parseTimeOfDay(value string) (int, int, error) {
	if value == "" {
		return 0, 0, apperrors.ValidationError("time of day is required", "schedule.time_of_day")
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, apperrors.ValidationError("time of day must be HH:MM", "schedule.time_of_day")
	}
	return t.Hour(), t.Minute(), nil
}
