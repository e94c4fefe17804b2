package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSpec renders a recurring schedule as a five field cron expression
// pinned to the schedule's timezone.
func CronSpec(schedule *models.Schedule) (string, error) {
	hour, minute, err := schedule.Clock()
	if err != nil {
		return "", err
	}

	dom, dow := "*", "*"

	switch schedule.Frequency {
	case models.FrequencyDaily:
	case models.FrequencyWeekly:
		dow = joinInts(schedule.DaysOfWeek)
	case models.FrequencyMonthly:
		dom = joinInts(schedule.DaysOfMonth)
	default:
		return "", fmt.Errorf("%w: %q has no cron form", models.ErrInvalidSchedule, schedule.Frequency)
	}

	tz := schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}

	return fmt.Sprintf("CRON_TZ=%s %d %d %s * %s", tz, minute, hour, dom, dow), nil
}

// NextFireTime returns the first fire time strictly after after, or false
// when the schedule has no fire time left.
func NextFireTime(schedule *models.Schedule, after time.Time) (time.Time, bool, error) {
	if schedule == nil {
		return time.Time{}, false, fmt.Errorf("%w: missing schedule", models.ErrInvalidSchedule)
	}

	start, end, err := schedule.Window()
	if err != nil {
		return time.Time{}, false, err
	}

	if schedule.Frequency == models.FrequencyOnce {
		if start.IsZero() {
			return time.Time{}, false, fmt.Errorf("%w: once schedules need a start date", models.ErrInvalidSchedule)
		}

		hour, minute, err := schedule.Clock()
		if err != nil {
			return time.Time{}, false, err
		}

		fire := time.Date(start.Year(), start.Month(), start.Day(), hour, minute, 0, 0, start.Location())
		if !fire.After(after) {
			return time.Time{}, false, nil
		}

		return fire, true, nil
	}

	spec, err := CronSpec(schedule)
	if err != nil {
		return time.Time{}, false, err
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", models.ErrInvalidSchedule, err)
	}

	from := after
	if !start.IsZero() && start.After(from) {
		// cron's Next is exclusive and works in whole seconds.
		from = start.Add(-time.Second)
	}

	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, false, nil
	}

	if !end.IsZero() && !next.Before(end) {
		return time.Time{}, false, nil
	}

	return next, true, nil
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}

	return strings.Join(parts, ",")
}
