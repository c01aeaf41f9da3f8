package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Schedule evaluates a policy's recurrence in the policy's timezone.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// ParseSchedule converts a policy schedule into a timezone-aware cron schedule.
//
//	HOURLY  "MM"       -> "MM * * * *"
//	DAILY   "MM:HH"    -> "MM HH * * *"
//	WEEKLY  "MM:HH:D"  -> "MM HH * * D-1"  (D = 1..7, Sunday = 1)
//	MONTHLY "MM:HH:DD" -> "MM HH DD * *"   (DD = 1..28 so every month fires)
func ParseSchedule(intervalType domain.IntervalType, schedule, timezone string) (*Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidArgument, timezone)
	}

	parts := strings.Split(strings.TrimSpace(schedule), ":")
	want := map[domain.IntervalType]int{
		domain.IntervalHourly:  1,
		domain.IntervalDaily:   2,
		domain.IntervalWeekly:  3,
		domain.IntervalMonthly: 3,
	}
	n, ok := want[intervalType]
	if !ok {
		return nil, fmt.Errorf("%w: interval type %q has no schedule", domain.ErrInvalidArgument, intervalType)
	}
	if len(parts) != n {
		return nil, fmt.Errorf("%w: schedule %q does not match interval type %s", domain.ErrInvalidArgument, schedule, intervalType)
	}

	minute, err := field(parts[0], "minute", 0, 59)
	if err != nil {
		return nil, err
	}
	hour, dom, dow := "*", "*", "*"
	if n >= 2 {
		h, err := field(parts[1], "hour", 0, 23)
		if err != nil {
			return nil, err
		}
		hour = strconv.Itoa(h)
	}
	switch intervalType {
	case domain.IntervalWeekly:
		d, err := field(parts[2], "day of week", 1, 7)
		if err != nil {
			return nil, err
		}
		dow = strconv.Itoa(d - 1)
	case domain.IntervalMonthly:
		d, err := field(parts[2], "day of month", 1, 28)
		if err != nil {
			return nil, err
		}
		dom = strconv.Itoa(d)
	}

	expr := fmt.Sprintf("CRON_TZ=%s %d %s %s * %s", timezone, minute, hour, dom, dow)
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid schedule %q: %v", domain.ErrInvalidArgument, schedule, err)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

// Next returns the first fire time strictly after t. Every fire time missed
// before t collapses into this single one.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

func (s *Schedule) String() string {
	return s.expr
}

func field(raw, name string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be between %d and %d, got %q", domain.ErrInvalidArgument, name, lo, hi, raw)
	}
	return v, nil
}

func parsePolicySchedule(p *domain.SnapshotPolicy) (*Schedule, error) {
	return ParseSchedule(p.IntervalType, p.Schedule, p.Timezone)
}
