package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/limiquantix/orchestrator/internal/domain"
)

func TestParseSchedule_Next(t *testing.T) {
	base := time.Date(2026, 10, 19, 12, 40, 0, 0, time.UTC) // Monday

	tests := []struct {
		name     string
		interval domain.IntervalType
		schedule string
		tz       string
		want     time.Time
	}{
		{"hourly", domain.IntervalHourly, "15", "UTC", time.Date(2026, 10, 19, 13, 15, 0, 0, time.UTC)},
		{"hourly later this hour", domain.IntervalHourly, "45", "UTC", time.Date(2026, 10, 19, 12, 45, 0, 0, time.UTC)},
		{"daily", domain.IntervalDaily, "30:02", "UTC", time.Date(2026, 10, 20, 2, 30, 0, 0, time.UTC)},
		{"daily in timezone", domain.IntervalDaily, "30:09", "America/New_York", time.Date(2026, 10, 19, 13, 30, 0, 0, time.UTC)},
		{"weekly sunday is one", domain.IntervalWeekly, "00:10:1", "UTC", time.Date(2026, 10, 25, 10, 0, 0, 0, time.UTC)},
		{"weekly saturday is seven", domain.IntervalWeekly, "00:10:7", "UTC", time.Date(2026, 10, 24, 10, 0, 0, 0, time.UTC)},
		{"monthly", domain.IntervalMonthly, "05:01:03", "UTC", time.Date(2026, 11, 3, 1, 5, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.interval, tt.schedule, tt.tz)
			if err != nil {
				t.Fatalf("ParseSchedule failed: %v", err)
			}
			if got := sched.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next = %s, want %s", got.UTC(), tt.want)
			}
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		interval domain.IntervalType
		schedule string
		tz       string
	}{
		{"manual has no schedule", domain.IntervalManual, "00", "UTC"},
		{"wrong arity", domain.IntervalDaily, "00", "UTC"},
		{"minute out of range", domain.IntervalHourly, "60", "UTC"},
		{"hour out of range", domain.IntervalDaily, "00:24", "UTC"},
		{"day of week zero", domain.IntervalWeekly, "00:00:0", "UTC"},
		{"day of month beyond 28", domain.IntervalMonthly, "00:00:31", "UTC"},
		{"not a number", domain.IntervalHourly, "xx", "UTC"},
		{"unknown timezone", domain.IntervalHourly, "00", "Mars/Olympus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.interval, tt.schedule, tt.tz)
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestSchedule_MissedFiresCoalesce(t *testing.T) {
	sched, err := ParseSchedule(domain.IntervalHourly, "00", "UTC")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}

	// Three fire times were missed while the scheduler was down.
	now := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)
	next := sched.Next(now)
	if want := time.Date(2026, 10, 19, 16, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}
