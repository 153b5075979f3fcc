package poll

import (
	"testing"
	"time"
)

func TestParseScheduleInterval(t *testing.T) {
	s, err := ParseSchedule("30s")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	if s.Interval() != 30*time.Second {
		t.Errorf("Interval = %v", s.Interval())
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := s.Next(base, nil)
	if got := next.Sub(base); got != 30*time.Second {
		t.Errorf("Next delta = %v", got)
	}
}

func TestParseScheduleJitterBounded(t *testing.T) {
	s, err := ParseSchedule("every:10s")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	base := time.Now()
	jit := func(max time.Duration) time.Duration { return max }
	next := s.Next(base, jit)
	if got := next.Sub(base); got != 11*time.Second {
		t.Errorf("Next with full jitter = %v, want 11s", got)
	}
}

func TestParseScheduleCron(t *testing.T) {
	s, err := ParseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	next := s.Next(base, nil)
	want := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestParseScheduleErrors(t *testing.T) {
	for _, raw := range []string{"", "bogus", "cron:", "every:abc", "500ms"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q) succeeded, want error", raw)
		}
	}
}
