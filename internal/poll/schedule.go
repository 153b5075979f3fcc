package poll

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes a target's next poll time. The zero value is invalid;
// build one with ParseSchedule or FixedInterval.
type Schedule struct {
	every time.Duration
	cron  cron.Schedule
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a per-target schedule override.
//
// Supported forms:
//   - Interval duration: "30s", "2m", "1h30m"
//   - Cron (crontab.guru-style): "*/5 * * * *", "@hourly", "@every 55m"
//
// Optional "cron:" and "every:" prefixes force one interpretation.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.HasPrefix(low, "every:") {
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	return parseEvery(s)
}

// FixedInterval is the schedule used for targets without an override.
func FixedInterval(d time.Duration) Schedule {
	return Schedule{every: d}
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return Schedule{cron: sch}, nil
}

func parseEvery(v string) (Schedule, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d < time.Second {
		return Schedule{}, fmt.Errorf("interval %q below 1s floor", v)
	}
	return Schedule{every: d}, nil
}

// Next returns the next poll time after t. Interval schedules get up to 10%
// positive jitter so a fleet of targets does not phase-lock.
func (s Schedule) Next(t time.Time, jitter func(time.Duration) time.Duration) time.Time {
	if s.cron != nil {
		return s.cron.Next(t)
	}
	d := s.every
	if jitter != nil {
		d += jitter(d / 10)
	}
	return t.Add(d)
}

// Interval reports the fixed interval, or zero for cron schedules.
func (s Schedule) Interval() time.Duration { return s.every }
