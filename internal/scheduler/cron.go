package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseInterval parses a five-field cron expression as stored in the
// resources.interval column.
func ParseInterval(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty interval")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse interval %q: %w", expr, err)
	}
	return sched, nil
}

// NextAtOrAfter returns the first activation time >= t.
func NextAtOrAfter(sched cron.Schedule, t time.Time) time.Time {
	return sched.Next(t.Add(-time.Nanosecond))
}
