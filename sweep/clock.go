// Package sweep implements the throttled, cluster-wide-singleton
// background passes that recover missed schedules, abandoned workers, and
// stalled executions.
package sweep

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock gates a sweeper to a specific recurring wall-clock window,
// evaluated in UTC. MissedSchedulesCatchall and StalledExecutions use one
// to align their "once a day" cadence to a preferred hour rather than
// drifting with whatever minute the process happened to start at.
type Clock struct {
	schedule cron.Schedule
}

// NewDailyClock builds a Clock ticking once per UTC day at hour:00.
func NewDailyClock(hour int) (*Clock, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(fmt.Sprintf("CRON_TZ=UTC 0 %d * * *", hour))
	if err != nil {
		return nil, fmt.Errorf("sweep: invalid preferred hour %d: %w", hour, err)
	}
	return &Clock{schedule: sched}, nil
}

// Due reports whether a tick has occurred between lastRun (exclusive) and
// now (inclusive). A zero lastRun is always due, matching a sweeper's
// first-ever run.
func (c *Clock) Due(lastRun, now time.Time) bool {
	if c == nil || lastRun.IsZero() {
		return true
	}
	return !now.Before(c.schedule.Next(lastRun))
}
