package sweep

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// UnblockedBySchedule finds executions where a schedule_* value's
// node_value (an epoch second) falls in the window
// [now - 5*sweeper_period, now) — a pulse that has become due but may not
// yet have caused downstream advancement — and calls Advance on each.
// It filters on node_value, the scheduled time, not set_time, since those
// diverge for long-period recurring schedules.
func UnblockedBySchedule(s store.Store, adv Advancer, period time.Duration, onErr func(id string, err error)) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		now := time.Now()
		windowStart := now.Add(-5 * period)

		seen := map[string]bool{}
		var ids []string
		for _, nt := range []store.NodeType{store.NodeScheduleOnce, store.NodeScheduleRecurring} {
			found, err := s.ExecutionsWithSchedulePulseIn(ctx, windowStart, now, nt)
			if err != nil {
				return 0, err
			}
			for _, id := range found {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		return advanceAll(ctx, adv, ids, onErr), nil
	}
}

// RunUnblockedBySchedule is the convenience entry point a daemon's sweep
// loop calls on a timer. period should equal the interval between calls.
func RunUnblockedBySchedule(ctx context.Context, s store.Store, adv Advancer, m Metrics, cfg Config, period time.Duration, onErr func(id string, err error)) error {
	return RunThrottled(ctx, s, m, "unblocked_by_schedule", cfg, UnblockedBySchedule(s, adv, period, onErr))
}
