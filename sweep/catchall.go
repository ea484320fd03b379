package sweep

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// MissedSchedulesCatchall is the daily backstop: it scans schedule_* values
// whose node_value falls in [now-lookback_days, now-25m) and calls Advance
// on their executions. Advance is idempotent and the recompute engine
// already detects which downstream nodes are stale against the pulse, so
// this sweeper does not need its own "has downstream fired" check — it
// just re-asserts advance over a wide historical window to catch anything
// UnblockedBySchedule's narrow window missed (e.g. after an extended
// outage).
func MissedSchedulesCatchall(s store.Store, adv Advancer, lookback time.Duration, onErr func(id string, err error)) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		now := time.Now()
		windowEnd := now.Add(-25 * time.Minute)
		windowStart := now.Add(-lookback)

		seen := map[string]bool{}
		var ids []string
		for _, nt := range []store.NodeType{store.NodeScheduleOnce, store.NodeScheduleRecurring} {
			found, err := s.ExecutionsWithSchedulePulseIn(ctx, windowStart, windowEnd, nt)
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

// RunMissedSchedulesCatchall is the convenience entry point. cfg should set
// MinSecondsBetweenRuns to at least 23h and, typically, a Clock built from
// a preferred UTC hour.
func RunMissedSchedulesCatchall(ctx context.Context, s store.Store, adv Advancer, m Metrics, cfg Config, onErr func(id string, err error)) error {
	lookback := time.Duration(cfg.LookbackDays) * 24 * time.Hour
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return RunThrottled(ctx, s, m, "missed_schedules_catchall", cfg, MissedSchedulesCatchall(s, adv, lookback, onErr))
}
