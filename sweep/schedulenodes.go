package sweep

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// ScheduleNodes finds executions touched since a cutoff that still have a
// not_set computation for a schedule_* node, and calls Advance on each.
// The cutoff is the started_at of the most recent schedule_nodes run when
// that run has completed, and epoch 0 otherwise. Through RunScheduleNodes
// the most recent run is the one RunThrottled has just recorded and not
// yet completed, so the cutoff is epoch 0 and all executions are scanned.
func ScheduleNodes(s store.Store, adv Advancer, onErr func(id string, err error)) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		cutoff := time.Unix(0, 0)
		if last, err := s.LastSweepRun(ctx, "schedule_nodes"); err == nil && last.CompletedAt != nil {
			cutoff = last.StartedAt
		}

		ids, err := s.ExecutionsUpdatedSince(ctx, cutoff)
		if err != nil {
			return 0, err
		}

		var due []string
		for _, id := range ids {
			comps, err := s.AllComputations(ctx, id)
			if err != nil {
				if onErr != nil {
					onErr(id, err)
				}
				continue
			}
			if hasNotSetSchedule(comps) {
				due = append(due, id)
			}
		}
		return advanceAll(ctx, adv, due, onErr), nil
	}
}

func hasNotSetSchedule(comps []store.Computation) bool {
	for _, c := range comps {
		if c.State != store.StateNotSet {
			continue
		}
		if c.ComputationType == store.NodeScheduleOnce || c.ComputationType == store.NodeScheduleRecurring {
			return true
		}
	}
	return false
}

// RunScheduleNodes is the convenience entry point a daemon's sweep loop
// calls on a timer.
func RunScheduleNodes(ctx context.Context, s store.Store, adv Advancer, m Metrics, cfg Config, onErr func(id string, err error)) error {
	return RunThrottled(ctx, s, m, "schedule_nodes", cfg, ScheduleNodes(s, adv, onErr))
}
