package sweep

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// RegenerateScheduleRecurring finds schedule_recurring values whose last
// tick has fired (node_value, an epoch second, is <= now) and inserts a
// fresh not_set computation for each, bumping the execution's updated_at
// so the ScheduleNodes sweep picks it up on its next pass. A recurring
// schedule node never re-enqueues itself from inside the worker; this
// sweep is the only place a new tick gets queued.
func RegenerateScheduleRecurring(s store.Store, onErr func(id string, err error)) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		now := time.Now()
		ids, err := s.ExecutionsWithSchedulePulseIn(ctx, time.Unix(0, 0), now, store.NodeScheduleRecurring)
		if err != nil {
			return 0, err
		}

		processed := 0
		for _, id := range ids {
			n, err := regenerateOne(ctx, s, id, now)
			if err != nil {
				if onErr != nil {
					onErr(id, err)
				}
				continue
			}
			processed += n
		}
		return processed, nil
	}
}

func regenerateOne(ctx context.Context, s store.Store, executionID string, now time.Time) (int, error) {
	values, err := s.Values(ctx, executionID)
	if err != nil {
		return 0, err
	}

	regenerated := 0
	for name, v := range values {
		if v.NodeType != store.NodeScheduleRecurring || !v.Set() {
			continue
		}
		var pulse int64
		if err := json.Unmarshal(v.NodeValue, &pulse); err != nil {
			continue
		}
		if pulse > now.Unix() {
			continue
		}

		inserted, err := s.InsertComputationIfAbsent(ctx, executionID, name, store.NodeScheduleRecurring, v.ExRevision)
		if err != nil {
			return regenerated, err
		}
		if !inserted {
			continue
		}
		if err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := s.IncrementRevisionInTx(ctx, tx, executionID)
			return err
		}); err != nil {
			return regenerated, err
		}
		regenerated++
	}
	return regenerated, nil
}

// RunRegenerateScheduleRecurring is the convenience entry point.
func RunRegenerateScheduleRecurring(ctx context.Context, s store.Store, m Metrics, cfg Config, onErr func(id string, err error)) error {
	return RunThrottled(ctx, s, m, "regenerate_schedule_recurring", cfg, RegenerateScheduleRecurring(s, onErr))
}
