package sweep

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// StalledExecutions is the daily sweep that kicks active executions whose
// updated_at has not moved recently but which still have unfinished
// not_set computations — the backstop for advance calls that were dropped
// on deadlock-retry exhaustion or lost to a process crash between
// transactions.
func StalledExecutions(s store.Store, adv Advancer, staleAfter time.Duration, onErr func(id string, err error)) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		cutoff := time.Now().Add(-staleAfter)
		ids, err := s.ExecutionsStalledSince(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		return advanceAll(ctx, adv, ids, onErr), nil
	}
}

// RunStalledExecutions is the convenience entry point. cfg.LookbackDays is
// reused here as the staleness window in days (default 1).
func RunStalledExecutions(ctx context.Context, s store.Store, adv Advancer, m Metrics, cfg Config, onErr func(id string, err error)) error {
	days := cfg.LookbackDays
	if days <= 0 {
		days = 1
	}
	return RunThrottled(ctx, s, m, "stalled_executions", cfg, StalledExecutions(s, adv, time.Duration(days)*24*time.Hour, onErr))
}
