package sweep

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// Abandoned finds state=computing rows whose heartbeat_deadline (or
// deadline, for workers that never got a first heartbeat) has passed,
// transitions them to abandoned, and calls Advance on every affected
// execution so the retry policy can requeue.
func Abandoned(s store.Store, adv Advancer, m Metrics, cfg Config, onErr func(id string, err error)) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		ids, err := s.MarkAbandoned(ctx, time.Now())
		if err != nil {
			return 0, err
		}
		return advanceAll(ctx, adv, ids, onErr), nil
	}
}

// RunAbandoned is the convenience entry point a daemon's sweep loop calls
// on a timer.
func RunAbandoned(ctx context.Context, s store.Store, adv Advancer, m Metrics, cfg Config, onErr func(id string, err error)) error {
	return RunThrottled(ctx, s, m, "abandoned", cfg, Abandoned(s, adv, m, cfg, onErr))
}
