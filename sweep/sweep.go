package sweep

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// Advancer is the subset of engine.Engine a sweeper needs. Depending on
// this narrow interface, rather than the concrete engine type, keeps the
// sweep package free of an import cycle back to engine.
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
}

// Config is one sweep-type's throttle policy.
type Config struct {
	Enabled               bool
	MinSecondsBetweenRuns int
	Clock                 *Clock // optional; additionally gates to a time window
	LookbackDays          int
}

// Metrics is the narrow subset of engine.Metrics a sweeper reports
// through, accepted as an interface so sweep does not import engine.
type Metrics interface {
	ObserveSweepRun(sweepType, outcome string)
}

// RunThrottled implements the cluster-wide-singleton throttle protocol:
// a cheap pre-check, a session-scoped advisory try-lock, an
// authoritative re-check inside the lock, SweepRun bookkeeping, then body.
// At most one caller across the cluster executes body for a given
// sweepType at a time; all others return nil immediately.
func RunThrottled(ctx context.Context, s store.Store, m Metrics, sweepType string, cfg Config, body func(ctx context.Context) (int, error)) error {
	if !cfg.Enabled {
		return nil
	}
	if !due(ctx, s, sweepType, cfg) {
		return nil
	}

	ok, release, err := s.TrySweepLock(ctx, sweepType)
	if err != nil {
		return err
	}
	if !ok {
		observeSweep(m, sweepType, "skipped_throttled")
		return nil
	}
	defer func() { _ = release(ctx) }()

	if !due(ctx, s, sweepType, cfg) {
		return nil
	}

	runID, err := s.InsertSweepRun(ctx, sweepType, time.Now())
	if err != nil {
		return err
	}

	processed, err := body(ctx)
	if err != nil {
		_ = s.CompleteSweepRun(ctx, runID, time.Now(), 0)
		observeSweep(m, sweepType, "error")
		return err
	}
	if err := s.CompleteSweepRun(ctx, runID, time.Now(), processed); err != nil {
		observeSweep(m, sweepType, "error")
		return err
	}
	observeSweep(m, sweepType, "ok")
	return nil
}

func observeSweep(m Metrics, sweepType, outcome string) {
	if m != nil {
		m.ObserveSweepRun(sweepType, outcome)
	}
}

func due(ctx context.Context, s store.Store, sweepType string, cfg Config) bool {
	last, err := s.LastSweepRun(ctx, sweepType)
	if err != nil {
		return true
	}
	if time.Since(last.StartedAt) <= time.Duration(cfg.MinSecondsBetweenRuns)*time.Second {
		return false
	}
	return cfg.Clock.Due(last.StartedAt, time.Now())
}

// advanceAll calls Advance on every execution id, collecting the count
// that succeeded; a per-execution error is passed to onErr (when non-nil)
// and does not abort the sweep.
func advanceAll(ctx context.Context, adv Advancer, ids []string, onErr func(id string, err error)) int {
	processed := 0
	for _, id := range ids {
		if err := adv.Advance(ctx, id); err != nil {
			if onErr != nil {
				onErr(id, err)
			}
			continue
		}
		processed++
	}
	return processed
}
