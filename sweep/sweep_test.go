package sweep_test

import (
	"context"
	"sync"
	"testing"

	"github.com/dshills/revgraph-go/sweep"
)

// fakeAdvancer records every execution id it was asked to advance, standing
// in for engine.Engine in tests that only care about which ids a sweeper
// decided were due.
type fakeAdvancer struct {
	mu      sync.Mutex
	advance func(id string) error
	calls   []string
}

func (f *fakeAdvancer) Advance(_ context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executionID)
	if f.advance != nil {
		return f.advance(executionID)
	}
	return nil
}

func (f *fakeAdvancer) called(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == id {
			return true
		}
	}
	return false
}

func (f *fakeAdvancer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRunThrottledSkipsWhenDisabled(t *testing.T) {
	calls := 0
	err := sweep.RunThrottled(context.Background(), newMemoryStore(t), nil, "x", sweep.Config{Enabled: false},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, nil
		})
	if err != nil {
		t.Fatalf("RunThrottled: %v", err)
	}
	if calls != 0 {
		t.Error("a disabled sweep must not run its body")
	}
}

func TestRunThrottledRunsOnceThenThrottles(t *testing.T) {
	s := newMemoryStore(t)
	cfg := sweep.Config{Enabled: true, MinSecondsBetweenRuns: 3600}
	calls := 0
	body := func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	}

	if err := sweep.RunThrottled(context.Background(), s, nil, "x", cfg, body); err != nil {
		t.Fatalf("RunThrottled (first): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the body to run once, got %d", calls)
	}

	if err := sweep.RunThrottled(context.Background(), s, nil, "x", cfg, body); err != nil {
		t.Fatalf("RunThrottled (second): %v", err)
	}
	if calls != 1 {
		t.Errorf("a second run inside MinSecondsBetweenRuns should be throttled, body ran %d times", calls)
	}
}

func TestRunThrottledPropagatesBodyError(t *testing.T) {
	s := newMemoryStore(t)
	cfg := sweep.Config{Enabled: true}
	wantErr := context.DeadlineExceeded
	err := sweep.RunThrottled(context.Background(), s, nil, "x", cfg, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	if err != wantErr {
		t.Errorf("expected RunThrottled to propagate the body's error, got %v", err)
	}
}

func TestRunThrottledIndependentSweepTypes(t *testing.T) {
	s := newMemoryStore(t)
	cfg := sweep.Config{Enabled: true, MinSecondsBetweenRuns: 3600}

	var aCalls, bCalls int
	if err := sweep.RunThrottled(context.Background(), s, nil, "a", cfg, func(ctx context.Context) (int, error) {
		aCalls++
		return 0, nil
	}); err != nil {
		t.Fatalf("RunThrottled(a): %v", err)
	}
	if err := sweep.RunThrottled(context.Background(), s, nil, "b", cfg, func(ctx context.Context) (int, error) {
		bCalls++
		return 0, nil
	}); err != nil {
		t.Fatalf("RunThrottled(b): %v", err)
	}
	if aCalls != 1 || bCalls != 1 {
		t.Errorf("distinct sweep types should throttle independently, got a=%d b=%d", aCalls, bCalls)
	}
}
