package sweep_test

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/revgraph-go/sweep"
)

func TestStalledExecutionsFindsUnfinishedWork(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// staleAfter negative pushes the cutoff into the future so the
	// freshly created execution (still holding not_set computations for
	// sum/once/recurring) counts as stalled.
	processed, err := sweep.StalledExecutions(s, adv, -time.Hour, nil)(ctx)
	if err != nil {
		t.Fatalf("StalledExecutions: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 execution processed, got %d", processed)
	}
	if !adv.called(ex.ID) {
		t.Error("StalledExecutions should advance an execution with pending not_set computations")
	}
}

func TestStalledExecutionsIgnoresRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	if _, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds()); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// A positive staleAfter puts the cutoff in the past, before the
	// execution's just-now updated_at, so nothing is stalled yet.
	processed, err := sweep.StalledExecutions(s, adv, time.Hour, nil)(ctx)
	if err != nil {
		t.Fatalf("StalledExecutions: %v", err)
	}
	if processed != 0 {
		t.Errorf("a recently updated execution should not be reported stalled, got %d", processed)
	}
	if adv.count() != 0 {
		t.Error("Advance should not be called for a non-stalled execution")
	}
}

func TestRunStalledExecutionsDefaultsLookbackDays(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	cfg := sweep.Config{Enabled: true, LookbackDays: 0}
	if err := sweep.RunStalledExecutions(ctx, s, adv, nil, cfg, nil); err != nil {
		t.Fatalf("RunStalledExecutions: %v", err)
	}
	// A 1-day staleness window puts the cutoff in the past, so a
	// just-created execution should not be reported stalled yet.
	if adv.called(ex.ID) {
		t.Error("a freshly created execution should not be past the default 1-day staleness window")
	}
}
