package sweep_test

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/revgraph-go/store"
	"github.com/dshills/revgraph-go/sweep"
)

func TestAbandonedRequeuesAndAdvances(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	pastDeadline := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return map[string]int64{}, -time.Hour, true
	}
	if _, err := s.ClaimReady(ctx, ex.ID, []store.NodeType{store.NodeCompute}, pastDeadline); err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}

	processed, err := sweep.Abandoned(s, adv, nil, sweep.Config{}, nil)(ctx)
	if err != nil {
		t.Fatalf("Abandoned: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 execution processed, got %d", processed)
	}
	if !adv.called(ex.ID) {
		t.Error("Abandoned should call Advance on the execution whose computing row was abandoned")
	}

	comps, err := s.Computations(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("Computations: %v", err)
	}
	if comps[0].State != store.StateAbandoned {
		t.Errorf("expected the claimed computation to be abandoned, got %s", comps[0].State)
	}
}

func TestAbandonedNoopWhenNothingPastDeadline(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	if _, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds()); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	processed, err := sweep.Abandoned(s, adv, nil, sweep.Config{}, nil)(ctx)
	if err != nil {
		t.Fatalf("Abandoned: %v", err)
	}
	if processed != 0 {
		t.Errorf("expected no executions processed, got %d", processed)
	}
	if adv.count() != 0 {
		t.Error("Advance should not be called when nothing was abandoned")
	}
}

func TestRunAbandoned(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	pastDeadline := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return map[string]int64{}, -time.Hour, true
	}
	if _, err := s.ClaimReady(ctx, ex.ID, []store.NodeType{store.NodeCompute}, pastDeadline); err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}

	cfg := sweep.Config{Enabled: true}
	if err := sweep.RunAbandoned(ctx, s, adv, nil, cfg, nil); err != nil {
		t.Fatalf("RunAbandoned: %v", err)
	}
	if !adv.called(ex.ID) {
		t.Error("RunAbandoned should advance the affected execution through the throttle wrapper")
	}
}
