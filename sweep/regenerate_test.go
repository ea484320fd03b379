package sweep_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/revgraph-go/store"
	"github.com/dshills/revgraph-go/sweep"
)

func claimAndSucceed(t *testing.T, s store.Store, executionID, node string, nt store.NodeType, at time.Time) {
	t.Helper()
	ctx := context.Background()
	always := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return map[string]int64{}, time.Minute, true
	}
	claimed, err := s.ClaimReady(ctx, executionID, []store.NodeType{nt}, always)
	if err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}
	var target store.Computation
	for _, c := range claimed {
		if c.NodeName == node {
			target = c
		}
	}
	if target.ID == "" {
		t.Fatalf("expected to claim %q, got %+v", node, claimed)
	}
	b, err := json.Marshal(at.Unix())
	if err != nil {
		t.Fatalf("marshal epoch: %v", err)
	}
	if _, err := s.RecordSuccess(ctx, target.ID, store.ValueWrite{Value: b}); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
}

func TestRegenerateScheduleRecurringInsertsFreshComputation(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	claimAndSucceed(t, s, ex.ID, "recurring", store.NodeScheduleRecurring, time.Now().Add(-10*time.Second))

	processed, err := sweep.RegenerateScheduleRecurring(s, nil)(ctx)
	if err != nil {
		t.Fatalf("RegenerateScheduleRecurring: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 tick regenerated, got %d", processed)
	}

	comps, err := s.Computations(ctx, ex.ID, "recurring")
	if err != nil {
		t.Fatalf("Computations: %v", err)
	}
	var sawFreshNotSet bool
	for _, c := range comps {
		if c.State == store.StateNotSet {
			sawFreshNotSet = true
		}
	}
	if !sawFreshNotSet {
		t.Error("expected a fresh not_set computation queued for the recurring node")
	}
}

func TestRegenerateScheduleRecurringIgnoresFutureTick(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	claimAndSucceed(t, s, ex.ID, "recurring", store.NodeScheduleRecurring, time.Now().Add(time.Hour))

	processed, err := sweep.RegenerateScheduleRecurring(s, nil)(ctx)
	if err != nil {
		t.Fatalf("RegenerateScheduleRecurring: %v", err)
	}
	if processed != 0 {
		t.Errorf("a tick scheduled in the future should not be regenerated yet, got %d", processed)
	}
}

func TestRegenerateScheduleRecurringIsIdempotentUntilNextTick(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	claimAndSucceed(t, s, ex.ID, "recurring", store.NodeScheduleRecurring, time.Now().Add(-10*time.Second))

	first, err := sweep.RegenerateScheduleRecurring(s, nil)(ctx)
	if err != nil {
		t.Fatalf("RegenerateScheduleRecurring (first): %v", err)
	}
	if first != 1 {
		t.Fatalf("expected the first pass to regenerate one tick, got %d", first)
	}

	second, err := sweep.RegenerateScheduleRecurring(s, nil)(ctx)
	if err != nil {
		t.Fatalf("RegenerateScheduleRecurring (second): %v", err)
	}
	if second != 0 {
		t.Errorf("a second pass before the new computation completes should not re-queue again, got %d", second)
	}
}
