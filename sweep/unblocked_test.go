package sweep_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/revgraph-go/store"
	"github.com/dshills/revgraph-go/sweep"
)

func setEpoch(t *testing.T, s store.Store, executionID, node string, at time.Time) {
	t.Helper()
	b, err := json.Marshal(at.Unix())
	if err != nil {
		t.Fatalf("marshal epoch: %v", err)
	}
	if _, err := s.SetValue(context.Background(), executionID, node, b); err != nil {
		t.Fatalf("SetValue(%s): %v", node, err)
	}
}

func TestUnblockedByScheduleFindsRecentPulse(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	period := time.Minute
	setEpoch(t, s, ex.ID, "once", time.Now().Add(-period))

	processed, err := sweep.UnblockedBySchedule(s, adv, period, nil)(ctx)
	if err != nil {
		t.Fatalf("UnblockedBySchedule: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 execution processed, got %d", processed)
	}
	if !adv.called(ex.ID) {
		t.Error("UnblockedBySchedule should advance an execution with a pulse inside the window")
	}
}

func TestUnblockedByScheduleIgnoresOldPulse(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	period := time.Minute
	setEpoch(t, s, ex.ID, "once", time.Now().Add(-time.Hour))

	processed, err := sweep.UnblockedBySchedule(s, adv, period, nil)(ctx)
	if err != nil {
		t.Fatalf("UnblockedBySchedule: %v", err)
	}
	if processed != 0 {
		t.Errorf("a pulse outside the 5-period window should not be picked up, got %d processed", processed)
	}
}

func TestUnblockedByScheduleDedupsAcrossNodeTypes(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	adv := &fakeAdvancer{}

	ex, err := s.CreateExecution(ctx, "g", "v1", sweepSeeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	period := time.Minute
	setEpoch(t, s, ex.ID, "once", time.Now().Add(-period))
	setEpoch(t, s, ex.ID, "recurring", time.Now().Add(-period))

	processed, err := sweep.UnblockedBySchedule(s, adv, period, nil)(ctx)
	if err != nil {
		t.Fatalf("UnblockedBySchedule: %v", err)
	}
	if processed != 1 {
		t.Errorf("an execution due on both schedule node types should still be advanced once, got %d", processed)
	}
}
