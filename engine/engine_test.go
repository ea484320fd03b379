package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/revgraph-go/engine"
	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

func sumGraph(t *testing.T) *graphdef.Graph {
	t.Helper()
	sumFn := func(_ context.Context, in graphdef.Inputs) graphdef.Outcome {
		a, _ := in.Values["a"].(float64)
		b, _ := in.Values["b"].(float64)
		return graphdef.Ok(a + b)
	}
	g, err := graphdef.Build("sumgraph", "v1", nil,
		graphdef.Input("a"),
		graphdef.Input("b"),
		graphdef.Compute("sum", graphdef.Names("a", "b"), sumFn),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func newTestEngine(t *testing.T) (*engine.Engine, *graphdef.Graph) {
	t.Helper()
	g := sumGraph(t)
	cat := graphdef.NewCatalog()
	cat.Register(g)
	e, err := engine.New(store.NewMemory(), cat)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e, g
}

// waitForValue polls Values since the engine's own GetValue wait mode is
// exercised separately; this keeps these tests independent of it.
func waitForValue(t *testing.T, e *engine.Engine, executionID, node string, timeout time.Duration) any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		values, err := e.Values(context.Background(), executionID)
		if err != nil {
			t.Fatalf("Values: %v", err)
		}
		if v, ok := values[node]; ok {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for node %q to be set", node)
	return nil
}

func TestStartExecutionAndSetValueDriveSum(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	if _, err := e.SetValue(ctx, ex.ID, "a", 2); err != nil {
		t.Fatalf("SetValue(a): %v", err)
	}
	if _, err := e.SetValue(ctx, ex.ID, "b", 3); err != nil {
		t.Fatalf("SetValue(b): %v", err)
	}

	got := waitForValue(t, e, ex.ID, "sum", time.Second)
	if got != float64(5) {
		t.Errorf("expected sum=5, got %v", got)
	}
}

func TestSetValueOnWrongNodeTypeFails(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	if _, err := e.SetValue(ctx, ex.ID, "sum", 99); !errors.Is(err, store.ErrGraphLookup) {
		t.Errorf("expected store.ErrGraphLookup when setting a non-input node, got %v", err)
	}
}

func TestUnsetValueCascadesInvalidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if _, err := e.SetValue(ctx, ex.ID, "a", 2); err != nil {
		t.Fatalf("SetValue(a): %v", err)
	}
	if _, err := e.SetValue(ctx, ex.ID, "b", 3); err != nil {
		t.Fatalf("SetValue(b): %v", err)
	}
	waitForValue(t, e, ex.ID, "sum", time.Second)

	if _, err := e.UnsetValue(ctx, ex.ID, "a"); err != nil {
		t.Fatalf("UnsetValue(a): %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		all, err := e.ValuesAll(ctx, ex.ID)
		if err != nil {
			t.Fatalf("ValuesAll: %v", err)
		}
		if !all["sum"].Set() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected sum to be invalidated once its upstream input was unset")
}

func TestGetValueWaitAny(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.SetValue(ctx, ex.ID, "a", 10); err != nil {
			t.Errorf("SetValue(a): %v", err)
		}
		if _, err := e.SetValue(ctx, ex.ID, "b", 20); err != nil {
			t.Errorf("SetValue(b): %v", err)
		}
	}()

	res, err := e.GetValue(ctx, ex.ID, "sum", engine.GetValueOptions{Wait: engine.WaitAny, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("GetValue(WaitAny): %v", err)
	}
	if res.Value != float64(30) {
		t.Errorf("expected sum=30, got %v", res.Value)
	}
	<-done
}

func TestGetValueWaitNoneReturnsErrNotSet(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	_, err = e.GetValue(ctx, ex.ID, "sum", engine.GetValueOptions{Wait: engine.WaitNone})
	if !errors.Is(err, engine.ErrNotSet) {
		t.Errorf("expected engine.ErrNotSet for an unset node read with WaitNone, got %v", err)
	}
}

func TestArchiveSkipsAdvance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := e.Archive(ctx, ex.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if _, err := e.SetValue(ctx, ex.ID, "a", 1); err != nil {
		t.Fatalf("SetValue on an archived execution should still persist the value: %v", err)
	}
	if _, err := e.SetValue(ctx, ex.ID, "b", 1); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	all, err := e.ValuesAll(ctx, ex.ID)
	if err != nil {
		t.Fatalf("ValuesAll: %v", err)
	}
	if all["sum"].Set() {
		t.Error("an archived execution must not advance, so sum should remain unset")
	}

	if err := e.Unarchive(ctx, ex.ID); err != nil {
		t.Fatalf("Unarchive: %v", err)
	}
	waitForValue(t, e, ex.ID, "sum", time.Second)
}

func TestHistoryReturnsAllAttempts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if _, err := e.SetValue(ctx, ex.ID, "a", 1); err != nil {
		t.Fatalf("SetValue(a): %v", err)
	}
	if _, err := e.SetValue(ctx, ex.ID, "b", 1); err != nil {
		t.Fatalf("SetValue(b): %v", err)
	}
	waitForValue(t, e, ex.ID, "sum", time.Second)

	hist, err := e.History(ctx, ex.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var sawSumSuccess bool
	for _, h := range hist {
		if h.NodeName == "sum" && h.State == store.StateSuccess {
			sawSumSuccess = true
		}
	}
	if !sawSumSuccess {
		t.Error("History should include the successful sum computation")
	}
}

func TestListExecutionsFiltersByGraphName(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ex1, err := e.StartExecution(ctx, "sumgraph", "v1")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	list, err := e.ListExecutions(ctx, store.ListOptions{GraphName: "sumgraph"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	var found bool
	for _, ex := range list {
		if ex.ID == ex1.ID {
			found = true
		}
	}
	if !found {
		t.Error("ListExecutions should include the started execution")
	}
}
