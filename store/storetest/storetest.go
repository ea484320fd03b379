// Package storetest is a conformance suite for store.Store implementations.
// Every backend (Memory, Postgres, MySQL, SQLite) runs the same Suite so a
// behavioral drift between backends shows up as a test failure rather than
// a production surprise.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// Suite runs the full conformance suite against new, freshly constructed
// by a caller-supplied factory. The factory must return an empty store each
// time it is called.
func Suite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateExecution", func(t *testing.T) { testCreateExecution(t, newStore(t)) })
	t.Run("SetValueIdempotent", func(t *testing.T) { testSetValueIdempotent(t, newStore(t)) })
	t.Run("UnsetValue", func(t *testing.T) { testUnsetValue(t, newStore(t)) })
	t.Run("ClaimReady", func(t *testing.T) { testClaimReady(t, newStore(t)) })
	t.Run("RecordSuccessWriteRules", func(t *testing.T) { testRecordSuccessWriteRules(t, newStore(t)) })
	t.Run("RecordFailureRetry", func(t *testing.T) { testRecordFailureRetry(t, newStore(t)) })
	t.Run("ClearCompute", func(t *testing.T) { testClearCompute(t, newStore(t)) })
	t.Run("MarkAbandoned", func(t *testing.T) { testMarkAbandoned(t, newStore(t)) })
	t.Run("Heartbeat", func(t *testing.T) { testHeartbeat(t, newStore(t)) })
	t.Run("ArchiveUnarchive", func(t *testing.T) { testArchiveUnarchive(t, newStore(t)) })
	t.Run("TrySweepLockMutualExclusion", func(t *testing.T) { testTrySweepLockMutualExclusion(t, newStore(t)) })
	t.Run("SweepRunLifecycle", func(t *testing.T) { testSweepRunLifecycle(t, newStore(t)) })
	t.Run("ListExecutions", func(t *testing.T) { testListExecutions(t, newStore(t)) })
}

func seeds() []store.NodeSeed {
	return []store.NodeSeed{
		{Name: "a", Type: store.NodeInput},
		{Name: "b", Type: store.NodeInput},
		{Name: "sum", Type: store.NodeCompute, MaxRetries: 3},
		{Name: "counter", Type: store.NodeMutate, MaxRetries: 3},
		{Name: "log", Type: store.NodeHistorian, MaxRetries: 3},
		{Name: "once", Type: store.NodeScheduleOnce},
	}
}

func jsonOf(t *testing.T, v any) store.RawValue {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func testCreateExecution(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if ex.ID == "" {
		t.Fatal("expected a non-empty execution id")
	}
	if ex.Revision != 0 {
		t.Errorf("new execution should start at revision 0, got %d", ex.Revision)
	}
	if ex.Archived() {
		t.Error("new execution should not be archived")
	}

	values, err := s.Values(ctx, ex.ID)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	for _, want := range []string{"a", "b", "sum", "counter", "log", "once", "execution_id", "last_updated_at"} {
		v, ok := values[want]
		if !ok {
			t.Errorf("missing seeded value row %q", want)
			continue
		}
		if want == "execution_id" || want == "last_updated_at" {
			if !v.Set() {
				t.Errorf("system value %q should be set at creation", want)
			}
			continue
		}
		if v.Set() {
			t.Errorf("user node %q should start unset", want)
		}
	}

	comps, err := s.AllComputations(ctx, ex.ID)
	if err != nil {
		t.Fatalf("AllComputations: %v", err)
	}
	nonInput := 0
	for _, c := range comps {
		if c.State != store.StateNotSet {
			t.Errorf("freshly seeded computation %q should be not_set, got %s", c.NodeName, c.State)
		}
		nonInput++
	}
	if nonInput != 4 { // sum, counter, log, once
		t.Errorf("expected 4 seeded non-input computations, got %d", nonInput)
	}
}

func testSetValueIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	res, err := s.SetValue(ctx, ex.ID, "a", jsonOf(t, 1))
	if err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !res.Changed {
		t.Error("first SetValue on an unset node should report Changed=true")
	}
	if res.Execution.Revision != ex.Revision+1 {
		t.Errorf("revision should bump by 1, got %d -> %d", ex.Revision, res.Execution.Revision)
	}

	res2, err := s.SetValue(ctx, ex.ID, "a", jsonOf(t, 1))
	if err != nil {
		t.Fatalf("SetValue (repeat): %v", err)
	}
	if res2.Changed {
		t.Error("setting a byte-identical value should report Changed=false")
	}
	if res2.Execution.Revision != res.Execution.Revision {
		t.Error("an unchanged SetValue must not bump the revision")
	}

	res3, err := s.SetValue(ctx, ex.ID, "a", jsonOf(t, 2))
	if err != nil {
		t.Fatalf("SetValue (changed): %v", err)
	}
	if !res3.Changed {
		t.Error("a genuinely different value should report Changed=true")
	}
	if res3.Execution.Revision != res.Execution.Revision+1 {
		t.Error("a changed SetValue must bump the revision by exactly 1")
	}
}

func testUnsetValue(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if _, err := s.SetValue(ctx, ex.ID, "a", jsonOf(t, 1)); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	res, err := s.UnsetValue(ctx, ex.ID, "a")
	if err != nil {
		t.Fatalf("UnsetValue: %v", err)
	}
	if !res.Changed {
		t.Error("unsetting a set value should report Changed=true")
	}

	v, err := s.GetValue(ctx, ex.ID, "a")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v.Set() {
		t.Error("node should read as unset after UnsetValue")
	}

	res2, err := s.UnsetValue(ctx, ex.ID, "a")
	if err != nil {
		t.Fatalf("UnsetValue (repeat): %v", err)
	}
	if res2.Changed {
		t.Error("unsetting an already-unset value must be a no-op")
	}
}

func testClaimReady(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	always := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return map[string]int64{}, 30 * time.Second, true
	}
	claimed, err := s.ClaimReady(ctx, ex.ID, []store.NodeType{store.NodeScheduleOnce}, always)
	if err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}
	if len(claimed) != 1 || claimed[0].NodeName != "once" {
		t.Fatalf("expected to claim the single schedule_once node, got %+v", claimed)
	}
	if claimed[0].State != store.StateComputing {
		t.Errorf("a claimed computation should be state=computing, got %s", claimed[0].State)
	}
	if claimed[0].Deadline == nil {
		t.Error("a claimed computation should have a deadline set")
	}

	claimed2, err := s.ClaimReady(ctx, ex.ID, []store.NodeType{store.NodeScheduleOnce}, always)
	if err != nil {
		t.Fatalf("ClaimReady (repeat): %v", err)
	}
	if len(claimed2) != 0 {
		t.Errorf("a computation already state=computing must not be claimed twice, got %+v", claimed2)
	}

	never := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return nil, 0, false
	}
	claimed3, err := s.ClaimReady(ctx, ex.ID, []store.NodeType{store.NodeCompute}, never)
	if err != nil {
		t.Fatalf("ClaimReady (never ready): %v", err)
	}
	if len(claimed3) != 0 {
		t.Errorf("a candidate whose gate is never satisfied must not be claimed, got %+v", claimed3)
	}
}

func claimOne(ctx context.Context, t *testing.T, s store.Store, executionID string, nt store.NodeType) store.Computation {
	t.Helper()
	always := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return map[string]int64{}, 30 * time.Second, true
	}
	claimed, err := s.ClaimReady(ctx, executionID, []store.NodeType{nt}, always)
	if err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected exactly one claimed computation of type %s, got %d", nt, len(claimed))
	}
	return claimed[0]
}

func testRecordSuccessWriteRules(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// compute: write-if-changed.
	comp := claimOne(ctx, t, s, ex.ID, store.NodeCompute)
	applied, err := s.RecordSuccess(ctx, comp.ID, store.ValueWrite{Value: jsonOf(t, 3)})
	if err != nil {
		t.Fatalf("RecordSuccess(compute): %v", err)
	}
	if !applied {
		t.Fatal("RecordSuccess should apply for a computing row")
	}
	v, err := s.GetValue(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("GetValue(sum): %v", err)
	}
	if !v.Set() || string(v.NodeValue) != "3" {
		t.Errorf("expected sum=3, got set=%v value=%s", v.Set(), v.NodeValue)
	}

	applied2, err := s.RecordSuccess(ctx, comp.ID, store.ValueWrite{Value: jsonOf(t, 3)})
	if err == nil && applied2 {
		t.Error("RecordSuccess on an already-terminal computation should not re-apply")
	}

	// mutate: unconditional write plus the mutate-target value.
	mutComp := claimOne(ctx, t, s, ex.ID, store.NodeMutate)
	_, err = s.RecordSuccess(ctx, mutComp.ID, store.ValueWrite{
		Value:                  jsonOf(t, 1),
		MutateTarget:           "a",
		UpdateRevisionOnChange: true,
	})
	if err != nil {
		t.Fatalf("RecordSuccess(mutate): %v", err)
	}
	cv, err := s.GetValue(ctx, ex.ID, "counter")
	if err != nil {
		t.Fatalf("GetValue(counter): %v", err)
	}
	if !cv.Set() {
		t.Error("mutate node's own value should be set after RecordSuccess")
	}

	// historian: unconditional write, truncated by MaxEntries.
	histComp := claimOne(ctx, t, s, ex.ID, store.NodeHistorian)
	_, err = s.RecordSuccess(ctx, histComp.ID, store.ValueWrite{
		Value:      jsonOf(t, []int{1, 2, 3}),
		MaxEntries: 2,
	})
	if err != nil {
		t.Fatalf("RecordSuccess(historian): %v", err)
	}
	hv, err := s.GetValue(ctx, ex.ID, "log")
	if err != nil {
		t.Fatalf("GetValue(log): %v", err)
	}
	var entries []int
	if err := json.Unmarshal(hv.NodeValue, &entries); err != nil {
		t.Fatalf("decode historian value: %v", err)
	}
	if len(entries) > 2 {
		t.Errorf("historian value should be truncated to MaxEntries=2, got %d entries", len(entries))
	}

	latest, err := s.LatestSuccess(ctx, ex.ID)
	if err != nil {
		t.Fatalf("LatestSuccess: %v", err)
	}
	for _, name := range []string{"sum", "counter", "log"} {
		if _, ok := latest[name]; !ok {
			t.Errorf("LatestSuccess missing %q after a successful computation", name)
		}
	}
}

func testRecordFailureRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	comp := claimOne(ctx, t, s, ex.ID, store.NodeCompute)

	if err := s.RecordFailure(ctx, comp.ID, "boom", store.RetryDecision{ShouldRetry: true, NodeType: store.NodeCompute}); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	comps, err := s.Computations(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("Computations: %v", err)
	}
	if len(comps) < 2 {
		t.Fatalf("RecordFailure with ShouldRetry should insert a follow-up attempt, got %d rows", len(comps))
	}
	var sawFailed, sawNotSet bool
	for _, c := range comps {
		switch c.State {
		case store.StateFailed:
			sawFailed = true
			if c.ErrorDetails != "boom" {
				t.Errorf("expected ErrorDetails=boom, got %q", c.ErrorDetails)
			}
		case store.StateNotSet:
			sawNotSet = true
		}
	}
	if !sawFailed || !sawNotSet {
		t.Errorf("expected one failed and one not_set row, got %+v", comps)
	}

	comp2 := claimOne(ctx, t, s, ex.ID, store.NodeCompute)
	if err := s.RecordFailure(ctx, comp2.ID, "boom again", store.RetryDecision{ShouldRetry: false, NodeType: store.NodeCompute}); err != nil {
		t.Fatalf("RecordFailure (exhausted): %v", err)
	}
	comps2, err := s.Computations(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("Computations: %v", err)
	}
	pending := 0
	for _, c := range comps2 {
		if c.State.Pending() {
			pending++
		}
	}
	if pending != 0 {
		t.Errorf("once retries are exhausted no pending attempt should remain, got %d pending", pending)
	}
}

func testClearCompute(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	comp := claimOne(ctx, t, s, ex.ID, store.NodeCompute)
	if _, err := s.RecordSuccess(ctx, comp.ID, store.ValueWrite{Value: jsonOf(t, 5)}); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	if err := s.ClearCompute(ctx, ex.ID, "sum"); err != nil {
		t.Fatalf("ClearCompute: %v", err)
	}
	v, err := s.GetValue(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v.Set() {
		t.Error("ClearCompute should unset the value")
	}

	comps, err := s.Computations(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("Computations: %v", err)
	}
	var pending int
	for _, c := range comps {
		if c.State == store.StateNotSet {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("ClearCompute should leave exactly one fresh not_set attempt, got %d", pending)
	}
}

func testMarkAbandoned(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	pastDeadline := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		return map[string]int64{}, -time.Hour, true // abandonAfter already in the past
	}
	claimed, err := s.ClaimReady(ctx, ex.ID, []store.NodeType{store.NodeCompute}, pastDeadline)
	if err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed computation, got %d", len(claimed))
	}

	ids, err := s.MarkAbandoned(ctx, time.Now())
	if err != nil {
		t.Fatalf("MarkAbandoned: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == ex.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("MarkAbandoned should return %q among affected executions, got %v", ex.ID, ids)
	}

	comps, err := s.Computations(ctx, ex.ID, "sum")
	if err != nil {
		t.Fatalf("Computations: %v", err)
	}
	if comps[0].State != store.StateAbandoned {
		t.Errorf("the past-deadline computation should now be abandoned, got %s", comps[0].State)
	}
}

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	comp := claimOne(ctx, t, s, ex.ID, store.NodeCompute)

	applied, state, err := s.Heartbeat(ctx, comp.ID, time.Now(), 5*time.Second, 15*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !applied {
		t.Errorf("Heartbeat should apply for a fresh computing row, got state=%s", state)
	}

	if err := s.RecordFailure(ctx, comp.ID, "done", store.RetryDecision{ShouldRetry: false, NodeType: store.NodeCompute}); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	applied2, state2, err := s.Heartbeat(ctx, comp.ID, time.Now(), 5*time.Second, 15*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat (terminal): %v", err)
	}
	if applied2 {
		t.Error("Heartbeat must not apply to a terminal computation")
	}
	if state2 != store.StateFailed {
		t.Errorf("expected reported state=failed, got %s", state2)
	}
}

func testArchiveUnarchive(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := s.ArchiveExecution(ctx, ex.ID); err != nil {
		t.Fatalf("ArchiveExecution: %v", err)
	}
	loaded, err := s.GetExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if !loaded.Archived() {
		t.Error("execution should report Archived()=true after ArchiveExecution")
	}

	if err := s.UnarchiveExecution(ctx, ex.ID); err != nil {
		t.Fatalf("UnarchiveExecution: %v", err)
	}
	loaded2, err := s.GetExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if loaded2.Archived() {
		t.Error("execution should report Archived()=false after UnarchiveExecution")
	}
}

func testTrySweepLockMutualExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()
	ok1, release1, err := s.TrySweepLock(ctx, "catchall")
	if err != nil {
		t.Fatalf("TrySweepLock: %v", err)
	}
	if !ok1 {
		t.Fatal("first TrySweepLock for a fresh sweep type should succeed")
	}

	ok2, _, err := s.TrySweepLock(ctx, "catchall")
	if err != nil {
		t.Fatalf("TrySweepLock (contended): %v", err)
	}
	if ok2 {
		t.Error("a second TrySweepLock on the same sweep type must fail while the first holds it")
	}

	if err := release1(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok3, release3, err := s.TrySweepLock(ctx, "catchall")
	if err != nil {
		t.Fatalf("TrySweepLock (after release): %v", err)
	}
	if !ok3 {
		t.Error("TrySweepLock should succeed again once the prior holder releases")
	}
	if ok3 {
		_ = release3(ctx)
	}
}

func testSweepRunLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	started := time.Now()
	id, err := s.InsertSweepRun(ctx, "stalled", started)
	if err != nil {
		t.Fatalf("InsertSweepRun: %v", err)
	}
	if id == 0 {
		t.Error("InsertSweepRun should return a nonzero id")
	}

	if err := s.CompleteSweepRun(ctx, id, started.Add(time.Second), 3); err != nil {
		t.Fatalf("CompleteSweepRun: %v", err)
	}

	last, err := s.LastSweepRun(ctx, "stalled")
	if err != nil {
		t.Fatalf("LastSweepRun: %v", err)
	}
	if last.ID != id {
		t.Errorf("LastSweepRun returned id %d, want %d", last.ID, id)
	}
	if last.CompletedAt == nil {
		t.Error("LastSweepRun should report a completed run as completed")
	}
	if last.ExecutionsProcessed != 3 {
		t.Errorf("ExecutionsProcessed = %d, want 3", last.ExecutionsProcessed)
	}
}

func testListExecutions(t *testing.T, s store.Store) {
	ctx := context.Background()
	ex1, err := s.CreateExecution(ctx, "sumgraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	ex2, err := s.CreateExecution(ctx, "othergraph", "v1", seeds())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	all, err := s.ListExecutions(ctx, store.ListOptions{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) < 2 {
		t.Fatalf("expected at least 2 executions, got %d", len(all))
	}

	filtered, err := s.ListExecutions(ctx, store.ListOptions{GraphName: "sumgraph"})
	if err != nil {
		t.Fatalf("ListExecutions (filtered): %v", err)
	}
	for _, ex := range filtered {
		if ex.GraphName != "sumgraph" {
			t.Errorf("ListExecutions with GraphName filter returned %q", ex.GraphName)
		}
	}
	var sawEx1 bool
	for _, ex := range filtered {
		if ex.ID == ex1.ID {
			sawEx1 = true
		}
		if ex.ID == ex2.ID {
			t.Error("filter by GraphName=sumgraph must not return othergraph's execution")
		}
	}
	if !sawEx1 {
		t.Error("filtered list should include the sumgraph execution")
	}

	if err := s.ArchiveExecution(ctx, ex1.ID); err != nil {
		t.Fatalf("ArchiveExecution: %v", err)
	}
	withoutArchived, err := s.ListExecutions(ctx, store.ListOptions{GraphName: "sumgraph"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	for _, ex := range withoutArchived {
		if ex.ID == ex1.ID {
			t.Error("an archived execution must be excluded unless IncludeArchived is set")
		}
	}
	withArchived, err := s.ListExecutions(ctx, store.ListOptions{GraphName: "sumgraph", IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListExecutions (IncludeArchived): %v", err)
	}
	var sawArchived bool
	for _, ex := range withArchived {
		if ex.ID == ex1.ID {
			sawArchived = true
		}
	}
	if !sawArchived {
		t.Error("IncludeArchived=true should surface the archived execution")
	}
}

// AssertNotFound is a small helper shared by backend test files that want to
// check ErrNotFound wrapping without importing errors themselves.
func AssertNotFound(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}
