package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// truncateHistorian applies a historian node's max_entries bound to a compute function's already newest-first JSON array. A
// malformed or non-array value passes through unchanged; the compute
// function owns list shape, this only enforces the length cap.
func truncateHistorian(value RawValue, maxEntries int) RawValue {
	if maxEntries <= 0 {
		return value
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(value, &entries); err != nil {
		return value
	}
	if len(entries) <= maxEntries {
		return value
	}
	capped, err := json.Marshal(entries[:maxEntries])
	if err != nil {
		return value
	}
	return capped
}

// Memory is an in-process Store backed by plain Go maps. It is not
// cluster-safe (advisory locks
// are plain mutexes scoped to this process) but implements every ordering
// and atomicity guarantee the engine requires for a single process, which is
// what the engine's own test suite runs against.
type Memory struct {
	mu sync.Mutex

	executions   map[string]*Execution
	values       map[string]map[string]*Value // executionID -> nodeName -> value
	computations map[string]*Computation       // computationID -> row
	sweepRuns    []*SweepRun

	execLocks  map[string]*sync.Mutex // advisory "transaction" locks, per execution
	sweepLocks map[string]bool        // held session try-locks, by sweepType

	txMu sync.Mutex // serializes WithTx bodies; Memory has no real MVCC
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		executions:   make(map[string]*Execution),
		values:       make(map[string]map[string]*Value),
		computations: make(map[string]*Computation),
		execLocks:    make(map[string]*sync.Mutex),
		sweepLocks:   make(map[string]bool),
	}
}

func newID() string { return uuid.NewString() }

type memTx struct{}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, memTx{})
}

func (m *Memory) IncrementRevisionInTx(_ context.Context, _ Tx, executionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[executionID]
	if !ok {
		return 0, ErrNotFound
	}
	ex.Revision++
	ex.UpdatedAt = time.Now()
	if v, ok := m.values[executionID]["last_updated_at"]; ok {
		v.NodeValue = RawValue(fmt.Sprintf("%d", ex.UpdatedAt.Unix()))
		v.ExRevision = ex.Revision
		v.SetTime = &ex.UpdatedAt
	}
	return ex.Revision, nil
}

func (m *Memory) LockExecutionInTx(_ context.Context, _ Tx, namespace int32, executionID string) error {
	m.mu.Lock()
	l, ok := m.execLocks[fmt.Sprintf("%d:%s", namespace, executionID)]
	if !ok {
		l = &sync.Mutex{}
		m.execLocks[fmt.Sprintf("%d:%s", namespace, executionID)] = l
	}
	m.mu.Unlock()
	l.Lock()
	// Memory's WithTx already serializes all bodies, so the per-key lock
	// is taken and released at once: it is never held across calls and
	// does not detect reentrant use.
	l.Unlock()
	return nil
}

func (m *Memory) TrySweepLock(_ context.Context, sweepType string) (bool, func(context.Context) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweepLocks[sweepType] {
		return false, nil, nil
	}
	m.sweepLocks[sweepType] = true
	release := func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sweepLocks, sweepType)
		return nil
	}
	return true, release, nil
}

func (m *Memory) CreateExecution(_ context.Context, graphName, graphVersion string, nodes []NodeSeed) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	id := newID()
	ex := &Execution{ID: id, GraphName: graphName, GraphVersion: graphVersion, Revision: 0, InsertedAt: now, UpdatedAt: now}
	m.executions[id] = ex
	m.values[id] = make(map[string]*Value)

	m.values[id]["execution_id"] = &Value{ExecutionID: id, NodeName: "execution_id", NodeType: "system", NodeValue: RawValue(`"` + id + `"`), SetTime: &now, ExRevision: 0, InsertedAt: now, UpdatedAt: now}
	m.values[id]["last_updated_at"] = &Value{ExecutionID: id, NodeName: "last_updated_at", NodeType: "system", NodeValue: RawValue(fmt.Sprintf("%d", now.Unix())), SetTime: &now, ExRevision: 0, InsertedAt: now, UpdatedAt: now}

	for _, n := range nodes {
		m.values[id][n.Name] = &Value{ExecutionID: id, NodeName: n.Name, NodeType: n.Type, NodeValue: Null, SetTime: nil, ExRevision: 0, InsertedAt: now, UpdatedAt: now}
		if n.Type != NodeInput {
			cID := newID()
			m.computations[cID] = &Computation{ID: cID, ExecutionID: id, NodeName: n.Name, Attempt: 1, ComputationType: n.Type, State: StateNotSet}
		}
	}
	return *ex, nil
}

func (m *Memory) GetExecution(_ context.Context, executionID string) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[executionID]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return *ex, nil
}

func (m *Memory) setValueLocked(executionID, nodeName string, value RawValue, unset bool) (SetValueResult, error) {
	ex, ok := m.executions[executionID]
	if !ok {
		return SetValueResult{}, ErrNotFound
	}
	v, ok := m.values[executionID][nodeName]
	if !ok {
		return SetValueResult{}, fmt.Errorf("%w: node %q", ErrGraphLookup, nodeName)
	}

	if unset {
		if !v.Set() {
			return SetValueResult{Execution: *ex, Changed: false}, nil
		}
	} else if v.Set() && string(v.NodeValue) == string(value) {
		return SetValueResult{Execution: *ex, Changed: false}, nil
	}

	ex.Revision++
	now := time.Now()
	ex.UpdatedAt = now
	if unset {
		v.NodeValue = Null
		v.SetTime = nil
	} else {
		v.NodeValue = value
		v.SetTime = &now
	}
	v.ExRevision = ex.Revision
	v.UpdatedAt = now

	lu := m.values[executionID]["last_updated_at"]
	lu.NodeValue = RawValue(fmt.Sprintf("%d", now.Unix()))
	lu.ExRevision = ex.Revision
	lu.SetTime = &now

	return SetValueResult{Execution: *ex, Changed: true}, nil
}

func (m *Memory) SetValue(_ context.Context, executionID, nodeName string, value RawValue) (SetValueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setValueLocked(executionID, nodeName, value, false)
}

func (m *Memory) UnsetValue(_ context.Context, executionID, nodeName string) (SetValueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setValueLocked(executionID, nodeName, nil, true)
}

func (m *Memory) GetValue(_ context.Context, executionID, nodeName string) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[executionID][nodeName]
	if !ok {
		return Value{}, ErrNotFound
	}
	return *v, nil
}

func (m *Memory) Values(_ context.Context, executionID string) (map[string]Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.values[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]Value, len(vs))
	for k, v := range vs {
		out[k] = *v
	}
	return out, nil
}

func (m *Memory) ClaimReady(_ context.Context, executionID string, types []NodeType, ready func(map[string]Value, Computation) (map[string]int64, time.Duration, bool)) ([]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	wantType := map[NodeType]bool{}
	for _, t := range types {
		wantType[t] = true
	}

	snapshot := make(map[string]Value, len(m.values[executionID]))
	for k, v := range m.values[executionID] {
		snapshot[k] = *v
	}

	var candidateIDs []string
	for id, c := range m.computations {
		if c.ExecutionID == executionID && c.State == StateNotSet && wantType[c.ComputationType] {
			candidateIDs = append(candidateIDs, id)
		}
	}
	sort.Strings(candidateIDs)

	var claimed []Computation
	now := time.Now()
	for _, id := range candidateIDs {
		c := m.computations[id]
		met, abandonAfter, isReady := ready(snapshot, *c)
		if !isReady {
			continue
		}
		ex.Revision++
		ex.UpdatedAt = now
		c.State = StateComputing
		c.StartTime = &now
		c.ExRevisionAtStart = ex.Revision
		c.ComputedWith = met
		deadline := now.Add(abandonAfter)
		c.Deadline = &deadline
		claimed = append(claimed, *c)
	}
	return claimed, nil
}

func (m *Memory) InsertComputationIfAbsent(_ context.Context, executionID, nodeName string, compType NodeType, priorExRevisionAtStart int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.computations {
		if c.ExecutionID != executionID || c.NodeName != nodeName {
			continue
		}
		if c.State.Pending() {
			return false, nil
		}
		if c.State == StateSuccess && c.ExRevisionAtStart > priorExRevisionAtStart {
			return false, nil
		}
	}
	id := newID()
	m.computations[id] = &Computation{ID: id, ExecutionID: executionID, NodeName: nodeName, Attempt: m.nextAttemptLocked(executionID, nodeName), ComputationType: compType, State: StateNotSet}
	return true, nil
}

func (m *Memory) nextAttemptLocked(executionID, nodeName string) int {
	max := 0
	for _, c := range m.computations {
		if c.ExecutionID == executionID && c.NodeName == nodeName && c.Attempt > max {
			max = c.Attempt
		}
	}
	return max + 1
}

func (m *Memory) LatestSuccess(_ context.Context, executionID string) (map[string]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]Computation{}
	for _, c := range m.computations {
		if c.ExecutionID != executionID || c.State != StateSuccess {
			continue
		}
		cur, ok := out[c.NodeName]
		if !ok || c.ExRevisionAtStart > cur.ExRevisionAtStart {
			out[c.NodeName] = *c
		}
	}
	return out, nil
}

func (m *Memory) RecordSuccess(_ context.Context, computationID string, write ValueWrite) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.computations[computationID]
	if !ok {
		return false, ErrNotFound
	}
	if c.State != StateComputing {
		return false, nil
	}
	ex := m.executions[c.ExecutionID]
	now := time.Now()

	bump := func() int64 {
		ex.Revision++
		ex.UpdatedAt = now
		lu := m.values[c.ExecutionID]["last_updated_at"]
		lu.NodeValue = RawValue(fmt.Sprintf("%d", now.Unix()))
		lu.ExRevision = ex.Revision
		lu.SetTime = &now
		return ex.Revision
	}

	switch c.ComputationType {
	case NodeCompute:
		v := m.values[c.ExecutionID][c.NodeName]
		if v.Set() && string(v.NodeValue) == string(write.Value) {
			// idempotent no-op
		} else {
			rev := bump()
			v.NodeValue = write.Value
			v.SetTime = &now
			v.ExRevision = rev
		}
	case NodeMutate:
		self := m.values[c.ExecutionID][c.NodeName]
		rev := bump()
		marker, _ := json.Marshal(fmt.Sprintf("updated %s", write.MutateTarget))
		self.NodeValue = RawValue(marker)
		self.SetTime = &now
		self.ExRevision = rev

		target := m.values[c.ExecutionID][write.MutateTarget]
		if write.UpdateRevisionOnChange {
			if !target.Set() || string(target.NodeValue) != string(write.Value) {
				trev := bump()
				target.NodeValue = write.Value
				target.SetTime = &now
				target.ExRevision = trev
			}
		} else {
			target.NodeValue = write.Value
			target.SetTime = &now
			// revision intentionally NOT bumped for target: invisible to gates.
		}
	case NodeHistorian:
		rev := bump()
		v := m.values[c.ExecutionID][c.NodeName]
		v.NodeValue = truncateHistorian(write.Value, write.MaxEntries)
		v.SetTime = &now
		v.ExRevision = rev
	default: // schedule_once, schedule_recurring, archive
		rev := bump()
		v := m.values[c.ExecutionID][c.NodeName]
		v.NodeValue = write.Value
		v.SetTime = &now
		v.ExRevision = rev
		if c.ComputationType == NodeArchive {
			ex.ArchivedAt = &now
		}
	}

	c.State = StateSuccess
	c.CompletionTime = &now
	c.ExRevisionAtCompletion = ex.Revision
	c.ComputedWith = write.ComputedWith
	return true, nil
}

func (m *Memory) RecordFailure(_ context.Context, computationID, reason string, retry RetryDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.computations[computationID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	c.State = StateFailed
	c.CompletionTime = &now
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	c.ErrorDetails = reason

	if retry.ShouldRetry {
		id := newID()
		m.computations[id] = &Computation{ID: id, ExecutionID: c.ExecutionID, NodeName: c.NodeName, Attempt: m.nextAttemptLocked(c.ExecutionID, c.NodeName), ComputationType: retry.NodeType, State: StateNotSet}
	}
	return nil
}

func (m *Memory) ClearCompute(_ context.Context, executionID, nodeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[executionID][nodeName]
	if !ok {
		return ErrNotFound
	}
	ex := m.executions[executionID]
	now := time.Now()
	ex.Revision++
	ex.UpdatedAt = now
	v.NodeValue = Null
	v.SetTime = nil
	v.ExRevision = ex.Revision

	lu := m.values[executionID]["last_updated_at"]
	lu.NodeValue = RawValue(fmt.Sprintf("%d", now.Unix()))
	lu.ExRevision = ex.Revision
	lu.SetTime = &now

	id := newID()
	m.computations[id] = &Computation{ID: id, ExecutionID: executionID, NodeName: nodeName, Attempt: m.nextAttemptLocked(executionID, nodeName), ComputationType: NodeCompute, State: StateNotSet}
	return nil
}

func (m *Memory) Computations(_ context.Context, executionID, nodeName string) ([]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Computation
	for _, c := range m.computations {
		if c.ExecutionID == executionID && c.NodeName == nodeName {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt > out[j].Attempt })
	return out, nil
}

func (m *Memory) AllComputations(_ context.Context, executionID string) ([]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Computation
	for _, c := range m.computations {
		if c.ExecutionID == executionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeName != out[j].NodeName {
			return out[i].NodeName < out[j].NodeName
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (m *Memory) MarkAbandoned(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range m.computations {
		if c.State != StateComputing {
			continue
		}
		deadline := c.HeartbeatDeadline
		if deadline == nil {
			deadline = c.Deadline
		}
		if deadline != nil && deadline.Before(now) {
			c.State = StateAbandoned
			completed := now
			c.CompletionTime = &completed
			seen[c.ExecutionID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) Heartbeat(_ context.Context, computationID string, now time.Time, interval, timeout, buffer time.Duration) (bool, ComputationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.computations[computationID]
	if !ok {
		return false, StateAbandoned, ErrNotFound
	}
	if c.State != StateComputing {
		return false, c.State, nil
	}
	if c.Deadline != nil && c.Deadline.Before(now.Add(-buffer)) {
		c.State = StateAbandoned
		completed := now
		c.CompletionTime = &completed
		return false, StateAbandoned, nil
	}
	hb := now
	hd := now.Add(timeout)
	c.LastHeartbeatAt = &hb
	c.HeartbeatDeadline = &hd
	return true, StateComputing, nil
}

func (m *Memory) ArchiveExecution(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	ex.ArchivedAt = &now
	return nil
}

func (m *Memory) UnarchiveExecution(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	ex.ArchivedAt = nil
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, opts ListOptions) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Execution
	for _, ex := range m.executions {
		if !opts.IncludeArchived && ex.Archived() {
			continue
		}
		if opts.GraphName != "" && ex.GraphName != opts.GraphName {
			continue
		}
		if opts.GraphVersion != "" && ex.GraphVersion != opts.GraphVersion {
			continue
		}
		if m.matchesFilters(*ex, opts.Filters) {
			out = append(out, *ex)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	if opts.SortBy != "" {
		m.sortExecutions(out, opts.SortBy, opts.SortDescending)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}
	start := opts.Offset
	if start > len(out) {
		start = len(out)
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *Memory) matchesFilters(ex Execution, filters []Filter) bool {
	for _, f := range filters {
		var actual any
		switch f.Field {
		case "graph_name":
			actual = ex.GraphName
		case "graph_version":
			actual = ex.GraphVersion
		case "revision":
			actual = ex.Revision
		default:
			v, ok := m.values[ex.ID][f.Field]
			if !ok {
				return false
			}
			actual = string(v.NodeValue)
		}
		if !matchOp(actual, f) {
			return false
		}
	}
	return true
}

func matchOp(actual any, f Filter) bool {
	switch f.Op {
	case OpEq:
		return fmt.Sprint(actual) == fmt.Sprint(f.Value)
	case OpNeq:
		return fmt.Sprint(actual) != fmt.Sprint(f.Value)
	case OpIsNil:
		return actual == nil || actual == "null"
	case OpIsNotNil:
		return actual != nil && actual != "null"
	case OpIn:
		for _, v := range f.Values {
			if fmt.Sprint(actual) == fmt.Sprint(v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range f.Values {
			if fmt.Sprint(actual) == fmt.Sprint(v) {
				return false
			}
		}
		return true
	default:
		af, aok := toFloat(actual)
		bf, bok := toFloat(f.Value)
		if !aok || !bok {
			return false
		}
		switch f.Op {
		case OpLt:
			return af < bf
		case OpLte:
			return af <= bf
		case OpGt:
			return af > bf
		case OpGte:
			return af >= bf
		}
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (m *Memory) sortExecutions(execs []Execution, field string, desc bool) {
	less := func(i, j int) bool {
		var a, b any
		switch field {
		case "revision":
			a, b = execs[i].Revision, execs[j].Revision
		case "updated_at":
			a, b = execs[i].UpdatedAt.UnixNano(), execs[j].UpdatedAt.UnixNano()
		default:
			a, b = execs[i].InsertedAt.UnixNano(), execs[j].InsertedAt.UnixNano()
		}
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return af < bf
	}
	sort.SliceStable(execs, func(i, j int) bool {
		if desc {
			return less(j, i)
		}
		return less(i, j)
	})
}

func (m *Memory) InsertSweepRun(_ context.Context, sweepType string, startedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.sweepRuns) + 1)
	m.sweepRuns = append(m.sweepRuns, &SweepRun{ID: id, SweepType: sweepType, StartedAt: startedAt})
	return id, nil
}

func (m *Memory) CompleteSweepRun(_ context.Context, id int64, completedAt time.Time, processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.sweepRuns {
		if r.ID == id {
			r.CompletedAt = &completedAt
			r.ExecutionsProcessed = processed
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) LastSweepRun(_ context.Context, sweepType string) (SweepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *SweepRun
	for _, r := range m.sweepRuns {
		if r.SweepType != sweepType {
			continue
		}
		if last == nil || r.StartedAt.After(last.StartedAt) {
			last = r
		}
	}
	if last == nil {
		return SweepRun{}, ErrNotFound
	}
	return *last, nil
}

func (m *Memory) ExecutionsUpdatedSince(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, ex := range m.executions {
		if ex.Archived() {
			continue
		}
		if !ex.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ExecutionsWithSchedulePulseIn(_ context.Context, windowStart, windowEnd time.Time, nodeType NodeType) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for execID, vs := range m.values {
		if m.executions[execID].Archived() {
			continue
		}
		for _, v := range vs {
			if v.NodeType != nodeType || !v.Set() {
				continue
			}
			var epoch int64
			if _, err := fmt.Sscanf(string(v.NodeValue), "%d", &epoch); err != nil {
				continue
			}
			t := time.Unix(epoch, 0)
			if !t.Before(windowStart) && t.Before(windowEnd) {
				seen[execID] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ExecutionsStalledSince(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, ex := range m.executions {
		if ex.Archived() || !ex.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, c := range m.computations {
			if c.ExecutionID == id && c.State == StateNotSet {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
