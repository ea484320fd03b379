package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// launchWorker runs one claimed computation to completion and,
// on return, calls advance again so results cascade. It is always called
// as `go e.launchWorker(...)` by the scheduler; callers must not block on
// it directly.
func (e *Engine) launchWorker(parent context.Context, g *graphdef.Graph, ex store.Execution, def graphdef.NodeDef, comp store.Computation, values map[string]store.Value) {
	start := time.Now()

	workerCtx, cancelWorker := context.WithCancel(parent)
	defer cancelWorker()
	hbCtx, cancelHeartbeat := context.WithCancel(parent)

	e.heartbeats.add(comp.ID, func() {
		cancelHeartbeat()
		cancelWorker()
	})
	go e.runHeartbeat(hbCtx, comp.ID, e.cfg.heartbeatInterval, e.cfg.heartbeatTimeout, e.cfg.heartbeatBuffer, cancelWorker)

	in := e.buildInputs(ex.ID, def, values)
	outcome := def.Compute(workerCtx, in)
	cancelHeartbeat()

	status := "success"
	if outcome.Err != nil {
		status = "failed"
	}
	e.cfg.metrics.ObserveDuration(g.Name, def.Name, status, float64(time.Since(start).Milliseconds()))

	if outcome.Err != nil {
		e.recordFailure(parent, g, def, comp, outcome.Err)
	} else {
		e.recordSuccess(parent, g, def, comp, outcome.Value, in)
	}

	if err := e.Advance(parent, ex.ID); err != nil {
		e.emit(e.nodeEvent(ex.ID, def.Name, "advance_after_worker_failed: "+err.Error()))
	}
}

// buildInputs snapshots the worker's view of the world:
// user-visible values for every node the gate depends on, plus metadata.
func (e *Engine) buildInputs(executionID string, def graphdef.NodeDef, values map[string]store.Value) graphdef.Inputs {
	upstream := graphdef.UpstreamNodes(def.GatedBy)
	in := graphdef.Inputs{
		ExecutionID: executionID,
		NodeName:    def.Name,
		Values:      make(map[string]any, len(upstream)),
		Meta:        make(map[string]graphdef.ValueMeta, len(upstream)),
	}
	for _, name := range upstream {
		v, ok := values[name]
		if !ok {
			continue
		}
		var decoded any
		if v.Set() {
			_ = json.Unmarshal(v.NodeValue, &decoded)
			in.Values[name] = decoded
		}
		in.Meta[name] = graphdef.ValueMeta{Value: decoded, Set: v.Set(), ExRevision: v.ExRevision, SetTime: v.SetTime}
	}
	return in
}

// computedWith captures {node_name -> ex_revision} for nodes whose
// condition was met at claim time.
func computedWith(values map[string]store.Value, gate graphdef.Gate) map[string]int64 {
	res := graphdef.Evaluate(values, gate, graphdef.ModeCompute)
	out := make(map[string]int64, len(res.ConditionsMet))
	for _, c := range res.ConditionsMet {
		out[c.Node] = values[c.Node].ExRevision
	}
	return out
}

func (e *Engine) recordSuccess(ctx context.Context, g *graphdef.Graph, def graphdef.NodeDef, comp store.Computation, value any, in graphdef.Inputs) {
	encoded, err := json.Marshal(value)
	if err != nil {
		e.recordFailure(ctx, g, def, comp, err)
		return
	}

	write := store.ValueWrite{
		Value:                  encoded,
		ComputedWith:           comp.ComputedWith,
		MutateTarget:           def.Mutates,
		UpdateRevisionOnChange: def.UpdateRevisionOnChange,
		MaxEntries:             def.MaxEntries,
	}
	applied, err := e.store.RecordSuccess(ctx, comp.ID, write)
	if err != nil {
		e.emit(e.nodeEvent(comp.ExecutionID, def.Name, "record_success_error: "+err.Error()))
		return
	}
	if !applied {
		// state had already moved away from computing (e.g. abandoned by
		// a sweeper racing the worker); step 5a: log and drop.
		e.emit(e.nodeEvent(comp.ExecutionID, def.Name, "success_dropped_stale_state"))
		return
	}

	e.emit(e.nodeEvent(comp.ExecutionID, def.Name, "success"))
	e.runSaveCallbacks(ctx, g, def, in, value)
}

func (e *Engine) runSaveCallbacks(ctx context.Context, g *graphdef.Graph, def graphdef.NodeDef, in graphdef.Inputs, value any) {
	// Best-effort: panics and errors are swallowed and
	// logged, never allowed to affect the computation's recorded outcome.
	safe := func(fn graphdef.SaveFunc) {
		defer func() {
			if r := recover(); r != nil {
				e.emit(e.nodeEvent(in.ExecutionID, def.Name, "on_save_panic"))
			}
		}()
		fn(ctx, in, value)
	}
	if def.OnSave != nil {
		safe(def.OnSave)
	}
	if g.OnSave != nil {
		safe(g.OnSave)
	}
}

func (e *Engine) recordFailure(ctx context.Context, g *graphdef.Graph, def graphdef.NodeDef, comp store.Computation, cause error) {
	reason := cause.Error()
	if len(reason) > 1000 {
		reason = reason[:1000]
	}

	values, err := e.store.Values(ctx, comp.ExecutionID)
	if err != nil {
		e.emit(e.nodeEvent(comp.ExecutionID, def.Name, "record_failure_snapshot_error: "+err.Error()))
		values = map[string]store.Value{}
	}
	history, err := e.store.Computations(ctx, comp.ExecutionID, def.Name)
	if err != nil {
		history = nil
	}
	decision := retryDecision(values, def, history)

	if err := e.store.RecordFailure(ctx, comp.ID, reason, decision); err != nil {
		e.emit(e.nodeEvent(comp.ExecutionID, def.Name, "record_failure_error: "+err.Error()))
		return
	}
	if decision.ShouldRetry {
		e.cfg.metrics.ObserveRetry(g.Name, def.Name)
	}
	e.emit(e.nodeEvent(comp.ExecutionID, def.Name, "failed: "+reason))
}
