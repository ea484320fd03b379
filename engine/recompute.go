package engine

import (
	"context"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// recompute runs the recompute engine: finds nodes whose latest
// success is stale against the current value snapshot and enqueues a fresh
// attempt for each, all serialized per execution by a transaction-scoped
// advisory lock so concurrent advance() callers never race each other's
// staleness check.
func (e *Engine) recompute(ctx context.Context, g *graphdef.Graph, executionID string) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := e.store.LockExecutionInTx(ctx, tx, e.cfg.advisoryNamespace, executionID); err != nil {
			return err
		}

		values, err := e.store.Values(ctx, executionID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSuccess(ctx, executionID)
		if err != nil {
			return err
		}

		for name, comp := range latest {
			def, ok := g.Node(name)
			if !ok {
				continue
			}
			res := graphdef.Evaluate(values, def.GatedBy, graphdef.ModeCompute)
			if !res.Ready {
				continue
			}
			if !isStale(values, res, comp) {
				continue
			}
			inserted, err := e.store.InsertComputationIfAbsent(ctx, executionID, name, def.Type, comp.ExRevisionAtStart)
			if err != nil {
				return err
			}
			if inserted {
				e.cfg.metrics.ObserveRecompute(g.Name, name)
				e.emit(e.nodeEvent(executionID, name, "recompute_enqueued"))
			}
		}
		return nil
	})
}

// isStale implements step 3: some upstream in conditions_met has
// a revision greater than the prior computed_with entry for it, or some
// node in conditions_met is entirely absent from computed_with.
func isStale(values map[string]store.Value, res graphdef.Result, comp store.Computation) bool {
	for _, c := range res.ConditionsMet {
		v := values[c.Node]
		priorRev, known := comp.ComputedWith[c.Node]
		if !known || v.ExRevision > priorRev {
			return true
		}
	}
	return false
}
