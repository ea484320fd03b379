package engine

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// claimableTypes are the computation_type values the claim pass considers
// — every node type except input, which has no
// computation row at all.
var claimableTypes = []store.NodeType{
	store.NodeCompute,
	store.NodeMutate,
	store.NodeScheduleOnce,
	store.NodeScheduleRecurring,
	store.NodeHistorian,
	store.NodeArchive,
}

// Advance performs one fixed-point step for an execution:
// invalidate, recompute, claim, launch. It is idempotent and safe to call
// concurrently from many callers — row locks and atomic state transitions
// in the store ensure a computation is claimed by at most one caller.
func (e *Engine) Advance(ctx context.Context, executionID string) error {
	g, ex, err := e.graphOf(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Archived() {
		return nil
	}

	if err := e.invalidate(ctx, g, executionID); err != nil {
		return err
	}
	if err := e.recompute(ctx, g, executionID); err != nil {
		return err
	}

	claimed, values, err := e.claim(ctx, g, executionID)
	if err != nil {
		return err
	}

	for _, comp := range claimed {
		def, ok := g.Node(comp.NodeName)
		if !ok {
			continue
		}
		e.cfg.metrics.ObserveClaim(g.Name, def.Name, string(comp.ComputationType))
		e.emit(e.nodeEvent(executionID, def.Name, "claimed"))
		go e.launchWorker(context.WithoutCancel(ctx), g, ex, def, comp, values)
	}
	return nil
}

// claim runs the claim pass: one transaction that locks
// every not_set candidate, evaluates readiness against a single snapshot,
// and transitions the ready ones to computing.
func (e *Engine) claim(ctx context.Context, g *graphdef.Graph, executionID string) ([]store.Computation, map[string]store.Value, error) {
	var snapshot map[string]store.Value

	ready := func(values map[string]store.Value, candidate store.Computation) (map[string]int64, time.Duration, bool) {
		snapshot = values
		def, ok := g.Node(candidate.NodeName)
		if !ok {
			return nil, 0, false
		}
		res := graphdef.Evaluate(values, def.GatedBy, graphdef.ModeCompute)
		if !res.Ready {
			return nil, 0, false
		}
		abandonAfter := time.Duration(def.AbandonAfterSeconds) * time.Second
		return computedWith(values, def.GatedBy), abandonAfter, true
	}

	claimed, err := e.store.ClaimReady(ctx, executionID, claimableTypes, ready)
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil {
		// No candidates were evaluated; still need a snapshot for callers
		// that assume claim always returns one (keeps launchWorker simple).
		snapshot, err = e.store.Values(ctx, executionID)
		if err != nil {
			return nil, nil, err
		}
	}
	return claimed, snapshot, nil
}
