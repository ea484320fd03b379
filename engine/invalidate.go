package engine

import (
	"context"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// invalidate runs the invalidator: repeatedly clears
// compute-typed values whose gate no longer holds, until a pass clears
// zero values. Mutate, schedule, and historian values are never cleared
// here — they preserve their values across gate transitions by design.
func (e *Engine) invalidate(ctx context.Context, g *graphdef.Graph, executionID string) error {
	for {
		cleared, err := e.invalidatePass(ctx, g, executionID)
		if err != nil {
			return err
		}
		if cleared == 0 {
			return nil
		}
	}
}

func (e *Engine) invalidatePass(ctx context.Context, g *graphdef.Graph, executionID string) (int, error) {
	values, err := e.store.Values(ctx, executionID)
	if err != nil {
		return 0, err
	}

	var toClear []string
	for name, v := range values {
		if v.NodeType != store.NodeCompute || !v.Set() {
			continue
		}
		def, ok := g.Node(name)
		if !ok {
			continue // node removed from a newer graph version; leave it be
		}
		res := graphdef.Evaluate(values, def.GatedBy, graphdef.ModeInvalidate)
		if !res.Ready {
			toClear = append(toClear, name)
		}
	}

	for _, name := range toClear {
		if err := e.store.ClearCompute(ctx, executionID, name); err != nil {
			return 0, err
		}
		e.cfg.metrics.ObserveInvalidation(g.Name, name)
		e.emit(e.nodeEvent(executionID, name, "invalidated"))
	}
	return len(toClear), nil
}
