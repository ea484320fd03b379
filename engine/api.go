package engine

import (
	"context"
	"encoding/json"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// StartExecution creates a new execution of a registered graph and
// triggers the first advance so any gate-free nodes (e.g. a schedule_once
// with an empty gate) run immediately.
func (e *Engine) StartExecution(ctx context.Context, graphName, graphVersion string) (store.Execution, error) {
	g, err := e.catalog.Lookup(graphName, graphVersion)
	if err != nil {
		return store.Execution{}, err
	}
	ex, err := e.store.CreateExecution(ctx, g.Name, g.Version, g.NodeSeeds())
	if err != nil {
		return store.Execution{}, err
	}
	if err := e.Advance(ctx, ex.ID); err != nil {
		return ex, err
	}
	return ex, nil
}

// SetValue writes an input node's value and drives the advance loop.
// value is marshaled to JSON; pass a Go nil for JSON null.
func (e *Engine) SetValue(ctx context.Context, executionID, nodeName string, value any) (store.Execution, error) {
	if err := e.checkNodeType(ctx, executionID, nodeName, store.NodeInput); err != nil {
		return store.Execution{}, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return store.Execution{}, err
	}
	res, err := e.store.SetValue(ctx, executionID, nodeName, encoded)
	if err != nil {
		return store.Execution{}, err
	}
	if res.Changed {
		if err := e.Advance(ctx, executionID); err != nil {
			return res.Execution, err
		}
	}
	return res.Execution, nil
}

// UnsetValue clears an input node's value,
// symmetric to SetValue, and drives the advance loop — the invalidator
// will cascade-clear any compute node whose gate depended on it.
func (e *Engine) UnsetValue(ctx context.Context, executionID, nodeName string) (store.Execution, error) {
	if err := e.checkNodeType(ctx, executionID, nodeName, store.NodeInput); err != nil {
		return store.Execution{}, err
	}
	res, err := e.store.UnsetValue(ctx, executionID, nodeName)
	if err != nil {
		return store.Execution{}, err
	}
	if res.Changed {
		if err := e.Advance(ctx, executionID); err != nil {
			return res.Execution, err
		}
	}
	return res.Execution, nil
}

func (e *Engine) checkNodeType(ctx context.Context, executionID, nodeName string, want store.NodeType) error {
	// Only the graph/node lookup is checked here; value existence is the
	// store's concern. Resolving the graph requires an extra round trip,
	// acceptable since set_value/unset_value are not hot-loop operations
	// the way claim/heartbeat are.
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	g, err := e.catalog.Lookup(ex.GraphName, ex.GraphVersion)
	if err != nil {
		return err
	}
	def, ok := g.Node(nodeName)
	if !ok {
		return store.ErrGraphLookup
	}
	if def.Type != want {
		return store.ErrGraphLookup
	}
	return nil
}

// Values returns the user-visible value map for an execution: every
// non-system node, decoded from JSON, keyed by node name, "set" values
// only.
func (e *Engine) Values(ctx context.Context, executionID string) (map[string]any, error) {
	raw, err := e.store.Values(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for name, v := range raw {
		if name == "execution_id" || name == "last_updated_at" || !v.Set() {
			continue
		}
		out[name] = decodeValue(v)
	}
	return out, nil
}

// ValuesAll returns every value row (including unset and system values),
// for introspection/debugging callers.
func (e *Engine) ValuesAll(ctx context.Context, executionID string) (map[string]store.Value, error) {
	return e.store.Values(ctx, executionID)
}

// Load fetches an execution by id. includeArchived mirrors
// ListOptions.IncludeArchived: when false, Load returns store.ErrNotFound
// for an archived execution.
func (e *Engine) Load(ctx context.Context, executionID string, includeArchived bool) (store.Execution, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return store.Execution{}, err
	}
	if ex.Archived() && !includeArchived {
		return store.Execution{}, store.ErrNotFound
	}
	return ex, nil
}

// Archive marks an execution archived; sweepers will then skip it.
func (e *Engine) Archive(ctx context.Context, executionID string) error {
	return e.store.ArchiveExecution(ctx, executionID)
}

// Unarchive reverses Archive and re-triggers advance, since sweepers were
// skipping this execution while archived.
func (e *Engine) Unarchive(ctx context.Context, executionID string) error {
	if err := e.store.UnarchiveExecution(ctx, executionID); err != nil {
		return err
	}
	return e.Advance(ctx, executionID)
}

// HistoryEntry is one computation attempt as surfaced by History.
type HistoryEntry struct {
	NodeName string
	store.Computation
}

// History returns every computation attempt for an execution, grouped
// implicitly by NodeName.
func (e *Engine) History(ctx context.Context, executionID string) ([]HistoryEntry, error) {
	comps, err := e.store.AllComputations(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(comps))
	for i, c := range comps {
		out[i] = HistoryEntry{NodeName: c.NodeName, Computation: c}
	}
	return out, nil
}

// ListExecutions implements the listing API, delegating filtering
// and sorting entirely to the store (different backends may push this down
// to SQL or, for Memory, apply it in process).
func (e *Engine) ListExecutions(ctx context.Context, opts store.ListOptions) ([]store.Execution, error) {
	return e.store.ListExecutions(ctx, opts)
}

// RegisterGraph is a thin pass-through to the Catalog, exposed on Engine so
// callers configuring a process only need to hold one handle.
func (e *Engine) RegisterGraph(g *graphdef.Graph) {
	e.catalog.Register(g)
}
