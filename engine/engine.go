// Package engine implements the scheduler, revision/recompute machinery,
// computation lifecycle, and public API surface of the dataflow engine: the
// advance loop that drives every execution toward fixed point.
package engine

import (
	"context"
	"fmt"

	"github.com/dshills/revgraph-go/emit"
	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// recomputeLockNamespace is the default advisory-lock namespace for the
// recompute engine's per-execution serialization. Sweepers use
// store.SweepLockNamespace, a distinct constant, so the two subsystems
// never collide on the same (namespace, key) space.
const recomputeLockNamespace int32 = 0x5276_4752 // "RvGR"

// Engine ties a Store and a graph Catalog together into the runnable core:
// StartExecution/SetValue/UnsetValue/GetValue/Values/Load/Archive/History
// plus the internal advance loop (invalidate -> recompute -> claim ->
// launch) that every mutation triggers.
//
// An Engine is safe for concurrent use by many goroutines, and safe to run
// as multiple replicas against the same Store: all coordination invariants
// are enforced by the store's transactions and advisory locks, not by
// in-process state.
type Engine struct {
	store   store.Store
	catalog *graphdef.Catalog
	cfg     engineConfig

	heartbeats *heartbeatRegistry
}

// New constructs an Engine over s, resolving graph definitions through
// catalog. Options configure heartbeat cadence, metrics, and the
// observability emitter, among others; see options.go.
func New(s store.Store, catalog *graphdef.Catalog, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("engine: applying option: %w", err)
		}
	}
	return &Engine{
		store:      s,
		catalog:    catalog,
		cfg:        cfg,
		heartbeats: newHeartbeatRegistry(),
	}, nil
}

func (e *Engine) emit(ev emit.Event) {
	e.cfg.emitter.Emit(ev)
}

// nodeEvent builds a standard per-node emit.Event; Step is left at zero
// (the emitter is best-effort observability, not an audit trail — the store
// is that).
func (e *Engine) nodeEvent(executionID, nodeName, msg string) emit.Event {
	return emit.Event{RunID: executionID, NodeID: nodeName, Msg: msg}
}

// graphOf resolves an execution's graph definition, wrapping lookup failure
// the way the engine requires: raised straight to the caller, never persisted
// to a value or computation row.
func (e *Engine) graphOf(ctx context.Context, executionID string) (*graphdef.Graph, store.Execution, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, store.Execution{}, err
	}
	g, err := e.catalog.Lookup(ex.GraphName, ex.GraphVersion)
	if err != nil {
		return nil, store.Execution{}, err
	}
	return g, ex, nil
}
