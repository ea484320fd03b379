// Package httptool provides a minimal interface for compute-node side
// effects: paging a human, posting a webhook, calling an internal API. A
// node's compute function stays a pure function of its Inputs plus one of
// these dispatch calls; it does not need to know whether the dispatch is a
// real HTTP request or a test double.
package httptool

import "context"

// Tool is a named side effect a compute function can invoke after deciding
// what action a node's inputs warrant.
//
// Implementations should validate the input map, respect ctx cancellation,
// and return a result map the calling compute function can fold into its
// Outcome. A Tool has no opinion about retries or idempotence beyond what
// the engine's own node retry policy already provides.
type Tool interface {
	// Name identifies the tool for logging and dispatch tables.
	Name() string

	// Call executes the side effect and returns its result, or an error
	// the calling compute function can turn into graphdef.Failed.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}
