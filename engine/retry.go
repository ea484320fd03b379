package engine

import (
	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

// retryDecision implements the retry policy: given the current
// value snapshot, a node's gate, the node's max_retries, and every prior
// computation for (execution, node), decide whether another attempt should
// be enqueued.
func retryDecision(values map[string]store.Value, def graphdef.NodeDef, history []store.Computation) store.RetryDecision {
	res := graphdef.Evaluate(values, def.GatedBy, graphdef.ModeCompute)

	var maxUpstreamRev int64
	for _, c := range res.ConditionsMet {
		if v := values[c.Node]; v.ExRevision > maxUpstreamRev {
			maxUpstreamRev = v.ExRevision
		}
	}

	attemptsAtLevel := 0
	for _, c := range history {
		if c.ExRevisionAtStart >= maxUpstreamRev {
			attemptsAtLevel++
		}
	}

	return store.RetryDecision{
		ShouldRetry: attemptsAtLevel < def.MaxRetries,
		NodeType:    def.Type,
	}
}

// permanentlyFailed reports whether a node's failure history means
// get_value must surface {error, computation_failed} per the same rule the
// retry policy uses.
func permanentlyFailed(values map[string]store.Value, def graphdef.NodeDef, history []store.Computation) bool {
	if len(history) == 0 {
		return false
	}
	newest := history[0]
	for _, c := range history {
		if c.Attempt > newest.Attempt {
			newest = c
		}
	}
	if newest.State != store.StateFailed {
		return false
	}
	return !retryDecision(values, def, history).ShouldRetry
}
