package sweep_test

import (
	"testing"

	"github.com/dshills/revgraph-go/store"
)

func newMemoryStore(t *testing.T) store.Store {
	t.Helper()
	return store.NewMemory()
}

func sweepSeeds() []store.NodeSeed {
	return []store.NodeSeed{
		{Name: "a", Type: store.NodeInput},
		{Name: "sum", Type: store.NodeCompute, MaxRetries: 3},
		{Name: "once", Type: store.NodeScheduleOnce},
		{Name: "recurring", Type: store.NodeScheduleRecurring},
	}
}
