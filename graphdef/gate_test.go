package graphdef_test

import (
	"testing"
	"time"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

func setValue(name string, v string) store.Value {
	now := time.Now()
	return store.Value{NodeName: name, NodeValue: store.RawValue(v), SetTime: &now}
}

func unsetValue(name string) store.Value {
	return store.Value{NodeName: name, NodeValue: store.Null}
}

func TestEvaluateLeaf(t *testing.T) {
	snapshot := map[string]store.Value{"a": setValue("a", "1")}
	g := graphdef.Leaf("a", graphdef.Provided())

	res := graphdef.Evaluate(snapshot, g, graphdef.ModeCompute)
	if !res.Ready {
		t.Fatal("expected leaf gate to be ready once its node is set")
	}
	if len(res.ConditionsMet) != 1 || res.ConditionsMet[0].Node != "a" {
		t.Errorf("expected a single met condition on node a, got %+v", res.ConditionsMet)
	}
}

func TestEvaluateAnd(t *testing.T) {
	g := graphdef.And(
		graphdef.Leaf("a", graphdef.Provided()),
		graphdef.Leaf("b", graphdef.Provided()),
	)

	notReady := graphdef.Evaluate(map[string]store.Value{
		"a": setValue("a", "1"),
		"b": unsetValue("b"),
	}, g, graphdef.ModeCompute)
	if notReady.Ready {
		t.Error("and-gate should not be ready when one branch is unmet")
	}
	if len(notReady.ConditionsNotMet) != 1 {
		t.Errorf("expected exactly one unmet condition, got %+v", notReady.ConditionsNotMet)
	}

	ready := graphdef.Evaluate(map[string]store.Value{
		"a": setValue("a", "1"),
		"b": setValue("b", "2"),
	}, g, graphdef.ModeCompute)
	if !ready.Ready {
		t.Error("and-gate should be ready when both branches are met")
	}
}

func TestEvaluateOr(t *testing.T) {
	g := graphdef.Or(
		graphdef.Leaf("a", graphdef.Provided()),
		graphdef.Leaf("b", graphdef.Provided()),
	)

	res := graphdef.Evaluate(map[string]store.Value{
		"a": unsetValue("a"),
		"b": setValue("b", "2"),
	}, g, graphdef.ModeCompute)
	if !res.Ready {
		t.Error("or-gate should be ready when at least one branch is met")
	}

	none := graphdef.Evaluate(map[string]store.Value{
		"a": unsetValue("a"),
		"b": unsetValue("b"),
	}, g, graphdef.ModeCompute)
	if none.Ready {
		t.Error("or-gate should not be ready when no branch is met")
	}
}

func TestEvaluateNot(t *testing.T) {
	g := graphdef.Not(graphdef.Leaf("a", graphdef.Provided()))

	res := graphdef.Evaluate(map[string]store.Value{"a": unsetValue("a")}, g, graphdef.ModeCompute)
	if !res.Ready {
		t.Error("not-gate should be ready when its child is unmet")
	}
	if len(res.ConditionsNotMet) != 1 {
		t.Errorf("not's inner conditions should still be reported for introspection, got %+v", res.ConditionsNotMet)
	}

	res2 := graphdef.Evaluate(map[string]store.Value{"a": setValue("a", "1")}, g, graphdef.ModeCompute)
	if res2.Ready {
		t.Error("not-gate should not be ready once its child is met")
	}
}

func TestNamesDesugars(t *testing.T) {
	g := graphdef.Names("a", "b", "c")
	if g.Kind != graphdef.KindAnd {
		t.Fatalf("Names should desugar to an and-gate, got kind %v", g.Kind)
	}
	if len(g.Children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(g.Children))
	}
	for _, c := range g.Children {
		if c.Kind != graphdef.KindLeaf || c.Predicate.Name != "provided?" {
			t.Errorf("expected a provided? leaf, got %+v", c)
		}
	}
}

func TestUpstreamNodes(t *testing.T) {
	g := graphdef.And(
		graphdef.Leaf("a", graphdef.Provided()),
		graphdef.Or(graphdef.Leaf("b", graphdef.Provided()), graphdef.Not(graphdef.Leaf("c", graphdef.Provided()))),
	)
	got := graphdef.UpstreamNodes(g)
	want := map[string]bool{"a": true, "b": true, "c": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d upstream nodes, got %v", len(want), got)
	}
	for _, n := range got {
		if !want[n] {
			t.Errorf("unexpected upstream node %q", n)
		}
	}
}

func TestModeAwarePredicate(t *testing.T) {
	invalidateAware := graphdef.Predicate{
		Name: "fresh_enough",
		Test: func(v store.Value, mode graphdef.Mode) bool {
			if mode == graphdef.ModeInvalidate {
				return true // never invalidates once set
			}
			return v.Set()
		},
	}
	g := graphdef.Leaf("a", invalidateAware)

	compute := graphdef.Evaluate(map[string]store.Value{"a": unsetValue("a")}, g, graphdef.ModeCompute)
	if compute.Ready {
		t.Error("ModeCompute should respect the unset value")
	}
	invalidate := graphdef.Evaluate(map[string]store.Value{"a": unsetValue("a")}, g, graphdef.ModeInvalidate)
	if !invalidate.Ready {
		t.Error("ModeInvalidate should see the predicate's special-cased behavior")
	}
}
