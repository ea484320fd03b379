package graphdef

import "github.com/dshills/revgraph-go/store"

// Mode distinguishes the two predicate-evaluation contexts a gate can be
// evaluated under. revgraph makes Predicate mode-aware rather than keeping
// two gate trees: a predicate may consult mode to special-case
// invalidation, but the built-in Provided behaves identically in both.
type Mode int

const (
	// ModeCompute is used by the claim pass and the recompute engine:
	// "is this node ready to (re)compute right now".
	ModeCompute Mode = iota
	// ModeInvalidate is used by the invalidator: "does this node's gate
	// still hold, now that some upstream value may have changed".
	ModeInvalidate
)

// Predicate is a unary, named test over an upstream node's current value
// row. Name identifies the predicate for {upstream_node, predicate}
// condition reporting.
type Predicate struct {
	Name string
	Test func(v store.Value, mode Mode) bool
}

// Provided is the built-in predicate set_time != nil.
func Provided() Predicate {
	return Predicate{
		Name: "provided?",
		Test: func(v store.Value, _ Mode) bool { return v.Set() },
	}
}

// Kind tags a Gate node's shape for the pure evaluator below.
type Kind int

const (
	KindLeaf Kind = iota
	KindAnd
	KindOr
	KindNot
)

// Gate is a boolean expression tree over upstream nodes:
//
//	gate ::= (node_name, predicate) | {and, [gate...]} | {or, [gate...]} | {not, gate}
//
// Only the tree shape is a Gate value; predicate closures are not
// serialized, since graph definitions live in code, not a data format.
type Gate struct {
	Kind      Kind
	Node      string    // KindLeaf only
	Predicate Predicate // KindLeaf only
	Children  []Gate    // KindAnd/KindOr
	Child     *Gate     // KindNot
}

// Leaf builds a single (node, predicate) condition.
func Leaf(node string, pred Predicate) Gate {
	return Gate{Kind: KindLeaf, Node: node, Predicate: pred}
}

// And combines gates conjunctively.
func And(gates ...Gate) Gate { return Gate{Kind: KindAnd, Children: gates} }

// Or combines gates disjunctively.
func Or(gates ...Gate) Gate { return Gate{Kind: KindOr, Children: gates} }

// Not negates a gate.
func Not(g Gate) Gate { return Gate{Kind: KindNot, Child: &g} }

// Names desugars a plain node-name list into {and, [(n, provided?) ...]},
// the shorthand for "ready once every one of these nodes has a value".
func Names(nodes ...string) Gate {
	leaves := make([]Gate, len(nodes))
	for i, n := range nodes {
		leaves[i] = Leaf(n, Provided())
	}
	return And(leaves...)
}

// Condition is one (upstream_node, predicate) pair reported by Evaluate.
type Condition struct {
	Node      string
	Predicate string
}

// Result is the output of Evaluate.
type Result struct {
	Ready             bool
	ConditionsMet     []Condition
	ConditionsNotMet  []Condition
}

// Evaluate is the pure, deterministic Readiness Evaluator. The
// snapshot is assumed to have been taken inside a single SELECT within the
// enclosing transaction by the caller; Evaluate itself performs no I/O.
func Evaluate(snapshot map[string]store.Value, gate Gate, mode Mode) Result {
	var r Result
	r.Ready = evalNode(snapshot, gate, mode, &r)
	return r
}

func evalNode(snapshot map[string]store.Value, g Gate, mode Mode, r *Result) bool {
	switch g.Kind {
	case KindLeaf:
		v := snapshot[g.Node]
		ok := g.Predicate.Test(v, mode)
		c := Condition{Node: g.Node, Predicate: g.Predicate.Name}
		if ok {
			r.ConditionsMet = append(r.ConditionsMet, c)
		} else {
			r.ConditionsNotMet = append(r.ConditionsNotMet, c)
		}
		return ok
	case KindAnd:
		ok := true
		for _, child := range g.Children {
			if !evalNode(snapshot, child, mode, r) {
				ok = false
			}
		}
		return ok
	case KindOr:
		ok := false
		for _, child := range g.Children {
			if evalNode(snapshot, child, mode, r) {
				ok = true
			}
		}
		return ok
	case KindNot:
		// Not's subtree conditions are still reported (for
		// introspection) but do not themselves gate readiness beyond
		// the negated boolean.
		sub := Result{}
		inner := evalNode(snapshot, *g.Child, mode, &sub)
		r.ConditionsMet = append(r.ConditionsMet, sub.ConditionsMet...)
		r.ConditionsNotMet = append(r.ConditionsNotMet, sub.ConditionsNotMet...)
		return !inner
	default:
		return false
	}
}

// UpstreamNodes returns the set of node names referenced anywhere in the
// gate tree, used to build a worker's value-nodes snapshot and to compute an execution-wide dependency set.
func UpstreamNodes(g Gate) []string {
	seen := map[string]bool{}
	var walk func(Gate)
	walk = func(g Gate) {
		switch g.Kind {
		case KindLeaf:
			seen[g.Node] = true
		case KindAnd, KindOr:
			for _, c := range g.Children {
				walk(c)
			}
		case KindNot:
			walk(*g.Child)
		}
	}
	walk(g)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out
}
