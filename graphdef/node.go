package graphdef

import (
	"context"
	"time"

	"github.com/dshills/revgraph-go/store"
)

// Outcome is the two-shape result a compute function returns: either a
// value to persist, or a reason the computation failed. It collapses the
// usual success/error split to a single tagged return since Go functions
// return at most one non-error value idiomatically
type Outcome struct {
	Value any   // JSON-encodable; ignored when Err != nil
	Err   error // non-nil means {error, reason}
}

// Ok builds a successful Outcome.
func Ok(value any) Outcome { return Outcome{Value: value} }

// Failed builds a failed Outcome.
func Failed(err error) Outcome { return Outcome{Err: err} }

// ValueMeta is what a compute function sees for one upstream node: its
// decoded value, revision, and whether it is currently set. Exposing this
// (rather than only the bare value) is what lets revgraph express "arity 1
// or 2" compute functions as a single Go function type:
// a node that only needs plain values reads Inputs.Values; a node that also
// needs provenance (e.g. to decide retries, or to build computed_with-aware
// logic of its own) reads Inputs.Meta.
type ValueMeta struct {
	Value      any
	Set        bool
	ExRevision int64
	SetTime    *time.Time
}

// Inputs is what the engine hands to a ComputeFunc: the decoded,
// user-visible value map for every node whose condition was met at claim
// time, plus per-node metadata for the gate's
// dependency set.
type Inputs struct {
	ExecutionID string
	NodeName    string
	Values      map[string]any
	Meta        map[string]ValueMeta
}

// ComputeFunc is a node's side-effecting body.
type ComputeFunc func(ctx context.Context, in Inputs) Outcome

// SaveFunc is an f_on_save callback, invoked best-effort after a
// successful write.
type SaveFunc func(ctx context.Context, in Inputs, value any)

// NodeDef is an immutable, in-memory graph node record. The Graph Catalog owns these for the life of the process.
type NodeDef struct {
	Name    string
	Type    store.NodeType
	GatedBy Gate

	Compute ComputeFunc
	OnSave  SaveFunc

	// Mutate-only.
	Mutates                string
	UpdateRevisionOnChange bool

	// Historian-only; 0 means unlimited.
	MaxEntries int

	MaxRetries         int
	AbandonAfterSeconds int
}

const (
	defaultMaxRetries          = 3
	defaultAbandonAfterSeconds = 60
)

// Option configures a node at construction time.
type Option func(*NodeDef)

// WithMaxRetries overrides the default of 3.
func WithMaxRetries(n int) Option { return func(d *NodeDef) { d.MaxRetries = n } }

// WithAbandonAfter overrides the default of 60s.
func WithAbandonAfter(d time.Duration) Option {
	return func(def *NodeDef) { def.AbandonAfterSeconds = int(d.Seconds()) }
}

// WithOnSave attaches a per-node save callback.
func WithOnSave(fn SaveFunc) Option { return func(d *NodeDef) { d.OnSave = fn } }

// WithMaxEntries bounds a historian node's append-only list (0 = unlimited).
func WithMaxEntries(n int) Option { return func(d *NodeDef) { d.MaxEntries = n } }

func newDef(name string, typ store.NodeType, opts []Option) *NodeDef {
	d := &NodeDef{
		Name:                name,
		Type:                typ,
		MaxRetries:          defaultMaxRetries,
		AbandonAfterSeconds: defaultAbandonAfterSeconds,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Input declares a user-supplied input node. Input nodes have no
// computation.
func Input(name string) NodeDef {
	return *newDef(name, store.NodeInput, nil)
}

// Compute declares a pure-ish derived node gated by gatedBy.
func Compute(name string, gatedBy Gate, fn ComputeFunc, opts ...Option) NodeDef {
	d := newDef(name, store.NodeCompute, opts)
	d.GatedBy = gatedBy
	d.Compute = fn
	return *d
}

// Mutate declares a node whose successful computation writes to another
// node (mutates) rather than (only) to itself.
func Mutate(name string, gatedBy Gate, fn ComputeFunc, mutates string, updateRevisionOnChange bool, opts ...Option) NodeDef {
	d := newDef(name, store.NodeMutate, opts)
	d.GatedBy = gatedBy
	d.Compute = fn
	d.Mutates = mutates
	d.UpdateRevisionOnChange = updateRevisionOnChange
	return *d
}

// ScheduleOnce declares a node whose compute function returns an epoch
// second used to gate downstream nodes on time.
func ScheduleOnce(name string, gatedBy Gate, fn ComputeFunc, opts ...Option) NodeDef {
	d := newDef(name, store.NodeScheduleOnce, opts)
	d.GatedBy = gatedBy
	d.Compute = fn
	return *d
}

// ScheduleRecurring declares a schedule node regenerated by the
// RegenerateScheduleRecurring sweeper once its last pulse has fired.
func ScheduleRecurring(name string, gatedBy Gate, fn ComputeFunc, opts ...Option) NodeDef {
	d := newDef(name, store.NodeScheduleRecurring, opts)
	d.GatedBy = gatedBy
	d.Compute = fn
	return *d
}

// Historian declares an append-only, newest-first log node.
func Historian(name string, gatedBy Gate, fn ComputeFunc, opts ...Option) NodeDef {
	d := newDef(name, store.NodeHistorian, opts)
	d.GatedBy = gatedBy
	d.Compute = fn
	return *d
}

// Archive declares a node that archives its execution once gatedBy holds.
func Archive(name string, gatedBy Gate, opts ...Option) NodeDef {
	d := newDef(name, store.NodeArchive, opts)
	d.GatedBy = gatedBy
	d.Compute = func(_ context.Context, _ Inputs) Outcome { return Ok(time.Now().Unix()) }
	return *d
}
