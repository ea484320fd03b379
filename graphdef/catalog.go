package graphdef

import (
	"fmt"
	"sync"

	"github.com/dshills/revgraph-go/store"
)

// Graph is a validated, immutable (name, version) graph definition.
type Graph struct {
	Name    string
	Version string
	Nodes   map[string]NodeDef
	OnSave  SaveFunc // graph-wide on-save hook, optional
}

// Node looks up a node by name within the graph.
func (g *Graph) Node(name string) (NodeDef, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// NodeSeeds returns the store.NodeSeed list CreateExecution needs.
func (g *Graph) NodeSeeds() []store.NodeSeed {
	seeds := make([]store.NodeSeed, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		seeds = append(seeds, store.NodeSeed{Name: n.Name, Type: n.Type, MaxRetries: n.MaxRetries})
	}
	return seeds
}

// Build validates a set of node definitions into a Graph: every gate and
// mutate target must reference a declared node, and there must be no
// duplicate names. Build is the graph-construction DSL's entry point; it
// is out of the engine core's scope beyond the builders in node.go/gate.go
// themselves.
func Build(name, version string, onSave SaveFunc, nodes ...NodeDef) (*Graph, error) {
	g := &Graph{Name: name, Version: version, Nodes: make(map[string]NodeDef, len(nodes)), OnSave: onSave}
	for _, n := range nodes {
		if _, dup := g.Nodes[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q in graph %s@%s", store.ErrGraphLookup, n.Name, name, version)
		}
		g.Nodes[n.Name] = n
	}
	for _, n := range g.Nodes {
		for _, upstream := range UpstreamNodes(n.GatedBy) {
			if _, ok := g.Nodes[upstream]; !ok {
				return nil, fmt.Errorf("%w: node %q gated_by unknown node %q", store.ErrGraphLookup, n.Name, upstream)
			}
		}
		if n.Type == store.NodeMutate {
			if _, ok := g.Nodes[n.Mutates]; !ok {
				return nil, fmt.Errorf("%w: mutate node %q targets unknown node %q", store.ErrGraphLookup, n.Name, n.Mutates)
			}
		}
	}
	return g, nil
}

// Catalog is the process-wide, in-memory registry of validated graph
// definitions keyed by (name, version). New graphs may be registered at
// runtime and removed with Unregister.
type Catalog struct {
	mu        sync.RWMutex
	graphs    map[string]*Graph
	unregistered map[string]bool
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*Graph), unregistered: make(map[string]bool)}
}

func key(name, version string) string { return name + "@" + version }

// Register adds or replaces a graph definition.
func (c *Catalog) Register(g *Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(g.Name, g.Version)
	c.graphs[k] = g
	delete(c.unregistered, k)
}

// Unregister removes a graph definition. Executions of it are neither
// deleted nor marked. The sweep package does not consult the Catalog, so
// sweepers do not skip those executions.
func (c *Catalog) Unregister(name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, version)
	delete(c.graphs, k)
	c.unregistered[k] = true
}

// Lookup returns the graph for (name, version), or store.ErrGraphLookup if
// it was never registered or has been unregistered.
func (c *Catalog) Lookup(name, version string) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[key(name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: graph %s@%s not registered", store.ErrGraphLookup, name, version)
	}
	return g, nil
}

// Loaded reports whether (name, version) currently resolves to a
// registered graph.
func (c *Catalog) Loaded(name, version string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.graphs[key(name, version)]
	return ok
}
