package graphdef_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/revgraph-go/graphdef"
	"github.com/dshills/revgraph-go/store"
)

func echoFn(_ context.Context, in graphdef.Inputs) graphdef.Outcome {
	return graphdef.Ok(in.Values["a"])
}

func TestBuildValidatesGateReferences(t *testing.T) {
	_, err := graphdef.Build("g", "v1", nil,
		graphdef.Input("a"),
		graphdef.Compute("sum", graphdef.Names("missing"), echoFn),
	)
	if !errors.Is(err, store.ErrGraphLookup) {
		t.Fatalf("expected store.ErrGraphLookup for an unknown gate dependency, got %v", err)
	}
}

func TestBuildValidatesMutateTarget(t *testing.T) {
	_, err := graphdef.Build("g", "v1", nil,
		graphdef.Input("a"),
		graphdef.Mutate("bump", graphdef.Names("a"), echoFn, "missing", true),
	)
	if !errors.Is(err, store.ErrGraphLookup) {
		t.Fatalf("expected store.ErrGraphLookup for an unknown mutate target, got %v", err)
	}
}

func TestBuildRejectsDuplicateNames(t *testing.T) {
	_, err := graphdef.Build("g", "v1", nil,
		graphdef.Input("a"),
		graphdef.Input("a"),
	)
	if !errors.Is(err, store.ErrGraphLookup) {
		t.Fatalf("expected store.ErrGraphLookup for a duplicate node name, got %v", err)
	}
}

func TestBuildAndNodeSeeds(t *testing.T) {
	g, err := graphdef.Build("g", "v1", nil,
		graphdef.Input("a"),
		graphdef.Compute("sum", graphdef.Names("a"), echoFn, graphdef.WithMaxRetries(5)),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	def, ok := g.Node("sum")
	if !ok {
		t.Fatal("expected sum node to exist")
	}
	if def.MaxRetries != 5 {
		t.Errorf("WithMaxRetries should override the default, got %d", def.MaxRetries)
	}

	seeds := g.NodeSeeds()
	if len(seeds) != 2 {
		t.Fatalf("expected 2 node seeds, got %d", len(seeds))
	}
}

func TestCatalogRegisterLookupUnregister(t *testing.T) {
	c := graphdef.NewCatalog()
	g, err := graphdef.Build("g", "v1", nil, graphdef.Input("a"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := c.Lookup("g", "v1"); !errors.Is(err, store.ErrGraphLookup) {
		t.Fatal("Lookup should fail before Register")
	}

	c.Register(g)
	got, err := c.Lookup("g", "v1")
	if err != nil {
		t.Fatalf("Lookup after Register: %v", err)
	}
	if got != g {
		t.Error("Lookup should return the exact registered *Graph")
	}
	if !c.Loaded("g", "v1") {
		t.Error("Loaded should report true for a registered graph")
	}

	c.Unregister("g", "v1")
	if c.Loaded("g", "v1") {
		t.Error("Loaded should report false after Unregister")
	}
	if _, err := c.Lookup("g", "v1"); !errors.Is(err, store.ErrGraphLookup) {
		t.Error("Lookup should fail after Unregister")
	}
}

func TestNodeDefaults(t *testing.T) {
	d := graphdef.Input("a")
	if d.Type != store.NodeInput {
		t.Errorf("Input should produce an input node, got %v", d.Type)
	}

	c := graphdef.Compute("sum", graphdef.Names("a"), echoFn)
	if c.MaxRetries != 3 {
		t.Errorf("default MaxRetries should be 3, got %d", c.MaxRetries)
	}
	if c.AbandonAfterSeconds != 60 {
		t.Errorf("default AbandonAfterSeconds should be 60, got %d", c.AbandonAfterSeconds)
	}

	arch := graphdef.Archive("done", graphdef.Names("a"))
	if arch.Type != store.NodeArchive {
		t.Errorf("Archive should produce an archive node, got %v", arch.Type)
	}
	out := arch.Compute(context.Background(), graphdef.Inputs{})
	if out.Err != nil {
		t.Errorf("Archive's synthetic compute func should never fail, got %v", out.Err)
	}
}
