package graph

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/exploopio/attackmap/pkg/attack/attacktest"
	"github.com/exploopio/attackmap/pkg/errors"
)

func TestBuildStructural(t *testing.T) {
	g := BuildStructural(attacktest.Index(t))

	pc := NodeID(KindDataComponent, attacktest.ProcessCreation)
	if diff := cmp.Diff([]string{"AN0001", "AN0002", "AN0003"}, g.Targets(pc, EdgeLooksFor)); diff != "" {
		t.Errorf("looks_for targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"DET0001", "DET0002"}, g.Targets(pc, EdgeUses)); diff != "" {
		t.Errorf("uses targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"T1003", "T1003.001"}, g.Targets(NodeID(KindStrategy, "DET0002"), EdgeDetects)); diff != "" {
		t.Errorf("detects targets (-want +got):\n%s", diff)
	}
	for _, e := range g.Edges() {
		if e.Provenance != ProvenanceStructural {
			t.Fatalf("taxonomy edge %+v should be structural", e)
		}
	}
	if len(g.Nodes(KindProduct)) != 0 {
		t.Error("structural graph should have no products")
	}
}

func TestProductCoverage(t *testing.T) {
	g := BuildStructural(attacktest.Index(t))
	g.SetProduct("edr", "Acme EDR", []string{"Windows"}, []string{attacktest.ProcessCreation})

	res, err := ProductCoverage(g, "edr", Options{})
	if err != nil {
		t.Fatalf("ProductCoverage: %v", err)
	}
	if diff := cmp.Diff([]string{"T1003", "T1003.001", "T1059"}, res.Techniques()); diff != "" {
		t.Errorf("covered (-want +got):\n%s", diff)
	}

	want := []string{
		NodeID(KindProduct, "edr"),
		NodeID(KindDataComponent, attacktest.ProcessCreation),
		NodeID(KindStrategy, "DET0001"),
		NodeID(KindTechnique, "T1059"),
	}
	for _, r := range res.Reached {
		if r.TechniqueID != "T1059" {
			continue
		}
		if diff := cmp.Diff(want, r.Path); diff != "" {
			t.Errorf("path (-want +got):\n%s", diff)
		}
		if !r.Asserted {
			t.Error("path through a provides edge should be asserted")
		}
	}

	if _, err := ProductCoverage(g, "missing", Options{}); !errors.IsNotFound(err) {
		t.Errorf("missing product: got %v, want not found", err)
	}
}

func TestSetProduct_ReplacesProvides(t *testing.T) {
	g := BuildStructural(attacktest.Index(t))
	g.SetProduct("edr", "Acme EDR", nil, []string{attacktest.ProcessCreation})
	g.SetProduct("edr", "Acme EDR", nil, []string{attacktest.LogonSessionCreation})

	res, err := ProductCoverage(g, "edr", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"T1078"}, res.Techniques()); diff != "" {
		t.Errorf("covered after replacement (-want +got):\n%s", diff)
	}
}

func TestGlobalCoverage_DeletedProduct(t *testing.T) {
	g := BuildStructural(attacktest.Index(t))
	g.SetProduct("edr", "Acme EDR", nil, []string{attacktest.ProcessCreation})
	g.SetProduct("idp", "Acme IdP", nil, []string{attacktest.LogonSessionCreation})

	before := GlobalCoverage(g, Options{}).Techniques()
	if diff := cmp.Diff([]string{"T1003", "T1003.001", "T1059", "T1078"}, before); diff != "" {
		t.Errorf("global coverage (-want +got):\n%s", diff)
	}

	g.RemoveProduct("edr")
	after := GlobalCoverage(g, Options{})
	if diff := cmp.Diff([]string{"T1078"}, after.Techniques()); diff != "" {
		t.Errorf("global coverage after delete (-want +got):\n%s", diff)
	}
	for _, r := range after.Reached {
		for _, n := range r.Path {
			if n == NodeID(KindProduct, "edr") {
				t.Fatalf("path %v still runs through the deleted product", r.Path)
			}
		}
	}
	pc := NodeID(KindDataComponent, attacktest.ProcessCreation)
	for _, e := range g.In(pc) {
		if e.Type == EdgeProvides {
			t.Errorf("dangling provides edge %+v", e)
		}
	}
}

func TestTraverse_Cycle(t *testing.T) {
	g := New()
	p := NodeID(KindProduct, "p")
	a := NodeID(KindDataComponent, "a")
	b := NodeID(KindDataComponent, "b")
	s := NodeID(KindStrategy, "s")
	s2 := NodeID(KindStrategy, "s2")
	tech := NodeID(KindTechnique, "T1059")

	g.AddEdge(Edge{From: p, To: a, Type: EdgeProvides, Provenance: ProvenanceAsserted})
	g.AddEdge(Edge{From: a, To: b, Type: EdgeLooksFor})
	g.AddEdge(Edge{From: b, To: a, Type: EdgeLooksFor})
	g.AddEdge(Edge{From: a, To: s, Type: EdgeUses})
	g.AddEdge(Edge{From: b, To: s, Type: EdgeUses})
	g.AddEdge(Edge{From: s, To: s2, Type: EdgeDetects})
	g.AddEdge(Edge{From: s2, To: s, Type: EdgeDetects})
	g.AddEdge(Edge{From: s2, To: tech, Type: EdgeDetects})

	res := Traverse(g, []string{p}, Options{})
	if len(res.Reached) != 1 {
		t.Fatalf("reached %d techniques, want 1", len(res.Reached))
	}
	if diff := cmp.Diff([]string{p, a, s, s2, tech}, res.Reached[0].Path); diff != "" {
		t.Errorf("path (-want +got):\n%s", diff)
	}
}

func TestTraverse_MaxDepth(t *testing.T) {
	g := New()
	p := NodeID(KindProduct, "p")
	a := NodeID(KindDataComponent, "a")
	g.AddEdge(Edge{From: p, To: a, Type: EdgeProvides})
	g.AddEdge(Edge{From: a, To: NodeID(KindStrategy, "s0"), Type: EdgeUses})
	for i := 0; i < 12; i++ {
		g.AddEdge(Edge{From: NodeID(KindStrategy, fmt.Sprintf("s%d", i)), To: NodeID(KindStrategy, fmt.Sprintf("s%d", i+1)), Type: EdgeDetects})
	}
	g.AddEdge(Edge{From: NodeID(KindStrategy, "s12"), To: NodeID(KindTechnique, "T1000"), Type: EdgeDetects})

	tests := []struct {
		name     string
		maxDepth int
		want     int
	}{
		{"default cap cuts the chain", 0, 0},
		{"deep enough", 15, 1},
		{"one hop short", 14, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(Traverse(g, []string{p}, Options{MaxDepth: tt.maxDepth}).Reached); got != tt.want {
				t.Errorf("reached %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTraverse_DirectionRules(t *testing.T) {
	g := New()
	p := NodeID(KindProduct, "p")
	a := NodeID(KindDataComponent, "a")
	s := NodeID(KindStrategy, "s")
	g.AddEdge(Edge{From: p, To: a, Type: EdgeProvides})
	// A detects edge out of a component is not followed.
	g.AddEdge(Edge{From: a, To: NodeID(KindTechnique, "T1111"), Type: EdgeDetects})
	// Nor is a strategy's uses edge.
	g.AddEdge(Edge{From: a, To: s, Type: EdgeUses})
	g.AddEdge(Edge{From: s, To: NodeID(KindDataComponent, "b"), Type: EdgeUses})
	g.AddEdge(Edge{From: NodeID(KindDataComponent, "b"), To: NodeID(KindStrategy, "s3"), Type: EdgeUses})
	g.AddEdge(Edge{From: NodeID(KindStrategy, "s3"), To: NodeID(KindTechnique, "T2222"), Type: EdgeDetects})
	g.AddEdge(Edge{From: s, To: NodeID(KindTechnique, "T3333"), Type: EdgeDetects})

	got := Traverse(g, []string{p}, Options{}).Techniques()
	if diff := cmp.Diff([]string{"T3333"}, got); diff != "" {
		t.Errorf("reached (-want +got):\n%s", diff)
	}
}

func TestAddEdge_StructuralWins(t *testing.T) {
	g := New()
	e := Edge{From: NodeID(KindDataComponent, "a"), To: NodeID(KindStrategy, "s"), Type: EdgeUses}
	asserted := e
	asserted.Provenance = ProvenanceAsserted
	g.AddEdge(asserted)
	g.AddEdge(e)

	if _, edges := g.Len(); edges != 1 {
		t.Fatalf("edges = %d, want 1", edges)
	}
	if got := g.Out(e.From)[0].Provenance; got != ProvenanceStructural {
		t.Errorf("provenance = %s, want structural", got)
	}
	if got := g.In(e.To)[0].Provenance; got != ProvenanceStructural {
		t.Errorf("in-edge provenance = %s, want structural", got)
	}
}

func TestGaps(t *testing.T) {
	idx := attacktest.Index(t)
	universe := []string{"T1003", "T1003.001", "T1059", "T1059.001", "T1078", "T1110"}
	covered := []string{"T1078", "T1110"}

	tests := []struct {
		name     string
		platform []string
		want     []string
	}{
		{"no filter", nil, []string{"T1003", "T1003.001", "T1059", "T1059.001"}},
		{"linux", idx.TechniquesForPlatform("Linux"), []string{"T1059"}},
		{"empty platform", []string{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Gaps(covered, universe, tt.platform)); diff != "" {
				t.Errorf("Gaps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
