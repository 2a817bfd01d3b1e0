package graph

import (
	"github.com/exploopio/attackmap/pkg/attack"
)

// BuildStructural derives the taxonomy part of the graph: every technique,
// strategy, analytic and data component, with looks_for, uses and detects
// edges between them.
func BuildStructural(idx *attack.Index) *Graph {
	g := New()

	for _, dc := range idx.DataComponents() {
		g.AddNode(Node{Kind: KindDataComponent, Key: dc.ID, Name: dc.Name})
	}
	for _, tid := range idx.Techniques() {
		t, err := idx.GetTechnique(tid)
		if err != nil {
			continue
		}
		g.AddNode(Node{Kind: KindTechnique, Key: t.ID, Name: t.Name, Platforms: t.Platforms})
	}
	for _, a := range idx.Analytics() {
		analytic := NodeID(KindAnalytic, a.ID)
		g.AddNode(Node{ID: analytic, Kind: KindAnalytic, Key: a.ID, Name: a.Name, Platforms: a.Platforms})
		for _, ls := range a.LogSources {
			if _, ok := idx.GetDataComponent(ls.DataComponentID); !ok {
				continue
			}
			g.AddEdge(Edge{From: NodeID(KindDataComponent, ls.DataComponentID), To: analytic, Type: EdgeLooksFor})
		}
	}
	for _, s := range idx.Strategies() {
		strategy := NodeID(KindStrategy, s.ID)
		g.AddNode(Node{ID: strategy, Kind: KindStrategy, Key: s.ID, Name: s.Name})
		for _, aid := range s.AnalyticIDs {
			a, ok := idx.GetAnalytic(aid)
			if !ok {
				continue
			}
			for _, ls := range a.LogSources {
				if _, ok := idx.GetDataComponent(ls.DataComponentID); !ok {
					continue
				}
				g.AddEdge(Edge{From: NodeID(KindDataComponent, ls.DataComponentID), To: strategy, Type: EdgeUses})
			}
		}
		for _, tid := range s.TechniqueIDs {
			if !idx.HasTechnique(tid) {
				continue
			}
			g.AddEdge(Edge{From: strategy, To: NodeID(KindTechnique, tid), Type: EdgeDetects})
		}
	}
	return g
}

// SetProduct upserts a product node and replaces its provides edges with
// one asserted edge per data component.
func (g *Graph) SetProduct(productID, name string, platforms, componentIDs []string) {
	id := NodeID(KindProduct, productID)
	g.AddNode(Node{ID: id, Kind: KindProduct, Key: productID, Name: name, Platforms: platforms})
	g.RemoveEdges(id, EdgeProvides)
	for _, dc := range componentIDs {
		g.AddEdge(Edge{From: id, To: NodeID(KindDataComponent, dc), Type: EdgeProvides, Provenance: ProvenanceAsserted})
	}
}

// RemoveProduct deletes a product node and its edges.
func (g *Graph) RemoveProduct(productID string) {
	g.RemoveNode(NodeID(KindProduct, productID))
}
