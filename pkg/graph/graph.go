// Package graph models product coverage as a typed graph and answers
// "which techniques does a product (or the whole estate) cover?" with a
// bounded breadth-first traversal.
//
// Schema:
//
//	product        -provides->  data_component
//	data_component -looks_for-> analytic
//	data_component -uses->      detection_strategy
//	detection_strategy -detects-> technique
//
// Structural edges come from the taxonomy; asserted edges (provides) come
// from fused product mappings.
package graph

import (
	"sort"
	"strings"
)

// NodeKind tags a node.
type NodeKind string

const (
	KindProduct       NodeKind = "product"
	KindDataComponent NodeKind = "data_component"
	KindTechnique     NodeKind = "technique"
	KindStrategy      NodeKind = "detection_strategy"
	KindAnalytic      NodeKind = "analytic"
)

// EdgeType tags an edge.
type EdgeType string

const (
	EdgeProvides EdgeType = "provides"
	EdgeLooksFor EdgeType = "looks_for"
	EdgeUses     EdgeType = "uses"
	EdgeDetects  EdgeType = "detects"
)

// Provenance records where an edge came from.
type Provenance string

const (
	// ProvenanceStructural edges are derived from the taxonomy.
	ProvenanceStructural Provenance = "structural"
	// ProvenanceAsserted edges are claims made by adapter mappings.
	ProvenanceAsserted Provenance = "asserted"
)

// Node is a graph vertex. Key is the kind-local identifier (technique ID,
// component STIX id, product ID).
type Node struct {
	ID        string   `json:"id"`
	Kind      NodeKind `json:"kind"`
	Key       string   `json:"key"`
	Name      string   `json:"name,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
}

// Edge is a directed, typed edge.
type Edge struct {
	From       string     `json:"from"`
	To         string     `json:"to"`
	Type       EdgeType   `json:"type"`
	Provenance Provenance `json:"provenance"`
}

// NodeID returns the graph ID of a node of kind with key.
func NodeID(kind NodeKind, key string) string {
	return string(kind) + ":" + key
}

// SplitNodeID is the inverse of NodeID.
func SplitNodeID(id string) (NodeKind, string) {
	kind, key, _ := strings.Cut(id, ":")
	return NodeKind(kind), key
}

type edgeKey struct {
	from, to string
	typ      EdgeType
}

// Graph is an in-memory adjacency structure. It is not safe for concurrent
// mutation; traversal only reads.
type Graph struct {
	nodes map[string]*Node
	order []string

	out   map[string][]Edge
	in    map[string][]Edge
	edges map[edgeKey]Provenance
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
		edges: make(map[edgeKey]Provenance),
	}
}

// AddNode inserts n, or updates name and platforms of an existing node.
// An empty n.ID is derived from Kind and Key.
func (g *Graph) AddNode(n Node) *Node {
	if n.ID == "" {
		n.ID = NodeID(n.Kind, n.Key)
	}
	if existing, ok := g.nodes[n.ID]; ok {
		if n.Name != "" {
			existing.Name = n.Name
		}
		if len(n.Platforms) > 0 {
			existing.Platforms = n.Platforms
		}
		return existing
	}
	node := n
	g.nodes[n.ID] = &node
	g.order = append(g.order, n.ID)
	return &node
}

// AddEdge inserts e. Endpoints missing from the graph are created with the
// kind encoded in their ID. A duplicate (from, to, type) keeps structural
// provenance over asserted.
func (g *Graph) AddEdge(e Edge) {
	for _, id := range []string{e.From, e.To} {
		if _, ok := g.nodes[id]; !ok {
			kind, key := SplitNodeID(id)
			g.AddNode(Node{ID: id, Kind: kind, Key: key})
		}
	}
	if e.Provenance == "" {
		e.Provenance = ProvenanceStructural
	}
	k := edgeKey{e.From, e.To, e.Type}
	if prev, dup := g.edges[k]; dup {
		if prev == ProvenanceAsserted && e.Provenance == ProvenanceStructural {
			g.edges[k] = ProvenanceStructural
			g.setProvenance(k, ProvenanceStructural)
		}
		return
	}
	g.edges[k] = e.Provenance
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
}

func (g *Graph) setProvenance(k edgeKey, p Provenance) {
	for i, e := range g.out[k.from] {
		if e.To == k.to && e.Type == k.typ {
			g.out[k.from][i].Provenance = p
		}
	}
	for i, e := range g.in[k.to] {
		if e.From == k.from && e.Type == k.typ {
			g.in[k.to][i].Provenance = p
		}
	}
}

// RemoveNode deletes a node and every edge incident to it.
func (g *Graph) RemoveNode(id string) {
	if _, ok := g.nodes[id]; !ok {
		return
	}
	for _, e := range g.out[id] {
		g.in[e.To] = dropEdge(g.in[e.To], e)
		delete(g.edges, edgeKey{e.From, e.To, e.Type})
	}
	for _, e := range g.in[id] {
		g.out[e.From] = dropEdge(g.out[e.From], e)
		delete(g.edges, edgeKey{e.From, e.To, e.Type})
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	for i, n := range g.order {
		if n == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// RemoveEdges deletes the edges of type leaving from.
func (g *Graph) RemoveEdges(from string, typ EdgeType) {
	var keep []Edge
	for _, e := range g.out[from] {
		if e.Type != typ {
			keep = append(keep, e)
			continue
		}
		g.in[e.To] = dropEdge(g.in[e.To], e)
		delete(g.edges, edgeKey{e.From, e.To, e.Type})
	}
	g.out[from] = keep
}

func dropEdge(list []Edge, e Edge) []Edge {
	out := list[:0]
	for _, x := range list {
		if x.From == e.From && x.To == e.To && x.Type == e.Type {
			continue
		}
		out = append(out, x)
	}
	return out
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes of kind in insertion order. An empty kind
// returns every node.
func (g *Graph) Nodes(kind NodeKind) []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; kind == "" || n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Edges returns every edge, ordered by source node insertion order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, id := range g.order {
		out = append(out, g.out[id]...)
	}
	return out
}

// Out returns the edges leaving id.
func (g *Graph) Out(id string) []Edge { return g.out[id] }

// In returns the edges entering id.
func (g *Graph) In(id string) []Edge { return g.in[id] }

// Targets returns the keys of the nodes id reaches over edges of typ,
// sorted.
func (g *Graph) Targets(id string, typ EdgeType) []string {
	var out []string
	for _, e := range g.out[id] {
		if e.Type == typ {
			_, key := SplitNodeID(e.To)
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the node and edge counts.
func (g *Graph) Len() (nodes, edges int) {
	return len(g.nodes), len(g.edges)
}
