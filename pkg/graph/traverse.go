package graph

import (
	"sort"

	"github.com/exploopio/attackmap/pkg/errors"
)

// DefaultMaxDepth bounds traversal paths, in hops.
const DefaultMaxDepth = 10

// follow lists, per node kind, the outgoing edge types traversal expands.
// looks_for and uses lead into analytics and strategies, detects leads out
// of a strategy into its techniques. Technique nodes end a path.
var follow = map[NodeKind][]EdgeType{
	KindProduct:       {EdgeProvides},
	KindDataComponent: {EdgeLooksFor, EdgeUses},
	KindStrategy:      {EdgeDetects},
	KindAnalytic:      nil,
}

// Options tune a traversal.
type Options struct {
	// MaxDepth caps path length in hops (default DefaultMaxDepth).
	MaxDepth int
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Reach is a technique reached by traversal and the first shortest path to
// it.
type Reach struct {
	TechniqueID string   `json:"technique_id"`
	Path        []string `json:"path"`

	// Asserted is true when the path uses at least one asserted edge.
	Asserted bool `json:"asserted"`
}

// Result is the outcome of a traversal.
type Result struct {
	Reached []Reach `json:"reached"`
}

// Techniques returns the reached technique IDs, sorted.
func (r *Result) Techniques() []string {
	out := make([]string, len(r.Reached))
	for i, reach := range r.Reached {
		out[i] = reach.TechniqueID
	}
	return out
}

type frontier struct {
	node     string
	path     []string
	asserted bool
}

func (f frontier) onPath(id string) bool {
	for _, p := range f.path {
		if p == id {
			return true
		}
	}
	return false
}

// Traverse runs a breadth-first expansion from starts. A node on the
// current path is never re-added and each node is expanded once, so any
// graph shape terminates; paths longer than MaxDepth hops are cut. Every
// technique appears once, with the first shortest path found.
func Traverse(g *Graph, starts []string, opts Options) *Result {
	maxDepth := opts.maxDepth()
	expanded := make(map[string]bool)
	reached := make(map[string]Reach)

	var queue []frontier
	for _, s := range starts {
		if _, ok := g.Node(s); ok && !expanded[s] {
			queue = append(queue, frontier{node: s, path: []string{s}})
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if expanded[cur.node] {
			continue
		}
		expanded[cur.node] = true

		n, _ := g.Node(cur.node)
		if n.Kind == KindTechnique {
			if _, seen := reached[n.Key]; !seen {
				reached[n.Key] = Reach{TechniqueID: n.Key, Path: cur.path, Asserted: cur.asserted}
			}
			continue
		}
		if len(cur.path)-1 >= maxDepth {
			continue
		}

		for _, typ := range follow[n.Kind] {
			for _, e := range g.Out(cur.node) {
				if e.Type != typ || expanded[e.To] || cur.onPath(e.To) {
					continue
				}
				path := make([]string, len(cur.path)+1)
				copy(path, cur.path)
				path[len(cur.path)] = e.To
				queue = append(queue, frontier{
					node:     e.To,
					path:     path,
					asserted: cur.asserted || e.Provenance == ProvenanceAsserted,
				})
			}
		}
	}

	res := &Result{Reached: make([]Reach, 0, len(reached))}
	for _, r := range reached {
		res.Reached = append(res.Reached, r)
	}
	sort.Slice(res.Reached, func(i, j int) bool { return res.Reached[i].TechniqueID < res.Reached[j].TechniqueID })
	return res
}

// ProductCoverage traverses from one product node.
func ProductCoverage(g *Graph, productID string, opts Options) (*Result, error) {
	id := NodeID(KindProduct, productID)
	if _, ok := g.Node(id); !ok {
		return nil, errors.E(errors.KindNotFound, "graph.ProductCoverage", "product "+productID+" not in graph", errors.ErrProductNotFound)
	}
	return Traverse(g, []string{id}, opts), nil
}

// GlobalCoverage traverses from every product node.
func GlobalCoverage(g *Graph, opts Options) *Result {
	var starts []string
	for _, n := range g.Nodes(KindProduct) {
		starts = append(starts, n.ID)
	}
	return Traverse(g, starts, opts)
}

// Gaps returns the techniques of universe not in covered, sorted. A
// non-nil platform set (techniques reachable from analytics tagged with
// the platform) further restricts the result.
func Gaps(covered, universe, platform []string) []string {
	have := make(map[string]bool, len(covered))
	for _, t := range covered {
		have[t] = true
	}
	var allowed map[string]bool
	if platform != nil {
		allowed = make(map[string]bool, len(platform))
		for _, t := range platform {
			allowed[t] = true
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, t := range universe {
		if have[t] || seen[t] {
			continue
		}
		if allowed != nil && !allowed[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
