package l2hypotheses

import (
	"fmt"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// IsTracklet reports whether g is a compacted tracklet graph.
func (g *Graph) IsTracklet() bool { return g.reference != nil }

// Reference returns the per-frame graph a tracklet graph was compacted
// from, or g itself.
func (g *Graph) Reference() *Graph {
	if g.reference != nil {
		return g.reference
	}
	return g
}

// InternalEdges returns the per-frame edges joined inside tracklet i.
func (g *Graph) InternalEdges(i int) []int {
	if g.internal == nil {
		return nil
	}
	return g.internal[i]
}

// Compact joins chains of nodes connected by an edge that is both the
// unique out-edge of its source and the unique in-edge of its target
// into tracklet super-nodes. Edges between tracklets are kept.
func (g *Graph) Compact() *Graph {
	if g.IsTracklet() {
		return g
	}
	joined := func(e int) bool {
		ed := g.edges[e]
		return len(g.out[ed.From]) == 1 && len(g.in[ed.To]) == 1
	}

	owner := make([]int, len(g.nodes))
	var (
		nodes    []Node
		internal [][]int
	)
	for i := range g.nodes {
		if len(g.in[i]) == 1 && joined(g.in[i][0]) {
			continue // continuation of an earlier chain
		}
		id := len(nodes)
		owner[i] = id
		members := []tracking.Detection{g.nodes[i].First()}
		var inner []int
		for cur := i; len(g.out[cur]) == 1 && joined(g.out[cur][0]); {
			e := g.out[cur][0]
			inner = append(inner, e)
			cur = g.edges[e].To
			owner[cur] = id
			members = append(members, g.nodes[cur].First())
		}
		nodes = append(nodes, Node{Key: g.nodes[i].Key, Members: members})
		internal = append(internal, inner)
	}

	tg := &Graph{
		nodes:     nodes,
		nodeIndex: make(map[tracking.NodeKey]int, len(nodes)),
		reference: g,
		internal:  internal,
	}
	for i, n := range nodes {
		tg.nodeIndex[n.Key] = i
	}
	var edges []Edge
	for e, ed := range g.edges {
		if joined(e) {
			continue
		}
		edges = append(edges, Edge{From: owner[ed.From], To: owner[ed.To], Distance: ed.Distance})
	}
	tg.setEdges(edges)
	tg.external = make([]int, len(tg.edges))
	for i, ed := range tg.edges {
		ref := EdgeKey{From: tg.nodes[ed.From].Last().Key, To: tg.nodes[ed.To].First().Key}
		tg.external[i] = g.edgeIndex[ref]
	}
	return tg
}

// Expand maps an assignment over a tracklet graph back onto its
// per-frame reference graph. Per-frame assignments are returned as is.
func (g *Graph) Expand(sol *Solution) (*Solution, error) {
	if !g.IsTracklet() {
		return sol, nil
	}
	if len(sol.Counts) != g.NumNodes() || len(sol.Flows) != g.NumEdges() {
		return nil, fmt.Errorf("%w: assignment shape does not match tracklet graph", ErrInvalidSolution)
	}
	ref := g.reference
	out := NewSolution(ref)
	for i, n := range g.nodes {
		c := sol.Counts[i]
		for _, m := range n.Members {
			out.Counts[ref.nodeIndex[m.Key]] = c
		}
		first := ref.nodeIndex[n.Key]
		last := ref.nodeIndex[n.Last().Key]
		out.Appearances[first] = sol.Appearances[i]
		out.Disappearances[last] = sol.Disappearances[i]
		out.Divisions[last] = sol.Divisions[i]
		for _, e := range g.internal[i] {
			out.Flows[e] = c
		}
	}
	for e, r := range g.external {
		out.Flows[r] = sol.Flows[e]
	}
	out.Energy = sol.Energy
	out.Strategy = sol.Strategy
	return out, nil
}
