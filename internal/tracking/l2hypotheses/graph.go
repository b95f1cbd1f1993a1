package l2hypotheses

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
)

// Node is a hypotheses-graph node: a single detection, or for tracklet
// graphs a chain of detections in consecutive frames.
type Node struct {
	Key     tracking.NodeKey // key of the first member
	Members []tracking.Detection
}

// First returns the earliest member.
func (n Node) First() tracking.Detection { return n.Members[0] }

// Last returns the latest member.
func (n Node) Last() tracking.Detection { return n.Members[len(n.Members)-1] }

// Timestep is the frame of the first member.
func (n Node) Timestep() int { return n.Members[0].Key.Timestep }

// LastTimestep is the frame of the last member.
func (n Node) LastTimestep() int { return n.Last().Key.Timestep }

// EdgeKey identifies a transition by its endpoint keys.
type EdgeKey struct {
	From, To tracking.NodeKey
}

func (k EdgeKey) String() string { return fmt.Sprintf("%s->%s", k.From, k.To) }

// Edge is a transition hypothesis from node From to node To. Distance is
// the scaled distance between From's last and To's first member.
type Edge struct {
	From, To int
	Distance float64
}

// Graph is an immutable time-layered hypotheses graph. Nodes are sorted
// by (timestep, id); edges by (from, to), so every edge points to a
// higher node index.
type Graph struct {
	nodes []Node
	edges []Edge
	out   [][]int
	in    [][]int

	nodeIndex map[tracking.NodeKey]int
	edgeIndex map[EdgeKey]int
	frames    []int

	// Tracklet graphs only.
	reference *Graph
	internal  [][]int // per node: reference edges joined inside the tracklet
	external  []int   // per edge: the reference edge it stands for
}

// BuildParams controls neighbour search.
type BuildParams struct {
	K                 int
	MaxDistance       float64
	WithDivisions     bool
	DivisionThreshold float64
}

// Build constructs the per-frame hypotheses graph: every detection of
// frame t is linked to its K nearest detections of the next frame within
// MaxDistance. Division candidates always get at least two neighbours.
func Build(dets *l1ingest.Detections, p BuildParams) (*Graph, error) {
	if p.K < 1 {
		return nil, &tracking.ConfigError{Param: "max_nearest_neighbors", Reason: fmt.Sprintf("must be at least 1, got %d", p.K)}
	}
	var links []EdgeKey
	for fi := 0; fi+1 < len(dets.Frames); fi++ {
		cur := dets.Frame(dets.Frames[fi])
		next := dets.Frame(dets.Frames[fi+1])
		index := newNeighbourIndex(next)
		for _, d := range cur {
			k := p.K
			if p.WithDivisions && d.HasDivisionProb && d.DivisionProb > p.DivisionThreshold {
				k = max(k, 2)
			}
			for _, nb := range index.nearest(d.Position, k, p.MaxDistance) {
				links = append(links, EdgeKey{From: d.Key, To: next[nb.idx].Key})
			}
		}
	}
	g, err := Assemble(dets.All(), links)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("[l2hypotheses] graph with k=%d: %d nodes, %d edges", p.K, g.NumNodes(), g.NumEdges())
	return g, nil
}

// Assemble builds a per-frame graph from explicit detections and links.
// Links must point forward in time and reference known detections.
func Assemble(dets []tracking.Detection, links []EdgeKey) (*Graph, error) {
	nodes := make([]Node, len(dets))
	for i, d := range dets {
		nodes[i] = Node{Key: d.Key, Members: []tracking.Detection{d}}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key.Less(nodes[j].Key) })

	g := &Graph{nodes: nodes, nodeIndex: make(map[tracking.NodeKey]int, len(nodes))}
	for i, n := range nodes {
		if _, dup := g.nodeIndex[n.Key]; dup {
			return nil, &tracking.NodeError{Node: n.Key, Err: fmt.Errorf("duplicate detection")}
		}
		g.nodeIndex[n.Key] = i
	}

	edges := make([]Edge, 0, len(links))
	seen := make(map[EdgeKey]bool, len(links))
	for _, l := range links {
		if seen[l] {
			continue
		}
		seen[l] = true
		from, ok := g.nodeIndex[l.From]
		if !ok {
			return nil, &tracking.NodeError{Node: l.From, Err: fmt.Errorf("edge source not in graph")}
		}
		to, ok := g.nodeIndex[l.To]
		if !ok {
			return nil, &tracking.NodeError{Node: l.To, Err: fmt.Errorf("edge target not in graph")}
		}
		if l.To.Timestep <= l.From.Timestep {
			return nil, fmt.Errorf("edge %s does not point forward in time", l)
		}
		edges = append(edges, Edge{From: from, To: to, Distance: nodes[from].Last().Position.Dist(nodes[to].First().Position)})
	}
	g.setEdges(edges)
	return g, nil
}

func (g *Graph) setEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	g.edges = edges
	g.out = make([][]int, len(g.nodes))
	g.in = make([][]int, len(g.nodes))
	g.edgeIndex = make(map[EdgeKey]int, len(edges))
	for i, e := range edges {
		g.out[e.From] = append(g.out[e.From], i)
		g.in[e.To] = append(g.in[e.To], i)
		g.edgeIndex[EdgeKey{From: g.nodes[e.From].Key, To: g.nodes[e.To].Key}] = i
	}
	seen := make(map[int]bool)
	g.frames = g.frames[:0]
	for _, n := range g.nodes {
		for _, m := range n.Members {
			if !seen[m.Key.Timestep] {
				seen[m.Key.Timestep] = true
				g.frames = append(g.frames, m.Key.Timestep)
			}
		}
	}
	sort.Ints(g.frames)
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Node returns node i.
func (g *Graph) Node(i int) Node { return g.nodes[i] }

// Edge returns edge i.
func (g *Graph) Edge(i int) Edge { return g.edges[i] }

// Out returns the indices of the edges leaving node i.
func (g *Graph) Out(i int) []int { return g.out[i] }

// In returns the indices of the edges entering node i.
func (g *Graph) In(i int) []int { return g.in[i] }

// Frames returns the sorted frames covered by the graph's detections.
func (g *Graph) Frames() []int { return g.frames }

// NodeIndex looks up a node by key.
func (g *Graph) NodeIndex(key tracking.NodeKey) (int, bool) {
	i, ok := g.nodeIndex[key]
	return i, ok
}

// EdgeIndex looks up an edge by its endpoint keys.
func (g *Graph) EdgeIndex(key EdgeKey) (int, bool) {
	i, ok := g.edgeIndex[key]
	return i, ok
}

// EdgeKey returns the endpoint keys of edge i.
func (g *Graph) EdgeKey(i int) EdgeKey {
	e := g.edges[i]
	return EdgeKey{From: g.nodes[e.From].Key, To: g.nodes[e.To].Key}
}

// Detections returns every detection in the graph in (timestep, id) order.
func (g *Graph) Detections() []tracking.Detection {
	var out []tracking.Detection
	for _, n := range g.nodes {
		out = append(out, n.Members...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Links returns the edges as endpoint keys in edge order.
func (g *Graph) Links() []EdgeKey {
	out := make([]EdgeKey, len(g.edges))
	for i := range g.edges {
		out[i] = g.EdgeKey(i)
	}
	return out
}

// MaxID returns the largest object id used in frame t.
func (g *Graph) MaxID(t int) int {
	m := 0
	for _, n := range g.nodes {
		for _, d := range n.Members {
			if d.Key.Timestep == t && d.Key.ID > m {
				m = d.Key.ID
			}
		}
	}
	return m
}

// MissingRequired returns the required transitions the graph cannot
// represent, in input order.
func (g *Graph) MissingRequired(required []EdgeKey) []EdgeKey {
	var missing []EdgeKey
	for _, r := range required {
		if _, ok := g.edgeIndex[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// Subgraph returns the per-frame graph induced by keys. Unknown keys are
// ignored. Only valid on per-frame graphs.
func (g *Graph) Subgraph(keys []tracking.NodeKey) (*Graph, error) {
	if g.IsTracklet() {
		return nil, fmt.Errorf("subgraph of a tracklet graph")
	}
	keep := make(map[tracking.NodeKey]bool, len(keys))
	var dets []tracking.Detection
	for _, k := range keys {
		i, ok := g.nodeIndex[k]
		if !ok || keep[k] {
			continue
		}
		keep[k] = true
		dets = append(dets, g.nodes[i].First())
	}
	var links []EdgeKey
	for i := range g.edges {
		ek := g.EdgeKey(i)
		if keep[ek.From] && keep[ek.To] {
			links = append(links, ek)
		}
	}
	return Assemble(dets, links)
}

// DirectedGraph exports the topology as a gonum graph. Node ids are node
// indices.
func (g *Graph) DirectedGraph() *simple.DirectedGraph {
	dg := simple.NewDirectedGraph()
	for i := range g.nodes {
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, e := range g.edges {
		dg.SetEdge(simple.Edge{F: simple.Node(int64(e.From)), T: simple.Node(int64(e.To))})
	}
	return dg
}
