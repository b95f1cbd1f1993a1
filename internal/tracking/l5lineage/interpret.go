package l5lineage

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
)

// Track is a maximal chain of moves.
type Track struct {
	ID      int                `json:"id"`
	Lineage int                `json:"lineage"`
	Parent  int                `json:"parent,omitempty"` // 0 when the track does not start at a division
	Nodes   []tracking.NodeKey `json:"nodes"`
}

// Start returns the first frame of the track.
func (t *Track) Start() int { return t.Nodes[0].Timestep }

// End returns the last frame of the track.
func (t *Track) End() int { return t.Nodes[len(t.Nodes)-1].Timestep }

// DivisionRecord is one row of the division table.
type DivisionRecord struct {
	Timestep    int              `json:"timestep"` // frame of the parent
	Parent      tracking.NodeKey `json:"parent"`
	ParentTrack int              `json:"parent_track"`
	ChildTracks [2]int           `json:"child_tracks"`
}

// Result is an interpreted solution. It is immutable.
type Result struct {
	Graph    *l2hypotheses.Graph
	Solution *l2hypotheses.Solution

	Events    []FrameEvents
	Tracks    []Track // ordered by id
	Divisions []DivisionRecord
	Mergers   map[tracking.NodeKey]int // count of every node holding more than one object

	trackOf map[tracking.NodeKey]int
	byID    map[int]int // track id -> index into Tracks
}

// Interpret reads events, tracks and lineages off a solved assignment.
// The graph must be per-frame. An assignment that fails validation, or
// that activates no detection, is rejected.
func Interpret(g *l2hypotheses.Graph, sol *l2hypotheses.Solution, costs *l3costs.Table) (*Result, error) {
	if g.IsTracklet() {
		return nil, fmt.Errorf("interpret: tracklet graph must be expanded first")
	}
	if sol == nil {
		return nil, fmt.Errorf("interpret: no solution: %w", tracking.ErrEmptySolution)
	}
	if err := sol.Validate(g, costs.MaxObjects()); err != nil {
		return nil, fmt.Errorf("interpret: %w", err)
	}
	if sol.ActiveNodes() == 0 {
		return nil, tracking.ErrEmptySolution
	}

	r := &Result{
		Graph:    g,
		Solution: sol,
		Mergers:  make(map[tracking.NodeKey]int),
		trackOf:  make(map[tracking.NodeKey]int),
		byID:     make(map[int]int),
	}
	r.collectEvents(costs)
	r.assignTracks()
	r.assignLineages()

	monitoring.Logf("[l5lineage] %d tracks, %d divisions, %d mergers over %d frames",
		len(r.Tracks), len(r.Divisions), len(r.Mergers), len(r.Events))
	return r, nil
}

func (r *Result) collectEvents(costs *l3costs.Table) {
	g, sol := r.Graph, r.Solution
	frames := make(map[int]*FrameEvents)
	at := func(t int) *FrameEvents {
		f, ok := frames[t]
		if !ok {
			f = &FrameEvents{Timestep: t}
			frames[t] = f
		}
		return f
	}
	for _, t := range g.Frames() {
		at(t)
	}

	for i := 0; i < g.NumNodes(); i++ {
		node := g.Node(i)
		c := sol.Counts[i]
		if c == 0 {
			continue
		}
		if n := sol.Appearances[i]; n > 0 {
			at(node.Timestep()).add(Event{Kind: Appearance, Node: node.Key, Count: n,
				Energy: float64(n) * costs.Appearance(i)})
		}
		if n := sol.Disappearances[i]; n > 0 {
			at(node.Timestep()).add(Event{Kind: Disappearance, Node: node.Key, Count: n,
				Energy: float64(n) * costs.Disappearance(i)})
		}
		if c > 1 {
			r.Mergers[node.Key] = c
			at(node.Timestep()).add(Event{Kind: Merger, Node: node.Key, Count: c,
				Energy: costs.DetectionEnergy(i, c)})
		}
		if sol.Divisions[i] {
			d, _ := costs.Division(i)
			ev := Event{Kind: Division, Node: node.Key, Count: 1, Energy: d}
			for _, e := range g.Out(i) {
				if sol.Flows[e] > 0 {
					ev.Children = append(ev.Children, g.Node(g.Edge(e).To).Key)
				}
			}
			at(node.Timestep() + 1).add(ev)
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		f := sol.Flows[e]
		if f == 0 {
			continue
		}
		ed := g.Edge(e)
		to := g.Node(ed.To).Key
		at(to.Timestep).add(Event{Kind: Move, Node: g.Node(ed.From).Key, To: &to, Count: f,
			Energy: float64(f) * costs.Transition(e)})
	}

	ts := make([]int, 0, len(frames))
	for t := range frames {
		ts = append(ts, t)
	}
	sort.Ints(ts)
	r.Events = make([]FrameEvents, 0, len(ts))
	for _, t := range ts {
		r.Events = append(r.Events, *frames[t])
	}
}

// continues returns the predecessor whose track node i extends, if any:
// i has no appearance and a single active in-edge from a node that does
// not divide and has no other active out-edge.
func (r *Result) continues(i int) (int, bool) {
	g, sol := r.Graph, r.Solution
	if sol.Appearances[i] != 0 {
		return 0, false
	}
	pred, active := -1, 0
	for _, e := range g.In(i) {
		if sol.Flows[e] > 0 {
			pred = g.Edge(e).From
			active++
		}
	}
	if active != 1 || sol.Divisions[pred] {
		return 0, false
	}
	out := 0
	for _, e := range g.Out(pred) {
		if sol.Flows[e] > 0 {
			out++
		}
	}
	return pred, out == 1
}

func (r *Result) assignTracks() {
	g, sol := r.Graph, r.Solution
	next := tracking.FirstTrackID
	trackIdx := make([]int, g.NumNodes()) // node -> index into r.Tracks
	for i := 0; i < g.NumNodes(); i++ {
		if sol.Counts[i] == 0 {
			continue
		}
		key := g.Node(i).Key
		if pred, ok := r.continues(i); ok {
			ti := trackIdx[pred]
			r.Tracks[ti].Nodes = append(r.Tracks[ti].Nodes, key)
			trackIdx[i] = ti
			r.trackOf[key] = r.Tracks[ti].ID
			continue
		}
		r.Tracks = append(r.Tracks, Track{ID: next, Nodes: []tracking.NodeKey{key}})
		trackIdx[i] = len(r.Tracks) - 1
		r.byID[next] = len(r.Tracks) - 1
		r.trackOf[key] = next
		next++
	}

	for i := 0; i < g.NumNodes(); i++ {
		if !sol.Divisions[i] {
			continue
		}
		rec := DivisionRecord{Timestep: g.Node(i).LastTimestep(), Parent: g.Node(i).Key, ParentTrack: r.trackOf[g.Node(i).Key]}
		n := 0
		for _, e := range g.Out(i) {
			if sol.Flows[e] == 0 || n == 2 {
				continue
			}
			child := r.trackOf[g.Node(g.Edge(e).To).Key]
			rec.ChildTracks[n] = child
			r.Tracks[r.byID[child]].Parent = rec.ParentTrack
			n++
		}
		r.Divisions = append(r.Divisions, rec)
	}
}

// assignLineages numbers the connected components of the track/parent
// relation in order of their lowest track id.
func (r *Result) assignLineages() {
	ug := simple.NewUndirectedGraph()
	for _, tr := range r.Tracks {
		ug.AddNode(simple.Node(int64(tr.ID)))
	}
	for _, tr := range r.Tracks {
		if tr.Parent != 0 && tr.Parent != tr.ID {
			ug.SetEdge(simple.Edge{F: simple.Node(int64(tr.Parent)), T: simple.Node(int64(tr.ID))})
		}
	}
	comps := topo.ConnectedComponents(ug)
	mins := make([]int64, len(comps))
	for c, nodes := range comps {
		mins[c] = nodes[0].ID()
		for _, n := range nodes[1:] {
			if n.ID() < mins[c] {
				mins[c] = n.ID()
			}
		}
	}
	order := make([]int, len(comps))
	for c := range order {
		order[c] = c
	}
	sort.Slice(order, func(a, b int) bool { return mins[order[a]] < mins[order[b]] })
	for rank, c := range order {
		lineage := tracking.FirstTrackID + rank
		for _, n := range comps[c] {
			r.Tracks[r.byID[int(n.ID())]].Lineage = lineage
		}
	}
}
