package l4solve

import (
	"fmt"
	"math"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
)

// Solution is the assignment a strategy returns.
type Solution = l2hypotheses.Solution

// Problem is one optimization instance.
type Problem struct {
	Graph         *l2hypotheses.Graph
	Costs         *l3costs.Table
	WithDivisions bool
	Pins          *Pins // optional hard constraints
}

// MaxObjects is the per-node capacity.
func (p *Problem) MaxObjects() int { return p.Costs.MaxObjects() }

// Pins fixes parts of an assignment. Keys address nodes and edges of the
// problem graph.
type Pins struct {
	Counts         map[tracking.NodeKey]int
	Flows          map[l2hypotheses.EdgeKey]int
	Divisions      map[tracking.NodeKey]bool
	Appearances    map[tracking.NodeKey]int
	Disappearances map[tracking.NodeKey]int
}

// NewPins returns an empty pin set.
func NewPins() *Pins {
	return &Pins{
		Counts:         make(map[tracking.NodeKey]int),
		Flows:          make(map[l2hypotheses.EdgeKey]int),
		Divisions:      make(map[tracking.NodeKey]bool),
		Appearances:    make(map[tracking.NodeKey]int),
		Disappearances: make(map[tracking.NodeKey]int),
	}
}

// Len returns the number of pinned values.
func (p *Pins) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Counts) + len(p.Flows) + len(p.Divisions) + len(p.Appearances) + len(p.Disappearances)
}

// pinIndex is Pins resolved to graph indices.
type pinIndex struct {
	counts    map[int]int
	flows     map[int]int
	divisions map[int]bool
	app       map[int]int
	dis       map[int]int
}

func (pi *pinIndex) count(i int) (int, bool) {
	v, ok := pi.counts[i]
	return v, ok
}
func (pi *pinIndex) flow(e int) (int, bool) {
	v, ok := pi.flows[e]
	return v, ok
}
func (pi *pinIndex) appear(i int) (int, bool) {
	v, ok := pi.app[i]
	return v, ok
}
func (pi *pinIndex) disappear(i int) (int, bool) {
	v, ok := pi.dis[i]
	return v, ok
}
func (pi *pinIndex) division(i int) (bool, bool) {
	v, ok := pi.divisions[i]
	return v, ok
}

func (pi *pinIndex) empty() bool {
	return len(pi.counts)+len(pi.flows)+len(pi.divisions)+len(pi.app)+len(pi.dis) == 0
}

// resolvePins maps pin keys to indices. Pins on absent nodes or edges, or
// with values no assignment can take, make the problem infeasible.
func (p *Problem) resolvePins() (*pinIndex, error) {
	pi := &pinIndex{
		counts:    map[int]int{},
		flows:     map[int]int{},
		divisions: map[int]bool{},
		app:       map[int]int{},
		dis:       map[int]int{},
	}
	if p.Pins == nil {
		return pi, nil
	}
	g, M := p.Graph, p.MaxObjects()
	node := func(k tracking.NodeKey, what string, v, hi int) (int, error) {
		i, ok := g.NodeIndex(k)
		if !ok {
			return 0, &tracking.NodeError{Node: k, Err: fmt.Errorf("pinned %s on absent node: %w", what, tracking.ErrInfeasible)}
		}
		if v < 0 || v > hi {
			return 0, &tracking.NodeError{Node: k, Err: fmt.Errorf("pinned %s %d outside [0, %d]: %w", what, v, hi, tracking.ErrInfeasible)}
		}
		return i, nil
	}
	for k, v := range p.Pins.Counts {
		i, err := node(k, "count", v, M)
		if err != nil {
			return nil, err
		}
		pi.counts[i] = v
	}
	for k, v := range p.Pins.Appearances {
		i, err := node(k, "appearance", v, M)
		if err != nil {
			return nil, err
		}
		pi.app[i] = v
	}
	for k, v := range p.Pins.Disappearances {
		i, err := node(k, "disappearance", v, M)
		if err != nil {
			return nil, err
		}
		pi.dis[i] = v
	}
	for k, v := range p.Pins.Divisions {
		i, err := node(k, "division", 0, 0)
		if err != nil {
			return nil, err
		}
		if v {
			if _, candidate := p.Costs.Division(i); !candidate || !p.WithDivisions {
				return nil, &tracking.NodeError{Node: k, Err: fmt.Errorf("pinned division on a node that cannot divide: %w", tracking.ErrInfeasible)}
			}
		}
		pi.divisions[i] = v
	}
	for k, v := range p.Pins.Flows {
		e, ok := g.EdgeIndex(k)
		if !ok {
			return nil, fmt.Errorf("pinned flow on absent edge %s: %w", k, tracking.ErrInfeasible)
		}
		if v < 0 || v > M {
			return nil, fmt.Errorf("pinned flow %d on %s outside [0, %d]: %w", v, k, M, tracking.ErrInfeasible)
		}
		pi.flows[e] = v
	}
	return pi, nil
}

// check verifies that sol honours every pin.
func (pi *pinIndex) check(g *l2hypotheses.Graph, sol *Solution) error {
	violated := func(k tracking.NodeKey, what string, want, got any) error {
		return &tracking.NodeError{Node: k, Err: fmt.Errorf("pinned %s %v, solved %v: %w", what, want, got, tracking.ErrInfeasible)}
	}
	for i, v := range pi.counts {
		if sol.Counts[i] != v {
			return violated(g.Node(i).Key, "count", v, sol.Counts[i])
		}
	}
	for i, v := range pi.app {
		if sol.Appearances[i] != v {
			return violated(g.Node(i).Key, "appearance", v, sol.Appearances[i])
		}
	}
	for i, v := range pi.dis {
		if sol.Disappearances[i] != v {
			return violated(g.Node(i).Key, "disappearance", v, sol.Disappearances[i])
		}
	}
	for i, v := range pi.divisions {
		if sol.Divisions[i] != v {
			return violated(g.Node(i).Key, "division", v, sol.Divisions[i])
		}
	}
	for e, v := range pi.flows {
		if sol.Flows[e] != v {
			return fmt.Errorf("pinned flow %d on %s, solved %d: %w", v, g.EdgeKey(e), sol.Flows[e], tracking.ErrInfeasible)
		}
	}
	return nil
}

// pinBonus returns a reward large enough that satisfying one more pinned
// unit always outweighs every unpinned cost of the problem.
func pinBonus(p *Problem) float64 {
	g, t, M := p.Graph, p.Costs, p.MaxObjects()
	total := 1.0
	for i := 0; i < g.NumNodes(); i++ {
		for k := 1; k <= M; k++ {
			total += math.Abs(t.DetectionIncrement(i, k))
		}
		total += float64(M) * (math.Abs(t.Appearance(i)) + math.Abs(t.Disappearance(i)))
		if d, ok := t.Division(i); ok {
			total += math.Abs(d)
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		total += float64(M) * math.Abs(t.Transition(e))
	}
	return 10 * total
}
