package l2hypotheses

import (
	"errors"
	"fmt"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// ErrInvalidSolution is returned when an assignment breaks flow
// conservation, capacity or division structure.
var ErrInvalidSolution = errors.New("solution violates graph invariants")

// Solution is an integer assignment over one graph, indexed like the
// graph's nodes and edges.
type Solution struct {
	Counts         []int
	Flows          []int
	Divisions      []bool
	Appearances    []int
	Disappearances []int

	Energy   float64
	Strategy string
}

// NewSolution returns the all-zero assignment for g.
func NewSolution(g *Graph) *Solution {
	n, m := g.NumNodes(), g.NumEdges()
	return &Solution{
		Counts:         make([]int, n),
		Flows:          make([]int, m),
		Divisions:      make([]bool, n),
		Appearances:    make([]int, n),
		Disappearances: make([]int, n),
	}
}

// Clone returns a deep copy.
func (s *Solution) Clone() *Solution {
	return &Solution{
		Counts:         append([]int(nil), s.Counts...),
		Flows:          append([]int(nil), s.Flows...),
		Divisions:      append([]bool(nil), s.Divisions...),
		Appearances:    append([]int(nil), s.Appearances...),
		Disappearances: append([]int(nil), s.Disappearances...),
		Energy:         s.Energy,
		Strategy:       s.Strategy,
	}
}

// InFlow sums the flow entering node i.
func (s *Solution) InFlow(g *Graph, i int) int {
	f := 0
	for _, e := range g.In(i) {
		f += s.Flows[e]
	}
	return f
}

// OutFlow sums the flow leaving node i.
func (s *Solution) OutFlow(g *Graph, i int) int {
	f := 0
	for _, e := range g.Out(i) {
		f += s.Flows[e]
	}
	return f
}

// ActiveNodes counts nodes with a positive count.
func (s *Solution) ActiveNodes() int {
	n := 0
	for _, c := range s.Counts {
		if c > 0 {
			n++
		}
	}
	return n
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Validate checks capacity, conservation and division structure:
// in + appearance = count, count + division = out + disappearance, and a
// dividing node has count 1, no disappearance and exactly two out-edges
// of flow 1 into the next frame.
func (s *Solution) Validate(g *Graph, maxObjects int) error {
	if len(s.Counts) != g.NumNodes() || len(s.Flows) != g.NumEdges() ||
		len(s.Divisions) != g.NumNodes() || len(s.Appearances) != g.NumNodes() ||
		len(s.Disappearances) != g.NumNodes() {
		return fmt.Errorf("%w: assignment shape does not match graph", ErrInvalidSolution)
	}
	bad := func(i int, format string, args ...any) error {
		return &tracking.NodeError{Node: g.Node(i).Key, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidSolution}, args...)...)}
	}

	for e, f := range s.Flows {
		edge := g.Edge(e)
		if f < 0 || f > s.Counts[edge.From] || f > s.Counts[edge.To] {
			return fmt.Errorf("%w: edge %s carries %d (counts %d, %d)", ErrInvalidSolution,
				g.EdgeKey(e), f, s.Counts[edge.From], s.Counts[edge.To])
		}
	}
	for i := range s.Counts {
		c := s.Counts[i]
		if c < 0 || c > maxObjects {
			return bad(i, "count %d outside [0, %d]", c, maxObjects)
		}
		if s.Appearances[i] < 0 || s.Disappearances[i] < 0 {
			return bad(i, "negative appearance or disappearance")
		}
		if in := s.InFlow(g, i); in+s.Appearances[i] != c {
			return bad(i, "in %d + appearance %d != count %d", in, s.Appearances[i], c)
		}
		div := b2i(s.Divisions[i])
		if out := s.OutFlow(g, i); c+div != out+s.Disappearances[i] {
			return bad(i, "count %d + division %d != out %d + disappearance %d", c, div, out, s.Disappearances[i])
		}
		if s.Divisions[i] {
			if err := s.validateDivision(g, i); err != nil {
				return bad(i, "%v", err)
			}
		}
	}
	return nil
}

func (s *Solution) validateDivision(g *Graph, i int) error {
	if s.Counts[i] != 1 || s.Disappearances[i] != 0 {
		return fmt.Errorf("dividing node has count %d and disappearance %d", s.Counts[i], s.Disappearances[i])
	}
	children := 0
	next := g.Node(i).LastTimestep() + 1
	for _, e := range g.Out(i) {
		switch s.Flows[e] {
		case 0:
		case 1:
			if g.Node(g.Edge(e).To).Timestep() != next {
				return fmt.Errorf("division child %s not in frame %d", g.Node(g.Edge(e).To).Key, next)
			}
			children++
		default:
			return fmt.Errorf("division edge carries %d", s.Flows[e])
		}
	}
	if children != 2 {
		return fmt.Errorf("division has %d children", children)
	}
	return nil
}
