package l4solve

import (
	"context"
	"fmt"

	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
)

// costEps is the threshold below which a path counts as improving.
const costEps = 1e-9

type arcKind uint8

const (
	arcAppear arcKind = iota
	arcUnit
	arcDisappear
	arcEdge
	arcDivide
)

// arc is a residual arc. Every forward arc has a paired reverse arc whose
// capacity equals the forward flow.
type arc struct {
	to, rev int
	cap     int
	cost    float64
	kind    arcKind
	ref     int // node or edge index
	reverse bool
}

// network is the flow network of a problem: source S, sink T and an
// in/out vertex pair per graph node. Unit arcs in -> out carry the
// convex detection increments; appearance arcs run S -> in, disappearance
// arcs out -> T, division arcs S -> out.
type network struct {
	adj          [][]arc
	source, sink int
}

func inVertex(i int) int  { return 2 + 2*i }
func outVertex(i int) int { return 3 + 2*i }

func (n *network) addArc(from, to, capacity int, cost float64, kind arcKind, ref int) {
	if capacity <= 0 {
		return
	}
	n.adj[from] = append(n.adj[from], arc{to: to, rev: len(n.adj[to]), cap: capacity, cost: cost, kind: kind, ref: ref})
	n.adj[to] = append(n.adj[to], arc{to: from, rev: len(n.adj[from]) - 1, cost: -cost, kind: kind, ref: ref, reverse: true})
}

// buildNetwork lays out the network. Pinned quantities become arcs whose
// capacity is the pinned value and whose cost carries the pin bonus; a
// pinned zero removes the arc. banned nodes get no division arc.
func buildNetwork(p *Problem, pins *pinIndex, banned map[int]bool) *network {
	g, t, M := p.Graph, p.Costs, p.MaxObjects()
	bonus := 0.0
	if !pins.empty() {
		bonus = pinBonus(p)
	}
	limit := func(v int, pinned bool) (int, float64) {
		if pinned {
			return v, -bonus
		}
		return M, 0
	}

	net := &network{adj: make([][]arc, 2+2*g.NumNodes()), source: 0, sink: 1}
	for i := 0; i < g.NumNodes(); i++ {
		in, out := inVertex(i), outVertex(i)

		c, b := limit(pins.appear(i))
		net.addArc(net.source, in, c, t.Appearance(i)+b, arcAppear, i)

		pinned, isPinned := pins.count(i)
		for k := 1; k <= M; k++ {
			if isPinned && k > pinned {
				break
			}
			cost := t.DetectionIncrement(i, k)
			if isPinned {
				cost -= bonus
			}
			net.addArc(in, out, 1, cost, arcUnit, i)
		}

		c, b = limit(pins.disappear(i))
		net.addArc(out, net.sink, c, t.Disappearance(i)+b, arcDisappear, i)

		if d, candidate := t.Division(i); p.WithDivisions && candidate && !banned[i] {
			v, ok := pins.division(i)
			switch {
			case ok && !v:
			case ok:
				net.addArc(net.source, out, 1, d-bonus, arcDivide, i)
			default:
				net.addArc(net.source, out, 1, d, arcDivide, i)
			}
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		ed := g.Edge(e)
		c, b := limit(pins.flow(e))
		net.addArc(outVertex(ed.From), inVertex(ed.To), c, t.Transition(e)+b, arcEdge, e)
	}
	return net
}

// extract reads the assignment off the residual network.
func (n *network) extract(g *l2hypotheses.Graph) *Solution {
	sol := l2hypotheses.NewSolution(g)
	for _, arcs := range n.adj {
		for _, a := range arcs {
			if a.reverse {
				continue
			}
			flow := n.adj[a.to][a.rev].cap
			switch a.kind {
			case arcAppear:
				sol.Appearances[a.ref] += flow
			case arcUnit:
				sol.Counts[a.ref] += flow
			case arcDisappear:
				sol.Disappearances[a.ref] += flow
			case arcEdge:
				sol.Flows[a.ref] += flow
			case arcDivide:
				sol.Divisions[a.ref] = flow > 0
			}
		}
	}
	return sol
}

// push sends f units along the path recorded in prev.
func (n *network) push(prev []arcRef, f int) {
	for v := n.sink; v != n.source; {
		r := prev[v]
		a := &n.adj[r.vertex][r.idx]
		a.cap -= f
		n.adj[a.to][a.rev].cap += f
		v = r.vertex
	}
}

// bottleneck returns the residual capacity of the path recorded in prev.
func (n *network) bottleneck(prev []arcRef) int {
	f := -1
	for v := n.sink; v != n.source; {
		r := prev[v]
		c := n.adj[r.vertex][r.idx].cap
		if f < 0 || c < f {
			f = c
		}
		v = r.vertex
	}
	return f
}

type arcRef struct {
	vertex, idx int
}

// divisionOK reports whether node i divides into exactly two single
// objects in the next frame.
func divisionOK(g *l2hypotheses.Graph, sol *Solution, i int) bool {
	if sol.Counts[i] != 1 || sol.Disappearances[i] != 0 {
		return false
	}
	next := g.Node(i).LastTimestep() + 1
	children := 0
	for _, e := range g.Out(i) {
		switch f := sol.Flows[e]; {
		case f == 0:
		case f == 1 && g.Node(g.Edge(e).To).Timestep() == next:
			children++
		default:
			return false
		}
	}
	return children == 2
}

// augmenter pushes flow through a freshly built network until no path
// of negative cost remains.
type augmenter func(ctx context.Context, net *network) error

// solveNetwork runs augment and repairs divisions that the relaxation
// used without the structure a division needs: such nodes lose their
// division arc and the network is solved again.
func solveNetwork(ctx context.Context, p *Problem, augment augmenter) (*Solution, error) {
	pins, err := p.resolvePins()
	if err != nil {
		return nil, err
	}
	banned := make(map[int]bool)
	for {
		net := buildNetwork(p, pins, banned)
		if err := augment(ctx, net); err != nil {
			return nil, err
		}
		sol := net.extract(p.Graph)

		repaired := 0
		for i, div := range sol.Divisions {
			if !div || divisionOK(p.Graph, sol, i) {
				continue
			}
			if v, ok := pins.division(i); ok && v {
				return nil, &tracking.NodeError{Node: p.Graph.Node(i).Key,
					Err: fmt.Errorf("pinned division cannot be realised: %w", tracking.ErrInfeasible)}
			}
			banned[i] = true
			repaired++
		}
		if repaired == 0 {
			return sol, nil
		}
		monitoring.Logf("[l4solve] banned %d malformed divisions, re-solving", repaired)
	}
}
