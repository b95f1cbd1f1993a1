package l4solve

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
)

const (
	simplexTol  = 1e-9
	integralTol = 1e-6
	pruneTol    = 1e-9

	// DefaultNodeLimit caps the branch-and-bound search.
	DefaultNodeLimit = 5000
)

// ErrNodeLimit reports an exhausted branch-and-bound budget. It also
// matches tracking.ErrSolverTimeout.
var ErrNodeLimit = fmt.Errorf("branch and bound node limit reached: %w", tracking.ErrSolverTimeout)

func checkNodeBudget(explored, limit int) error {
	if explored >= limit {
		return fmt.Errorf("explored %d of %d nodes: %w", explored, limit, ErrNodeLimit)
	}
	return nil
}

// ILPStrategy solves the exact integer program with LP relaxations and
// depth-first branch and bound. Division structure is encoded as linear
// constraints, so no repair pass is needed.
type ILPStrategy struct {
	// NodeLimit caps explored branch-and-bound nodes; zero selects
	// DefaultNodeLimit.
	NodeLimit int
}

// Name implements Strategy.
func (*ILPStrategy) Name() string { return "ilp" }

type term struct {
	col int
	v   float64
}

type lpRow struct {
	terms []term
	rhs   float64
}

// ilpModel is the program in equality form: minimise cost.x subject to
// rows, x >= 0. Every row owns a column no other row touches, which keeps
// the constraint matrix at full row rank.
type ilpModel struct {
	cost    []float64
	integer []bool
	rows    []lpRow

	units [][]int
	app   []int
	dis   []int
	div   []int // -1 when node cannot divide
	flows []int
}

func (m *ilpModel) addVar(cost float64, integer bool) int {
	m.cost = append(m.cost, cost)
	m.integer = append(m.integer, integer)
	return len(m.cost) - 1
}

func (m *ilpModel) addEq(terms []term, rhs float64) {
	m.rows = append(m.rows, lpRow{terms: terms, rhs: rhs})
}

func (m *ilpModel) addLE(terms []term, rhs float64) {
	s := m.addVar(0, false)
	m.addEq(append(terms, term{s, 1}), rhs)
}

// addPin adds terms = v as a soft row whose deviation costs bonus per unit.
func (m *ilpModel) addPin(terms []term, v int, bonus float64) {
	plus, minus := m.addVar(bonus, false), m.addVar(bonus, false)
	m.addEq(append(terms, term{plus, 1}, term{minus, -1}), float64(v))
}

func buildILP(p *Problem, pins *pinIndex) *ilpModel {
	g, t, M := p.Graph, p.Costs, p.MaxObjects()
	n := g.NumNodes()
	bonus := 0.0
	if !pins.empty() {
		bonus = pinBonus(p)
	}
	m := &ilpModel{
		units: make([][]int, n),
		app:   make([]int, n),
		dis:   make([]int, n),
		div:   make([]int, n),
		flows: make([]int, g.NumEdges()),
	}
	for i := 0; i < n; i++ {
		m.units[i] = make([]int, M)
		for k := 1; k <= M; k++ {
			m.units[i][k-1] = m.addVar(t.DetectionIncrement(i, k), true)
		}
		m.app[i] = m.addVar(t.Appearance(i), true)
		m.dis[i] = m.addVar(t.Disappearance(i), true)
		m.div[i] = -1
		if d, candidate := t.Division(i); p.WithDivisions && candidate {
			if v, ok := pins.division(i); !ok || v {
				m.div[i] = m.addVar(d, true)
			}
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		m.flows[e] = m.addVar(t.Transition(e), true)
	}

	for i := 0; i < n; i++ {
		// in-flow + appearance = count
		in := []term{{m.app[i], 1}}
		for _, e := range g.In(i) {
			in = append(in, term{m.flows[e], 1})
		}
		for _, u := range m.units[i] {
			in = append(in, term{u, -1})
		}
		m.addEq(in, 0)

		// count + division = out-flow + disappearance
		out := []term{{m.dis[i], -1}}
		for _, u := range m.units[i] {
			out = append(out, term{u, 1})
		}
		if m.div[i] >= 0 {
			out = append(out, term{m.div[i], 1})
		}
		for _, e := range g.Out(i) {
			out = append(out, term{m.flows[e], -1})
		}
		m.addEq(out, 0)

		for _, u := range m.units[i] {
			m.addLE([]term{{u, 1}}, 1)
		}
		if m.div[i] >= 0 {
			m.addDivisionRows(g, i, M)
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		m.addLE([]term{{m.flows[e], 1}}, float64(M))
	}

	unitTerms := func(i int) []term {
		ts := make([]term, 0, M)
		for _, u := range m.units[i] {
			ts = append(ts, term{u, 1})
		}
		return ts
	}
	for i := 0; i < n; i++ {
		if v, ok := pins.count(i); ok {
			m.addPin(unitTerms(i), v, bonus)
		}
		if v, ok := pins.appear(i); ok {
			m.addPin([]term{{m.app[i], 1}}, v, bonus)
		}
		if v, ok := pins.disappear(i); ok {
			m.addPin([]term{{m.dis[i], 1}}, v, bonus)
		}
		if v, ok := pins.division(i); ok && v && m.div[i] >= 0 {
			m.addPin([]term{{m.div[i], 1}}, 1, bonus)
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		if v, ok := pins.flow(e); ok {
			m.addPin([]term{{m.flows[e], 1}}, v, bonus)
		}
	}
	return m
}

// addDivisionRows ties the division of node i to its structure: the node
// holds exactly one object, nothing disappears, and every active out-edge
// carries one object into the next frame.
func (m *ilpModel) addDivisionRows(g *l2hypotheses.Graph, i, M int) {
	div := m.div[i]
	fM := float64(M)
	m.addLE([]term{{div, 1}}, 1)
	m.addLE([]term{{div, 1}, {m.units[i][0], -1}}, 0)
	if M >= 2 {
		upper := []term{{div, fM - 1}}
		for _, u := range m.units[i][1:] {
			upper = append(upper, term{u, 1})
		}
		m.addLE(upper, fM-1)
	}
	m.addLE([]term{{m.dis[i], 1}, {div, fM}}, fM)

	next := g.Node(i).LastTimestep() + 1
	for _, e := range g.Out(i) {
		f := m.flows[e]
		switch {
		case g.Node(g.Edge(e).To).Timestep() != next:
			m.addLE([]term{{f, 1}, {div, fM}}, fM)
		case M >= 2:
			m.addLE([]term{{f, 1}, {div, fM - 1}}, fM)
		}
	}
}

// bound restricts column col to <= value (upper) or >= value.
type bound struct {
	col   int
	value float64
	upper bool
}

// relaxation returns the LP with the branching bounds appended.
func (m *ilpModel) relaxation(bounds []bound) ([]float64, *mat.Dense, []float64) {
	nv := len(m.cost) + len(bounds)
	nr := len(m.rows) + len(bounds)
	c := make([]float64, nv)
	copy(c, m.cost)
	A := mat.NewDense(nr, nv, nil)
	b := make([]float64, nr)
	for r, row := range m.rows {
		for _, tm := range row.terms {
			A.Set(r, tm.col, A.At(r, tm.col)+tm.v)
		}
		b[r] = row.rhs
	}
	for j, bd := range bounds {
		r, s := len(m.rows)+j, len(m.cost)+j
		A.Set(r, bd.col, 1)
		if bd.upper {
			A.Set(r, s, 1)
		} else {
			A.Set(r, s, -1)
		}
		b[r] = bd.value
	}
	return c, A, b
}

func (m *ilpModel) fractional(x []float64) int {
	for j, isInt := range m.integer {
		if !isInt {
			continue
		}
		if math.Abs(x[j]-math.Round(x[j])) > integralTol {
			return j
		}
	}
	return -1
}

// Solve implements Strategy.
func (s *ILPStrategy) Solve(ctx context.Context, p *Problem) (*Solution, error) {
	pins, err := p.resolvePins()
	if err != nil {
		return nil, err
	}
	if p.Graph.NumNodes() == 0 {
		return l2hypotheses.NewSolution(p.Graph), nil
	}
	limit := s.NodeLimit
	if limit <= 0 {
		limit = DefaultNodeLimit
	}

	m := buildILP(p, pins)
	best := math.Inf(1)
	var bestX []float64
	stack := [][]bound{nil}
	for explored := 0; len(stack) > 0; explored++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkNodeBudget(explored, limit); err != nil {
			return nil, err
		}
		bounds := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		c, A, b := m.relaxation(bounds)
		f, x, err := lp.Simplex(c, A, b, simplexTol, nil)
		if errors.Is(err, lp.ErrInfeasible) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lp relaxation: %w", err)
		}
		if f >= best-pruneTol {
			continue
		}
		j := m.fractional(x)
		if j < 0 {
			best, bestX = f, x
			continue
		}
		up := append(append([]bound(nil), bounds...), bound{col: j, value: math.Ceil(x[j])})
		down := append(append([]bound(nil), bounds...), bound{col: j, value: math.Floor(x[j]), upper: true})
		stack = append(stack, up, down)
	}
	if bestX == nil {
		return nil, fmt.Errorf("integer program has no solution: %w", tracking.ErrInfeasible)
	}
	return m.extract(p.Graph, bestX), nil
}

func (m *ilpModel) extract(g *l2hypotheses.Graph, x []float64) *Solution {
	val := func(j int) int { return int(math.Round(x[j])) }
	sol := l2hypotheses.NewSolution(g)
	for i := range m.units {
		for _, u := range m.units[i] {
			sol.Counts[i] += val(u)
		}
		sol.Appearances[i] = val(m.app[i])
		sol.Disappearances[i] = val(m.dis[i])
		sol.Divisions[i] = m.div[i] >= 0 && val(m.div[i]) == 1
	}
	for e, col := range m.flows {
		sol.Flows[e] = val(col)
	}
	return sol
}
