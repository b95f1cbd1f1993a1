package l4solve

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/testutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

var strategies = []string{"flow", "dp", "ilp"}

func key(t, id int) tracking.NodeKey { return tracking.NodeKey{Timestep: t, ID: id} }

func defaultWeights() l3costs.Weights {
	return l3costs.Weights{Detection: 10, Division: 10, Transition: 10, Appearance: 500, Disappearance: 500}
}

// problemFor builds the hypotheses graph and cost table of dets.
func problemFor(t *testing.T, dets []tracking.Detection, withDivisions bool) *Problem {
	t.Helper()
	d := l1ingest.NewDetections(dets)
	g, err := l2hypotheses.Build(d, l2hypotheses.BuildParams{
		K: 2, MaxDistance: 30, WithDivisions: withDivisions, DivisionThreshold: 0.1,
	})
	require.NoError(t, err)
	m := l3costs.NewModelForDetections(l3costs.Params{
		MaxObjects:          2,
		Weights:             defaultWeights(),
		TransitionParameter: 5,
		DivisionThreshold:   0.1,
		WithDivisions:       withDivisions,
	}, d, noRanges(), tracking.Vec3{1, 1, 1})
	return &Problem{Graph: g, Costs: m.Table(g), WithDivisions: withDivisions}
}

func noRanges() [3][2]float64 {
	var r [3][2]float64
	for a := range r {
		r[a] = [2]float64{math.Inf(-1), math.Inf(1)}
	}
	return r
}

// twoTracks is two well separated objects moving right over three frames.
func twoTracks() []tracking.Detection {
	var dets []tracking.Detection
	for ts := 0; ts < 3; ts++ {
		x := 10 + 2*float64(ts)
		dets = append(dets,
			testutil.Detection(ts, 1, x, 10),
			testutil.Detection(ts, 2, x+40, 50),
		)
	}
	return dets
}

// mitosis is a parent at t=0 splitting into two daughters at t=1.
func mitosis() []tracking.Detection {
	parent := testutil.Detection(0, 1, 50, 50)
	parent.DivisionProb, parent.HasDivisionProb = 0.9, true
	return []tracking.Detection{
		parent,
		testutil.Detection(1, 1, 45, 50),
		testutil.Detection(1, 2, 55, 50),
	}
}

func solve(t *testing.T, name string, p *Problem) *Solution {
	t.Helper()
	s, err := New(name, time.Minute)
	require.NoError(t, err)
	sol, err := s.Solve(context.Background(), p)
	require.NoError(t, err)
	return sol
}

func TestSolve_TwoTracks(t *testing.T) {
	t.Parallel()
	for _, name := range strategies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := problemFor(t, twoTracks(), false)
			sol := solve(t, name, p)

			assert.Equal(t, name, sol.Strategy)
			for i, c := range sol.Counts {
				assert.Equal(t, 1, c, "count of %s", p.Graph.Node(i).Key)
			}
			for _, k := range []l2hypotheses.EdgeKey{
				{From: key(0, 1), To: key(1, 1)}, {From: key(1, 1), To: key(2, 1)},
				{From: key(0, 2), To: key(1, 2)}, {From: key(1, 2), To: key(2, 2)},
			} {
				e, ok := p.Graph.EdgeIndex(k)
				require.True(t, ok, k.String())
				assert.Equal(t, 1, sol.Flows[e], k.String())
			}
			assert.InDelta(t, p.Costs.Energy(p.Graph, sol), sol.Energy, 1e-9)
		})
	}
}

func TestSolve_Division(t *testing.T) {
	t.Parallel()
	for _, name := range strategies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := problemFor(t, mitosis(), true)
			sol := solve(t, name, p)

			parent, _ := p.Graph.NodeIndex(key(0, 1))
			assert.True(t, sol.Divisions[parent])
			assert.Equal(t, 1, sol.Counts[parent])
			assert.Equal(t, 2, sol.OutFlow(p.Graph, parent))
			assert.Zero(t, sol.Disappearances[parent])
			for _, id := range []int{1, 2} {
				i, _ := p.Graph.NodeIndex(key(1, id))
				assert.Equal(t, 1, sol.Counts[i])
				assert.Zero(t, sol.Appearances[i])
			}
		})
	}
}

func TestSolve_DivisionsDisabled(t *testing.T) {
	t.Parallel()
	for _, name := range strategies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := problemFor(t, mitosis(), false)
			sol := solve(t, name, p)
			for _, d := range sol.Divisions {
				assert.False(t, d)
			}
		})
	}
}

func TestSolve_StrategiesAgree(t *testing.T) {
	t.Parallel()
	// Three objects crowded enough for competing hypotheses.
	var dets []tracking.Detection
	jitter := []float64{0, 3, -2, 4}
	for ts := 0; ts < 4; ts++ {
		dets = append(dets,
			testutil.Detection(ts, 1, 10+jitter[ts], 10),
			testutil.Detection(ts, 2, 18-jitter[ts], 12),
			testutil.Detection(ts, 3, 26+jitter[(ts+1)%4], 10),
		)
	}
	p := problemFor(t, dets, false)

	flow := solve(t, "flow", p)
	ilp := solve(t, "ilp", p)
	dp := solve(t, "dp", p)
	assert.InDelta(t, flow.Energy, ilp.Energy, 1e-6)
	assert.GreaterOrEqual(t, dp.Energy, flow.Energy-1e-6)
}

func TestSolve_Tracklets(t *testing.T) {
	t.Parallel()
	p := problemFor(t, twoTracks(), false)
	full := solve(t, "flow", p)

	compact := p.Graph.Compact()
	require.Less(t, compact.NumNodes(), p.Graph.NumNodes())
	m := l3costs.NewModel(l3costs.Params{MaxObjects: 2, Weights: defaultWeights(), TransitionParameter: 5},
		l3costs.FieldOfView{T0: 0, T1: 2})
	cp := &Problem{Graph: compact, Costs: m.Table(compact)}
	sol := solve(t, "flow", cp)

	expanded, err := compact.Expand(sol)
	require.NoError(t, err)
	assert.Equal(t, full.Counts, expanded.Counts)
	assert.Equal(t, full.Flows, expanded.Flows)
	assert.InDelta(t, full.Energy, sol.Energy, 1e-9)
}

func TestSolve_Pins(t *testing.T) {
	t.Parallel()

	for _, name := range strategies {
		t.Run(name+"/count", func(t *testing.T) {
			t.Parallel()
			p := problemFor(t, twoTracks(), false)
			p.Pins = NewPins()
			p.Pins.Counts[key(1, 1)] = 0
			sol := solve(t, name, p)
			i, _ := p.Graph.NodeIndex(key(1, 1))
			assert.Zero(t, sol.Counts[i])
		})

		t.Run(name+"/flow", func(t *testing.T) {
			t.Parallel()
			p := problemFor(t, twoTracks(), false)
			p.Pins = NewPins()
			p.Pins.Flows[l2hypotheses.EdgeKey{From: key(0, 1), To: key(1, 1)}] = 0
			sol := solve(t, name, p)
			e, _ := p.Graph.EdgeIndex(l2hypotheses.EdgeKey{From: key(0, 1), To: key(1, 1)})
			assert.Zero(t, sol.Flows[e])
		})

		t.Run(name+"/absent node", func(t *testing.T) {
			t.Parallel()
			p := problemFor(t, twoTracks(), false)
			p.Pins = NewPins()
			p.Pins.Counts[key(7, 7)] = 1
			s, err := New(name, time.Minute)
			require.NoError(t, err)
			_, err = s.Solve(context.Background(), p)
			require.ErrorIs(t, err, tracking.ErrInfeasible)
			var ne *tracking.NodeError
			require.True(t, errors.As(err, &ne))
			assert.Equal(t, key(7, 7), ne.Node)
		})
	}

	t.Run("division on non candidate", func(t *testing.T) {
		t.Parallel()
		p := problemFor(t, twoTracks(), true)
		p.Pins = NewPins()
		p.Pins.Divisions[key(0, 1)] = true
		_, err := p.resolvePins()
		assert.ErrorIs(t, err, tracking.ErrInfeasible)
	})

	t.Run("count above capacity", func(t *testing.T) {
		t.Parallel()
		p := problemFor(t, twoTracks(), false)
		p.Pins = NewPins()
		p.Pins.Counts[key(0, 1)] = 3
		_, err := p.resolvePins()
		assert.ErrorIs(t, err, tracking.ErrInfeasible)
	})
}

type blockingStrategy struct{}

func (blockingStrategy) Name() string { return "blocking" }

func (blockingStrategy) Solve(ctx context.Context, _ *Problem) (*Solution, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSolve_Timeout(t *testing.T) {
	t.Parallel()
	p := problemFor(t, twoTracks(), false)

	s := NewWithStrategy(blockingStrategy{}, 10*time.Millisecond)
	_, err := s.Solve(context.Background(), p)
	assert.ErrorIs(t, err, tracking.ErrSolverTimeout)
}

func TestCheckNodeBudget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		explored int
		limit    int
		wantErr  bool
	}{
		{"first node", 0, 1, false},
		{"under budget", 4, 5, false},
		{"budget spent", 5, 5, true},
		{"past budget", 9, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkNodeBudget(tt.explored, tt.limit)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrNodeLimit)
			assert.ErrorIs(t, err, tracking.ErrSolverTimeout)
			assert.Contains(t, err.Error(), "node limit")
		})
	}
}

func TestSolve_TimeoutIsNotNodeLimit(t *testing.T) {
	t.Parallel()
	p := problemFor(t, twoTracks(), false)
	_, err := NewWithStrategy(blockingStrategy{}, 10*time.Millisecond).Solve(context.Background(), p)
	require.ErrorIs(t, err, tracking.ErrSolverTimeout)
	assert.NotErrorIs(t, err, ErrNodeLimit)
}

func TestSolve_Cancelled(t *testing.T) {
	t.Parallel()
	p := problemFor(t, twoTracks(), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, name := range strategies {
		s, err := New(name, time.Minute)
		require.NoError(t, err)
		_, err = s.Solve(ctx, p)
		assert.ErrorIs(t, err, context.Canceled, name)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	assert.Subset(t, Names(), strategies)

	_, err := New("simulated-annealing", 0)
	require.ErrorIs(t, err, tracking.ErrConfiguration)
	var ce *tracking.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "solver", ce.Param)

	s, err := New("dp", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, s.Timeout())
	assert.Equal(t, "dp", s.Strategy())
}

func TestDivisionOK(t *testing.T) {
	t.Parallel()
	p := problemFor(t, mitosis(), true)
	g := p.Graph
	parent, _ := g.NodeIndex(key(0, 1))

	sol := l2hypotheses.NewSolution(g)
	sol.Counts[parent] = 1
	sol.Divisions[parent] = true
	for _, e := range g.Out(parent) {
		sol.Flows[e] = 1
	}
	assert.True(t, divisionOK(g, sol, parent))

	sol.Flows[g.Out(parent)[0]] = 0
	sol.Disappearances[parent] = 1
	assert.False(t, divisionOK(g, sol, parent))

	sol.Counts[parent] = 2
	assert.False(t, divisionOK(g, sol, parent))
}

func TestEmptyGraph(t *testing.T) {
	t.Parallel()
	g, err := l2hypotheses.Assemble(nil, nil)
	require.NoError(t, err)
	m := l3costs.NewModel(l3costs.Params{MaxObjects: 1, Weights: defaultWeights()}, l3costs.FieldOfView{})
	p := &Problem{Graph: g, Costs: m.Table(g)}
	for _, name := range strategies {
		sol := solve(t, name, p)
		assert.Empty(t, sol.Counts, name)
	}
}
