package learning

import (
	"context"
	"errors"
	"math"
	"strings"
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
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

func key(t, id int) tracking.NodeKey { return tracking.NodeKey{Timestep: t, ID: id} }

func inf() [3][2]float64 {
	r := [2]float64{math.Inf(-1), math.Inf(1)}
	return [3][2]float64{r, r, r}
}

func setup(t *testing.T, dets []tracking.Detection, w l3costs.Weights, withDivisions bool) (*l2hypotheses.Graph, *l3costs.Model) {
	t.Helper()
	d := l1ingest.NewDetections(dets)
	g, err := l2hypotheses.Build(d, l2hypotheses.BuildParams{K: 2, MaxDistance: 30, WithDivisions: withDivisions, DivisionThreshold: 0.1})
	require.NoError(t, err)
	m := l3costs.NewModelForDetections(l3costs.Params{
		MaxObjects: 2, Weights: w, TransitionParameter: 5, DivisionThreshold: 0.1, WithDivisions: withDivisions,
	}, d, inf(), tracking.Vec3{1, 1, 1})
	return g, m
}

func flowSolver(t *testing.T) *l4solve.Solver {
	t.Helper()
	s, err := l4solve.New("flow", time.Minute)
	require.NoError(t, err)
	return s
}

func singleMove() []tracking.Detection {
	return []tracking.Detection{testutil.Detection(0, 1, 10, 10), testutil.Detection(1, 1, 12, 10)}
}

func mitosis() []tracking.Detection {
	parent := testutil.Detection(0, 1, 50, 50)
	parent.DivisionProb, parent.HasDivisionProb = 0.9, true
	return []tracking.Detection{parent, testutil.Detection(1, 1, 45, 50), testutil.Detection(1, 2, 55, 50)}
}

func TestLearn_RecoversMove(t *testing.T) {
	t.Parallel()
	// Transitions are so expensive that the initial weights prefer a
	// disappearance followed by an appearance.
	w := l3costs.Weights{Detection: 100, Division: 0, Transition: 1000, Appearance: 0.1, Disappearance: 0.1}
	g, m := setup(t, singleMove(), w, false)
	ann := &Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {1: {7}}}}
	solver := flowSolver(t)

	before, err := solver.Solve(context.Background(), &l4solve.Problem{Graph: g, Costs: m.Table(g)})
	require.NoError(t, err)
	assert.Zero(t, before.Flows[0])

	rep, err := Learn(context.Background(), g, ann, m, solver, Options{})
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.False(t, rep.Projected)
	assert.Greater(t, rep.Iterations, 0)
	assert.InDelta(t, 1, rep.Weights.Norm(), 1e-9)
	assert.False(t, rep.Weights.HasNegative())
	assert.Less(t, rep.Weights.Transition, w.Transition/w.Norm())

	after, err := solver.Solve(context.Background(), &l4solve.Problem{Graph: g, Costs: m.WithWeights(rep.Weights).Table(g)})
	require.NoError(t, err)
	assert.Equal(t, 1, after.Flows[0])
}

func TestLearn_EmptyAnnotations(t *testing.T) {
	t.Parallel()
	w := l3costs.Weights{Detection: 3, Division: 1, Transition: 2, Appearance: 9, Disappearance: 9}
	g, m := setup(t, singleMove(), w, false)

	rep, err := Learn(context.Background(), g, &Annotations{}, m, flowSolver(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, w, rep.Weights)
	assert.Zero(t, rep.Iterations)
}

func TestGroundTruth(t *testing.T) {
	t.Parallel()

	t.Run("move", func(t *testing.T) {
		g, _ := setup(t, singleMove(), l3costs.Weights{}, false)
		ann := &Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {1: {7}}}}
		sub, sol, err := ann.GroundTruth(g, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, sub.NumNodes())
		assert.Equal(t, []int{1, 1}, sol.Counts)
		assert.Equal(t, []int{1}, sol.Flows)
		assert.Equal(t, []int{1, 0}, sol.Appearances)
		assert.Equal(t, []int{0, 1}, sol.Disappearances)
	})

	t.Run("false detection", func(t *testing.T) {
		g, _ := setup(t, singleMove(), l3costs.Weights{}, false)
		ann := &Annotations{Labels: map[int]map[int][]int{0: {1: {FalseDetection}}, 1: {1: {7}}}}
		_, sol, err := ann.GroundTruth(g, 2)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, sol.Counts)
		assert.Equal(t, []int{0}, sol.Flows)
	})

	t.Run("division", func(t *testing.T) {
		g, _ := setup(t, mitosis(), l3costs.Weights{}, true)
		ann := &Annotations{
			Labels:    map[int]map[int][]int{0: {1: {1}}, 1: {1: {2}, 2: {3}}},
			Divisions: map[int]Division{1: {Timestep: 0, Children: [2]int{2, 3}}},
		}
		sub, sol, err := ann.GroundTruth(g, 2)
		require.NoError(t, err)
		parent, _ := sub.NodeIndex(key(0, 1))
		assert.True(t, sol.Divisions[parent])
		assert.Equal(t, 2, sol.OutFlow(sub, parent))
		assert.Zero(t, sol.Disappearances[parent])

		pins := Pins(sub, sol)
		assert.True(t, pins.Divisions[key(0, 1)])
		assert.Equal(t, 1, pins.Counts[key(1, 2)])
		assert.Len(t, pins.Flows, sub.NumEdges())
	})

	t.Run("too many tracks", func(t *testing.T) {
		g, _ := setup(t, singleMove(), l3costs.Weights{}, false)
		ann := &Annotations{Labels: map[int]map[int][]int{0: {1: {1, 2, 3}}}}
		_, _, err := ann.GroundTruth(g, 2)
		require.ErrorIs(t, err, tracking.ErrConfiguration)
		var ce *tracking.ConfigError
		require.True(t, errors.As(err, &ce))
		require.NotNil(t, ce.Node)
		assert.Equal(t, key(0, 1), *ce.Node)
	})

	t.Run("absent detection", func(t *testing.T) {
		g, _ := setup(t, singleMove(), l3costs.Weights{}, false)
		ann := &Annotations{Labels: map[int]map[int][]int{4: {9: {1}}}}
		_, _, err := ann.GroundTruth(g, 2)
		assert.ErrorIs(t, err, tracking.ErrInfeasible)
	})

	t.Run("inconsistent division", func(t *testing.T) {
		g, _ := setup(t, mitosis(), l3costs.Weights{}, true)
		ann := &Annotations{
			Labels:    map[int]map[int][]int{0: {1: {1}}, 1: {1: {1}, 2: {3}}},
			Divisions: map[int]Division{1: {Timestep: 0, Children: [2]int{1, 3}}},
		}
		_, _, err := ann.GroundTruth(g, 2)
		assert.ErrorIs(t, err, tracking.ErrConfiguration)
	})
}

func TestParseAnnotations(t *testing.T) {
	t.Parallel()
	a, err := ParseAnnotations(strings.NewReader(`{
		"labels": {"0": {"1": [2]}, "1": {"1": [3], "2": [4]}},
		"divisions": {"2": {"timestep": 0, "children": [3, 4]}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []tracking.NodeKey{key(0, 1), key(1, 1), key(1, 2)}, a.Keys())
	assert.Equal(t, Division{Timestep: 0, Children: [2]int{3, 4}}, a.Divisions[2])
	assert.False(t, a.Empty())

	_, err = ParseAnnotations(strings.NewReader(`{"labels": {}, "extra": 1}`))
	assert.Error(t, err)
}

func TestRequiredEdges(t *testing.T) {
	t.Parallel()
	link := func(t0, id0, t1, id1 int) l2hypotheses.EdgeKey {
		return l2hypotheses.EdgeKey{From: key(t0, id0), To: key(t1, id1)}
	}
	ann := &Annotations{
		Labels: map[int]map[int][]int{
			0: {1: {1}, 5: {FalseDetection}},
			1: {1: {2}, 2: {3}, 5: {FalseDetection}},
			2: {4: {2}},
			4: {3: {3}},
		},
		Divisions: map[int]Division{1: {Timestep: 0, Children: [2]int{2, 3}}},
	}
	assert.Equal(t, []l2hypotheses.EdgeKey{link(0, 1, 1, 1), link(0, 1, 1, 2), link(1, 1, 2, 4)}, ann.RequiredEdges())
	assert.Nil(t, (&Annotations{}).RequiredEdges())
}

func TestProject(t *testing.T) {
	t.Parallel()
	w := project(l3costs.Weights{Detection: -1, Division: 2, Transition: -0.5, Appearance: 3, Disappearance: 0})
	assert.Equal(t, l3costs.Weights{Division: 2, Appearance: 3}, w)
}
