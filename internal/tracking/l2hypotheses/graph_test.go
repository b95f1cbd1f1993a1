package l2hypotheses

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilastik/ilastik-sub003/internal/testutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
)

func key(t, id int) tracking.NodeKey { return tracking.NodeKey{Timestep: t, ID: id} }

func twoByTwo() *l1ingest.Detections {
	return l1ingest.NewDetections([]tracking.Detection{
		testutil.Detection(0, 1, 0, 0),
		testutil.Detection(0, 2, 10, 0),
		testutil.Detection(1, 1, 1, 0),
		testutil.Detection(1, 2, 11, 0),
	})
}

func TestBuild_NearestNeighbours(t *testing.T) {
	t.Parallel()

	t.Run("k=1", func(t *testing.T) {
		g, err := Build(twoByTwo(), BuildParams{K: 1, MaxDistance: 30})
		require.NoError(t, err)
		want := []EdgeKey{{key(0, 1), key(1, 1)}, {key(0, 2), key(1, 2)}}
		if diff := cmp.Diff(want, g.Links()); diff != "" {
			t.Errorf("links mismatch (-want +got):\n%s", diff)
		}
		assert.InDelta(t, 1.0, g.Edge(0).Distance, 1e-12)
	})

	t.Run("k=2", func(t *testing.T) {
		g, err := Build(twoByTwo(), BuildParams{K: 2, MaxDistance: 30})
		require.NoError(t, err)
		assert.Equal(t, 4, g.NumEdges())
		assert.Len(t, g.Out(0), 2)
		assert.Len(t, g.In(3), 2)
	})

	t.Run("max distance prunes", func(t *testing.T) {
		g, err := Build(twoByTwo(), BuildParams{K: 2, MaxDistance: 5})
		require.NoError(t, err)
		assert.Equal(t, 2, g.NumEdges())
	})

	t.Run("division candidates get two neighbours", func(t *testing.T) {
		dets := []tracking.Detection{
			testutil.Detection(0, 1, 0, 0),
			testutil.Detection(1, 1, 1, 0),
			testutil.Detection(1, 2, 3, 0),
		}
		dets[0].DivisionProb, dets[0].HasDivisionProb = 0.9, true
		g, err := Build(l1ingest.NewDetections(dets), BuildParams{K: 1, MaxDistance: 30, WithDivisions: true, DivisionThreshold: 0.5})
		require.NoError(t, err)
		assert.Equal(t, 2, g.NumEdges())
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := Build(twoByTwo(), BuildParams{K: 0, MaxDistance: 30})
		assert.ErrorIs(t, err, tracking.ErrConfiguration)
	})
}

func TestBuild_EdgesOnlyToNextFrame(t *testing.T) {
	t.Parallel()
	dets := l1ingest.NewDetections([]tracking.Detection{
		testutil.Detection(0, 1, 0, 0),
		testutil.Detection(1, 1, 0, 0),
		testutil.Detection(2, 1, 0, 0),
	})
	g, err := Build(dets, BuildParams{K: 3, MaxDistance: 30})
	require.NoError(t, err)
	for i := 0; i < g.NumEdges(); i++ {
		e := g.EdgeKey(i)
		assert.Equal(t, e.From.Timestep+1, e.To.Timestep)
		assert.Less(t, g.Edge(i).From, g.Edge(i).To)
	}
	assert.Equal(t, []int{0, 1, 2}, g.Frames())
}

func TestAssemble_Rejects(t *testing.T) {
	t.Parallel()
	dets := []tracking.Detection{testutil.Detection(0, 1, 0, 0), testutil.Detection(1, 1, 0, 0)}

	_, err := Assemble(dets, []EdgeKey{{key(1, 1), key(0, 1)}})
	assert.Error(t, err)

	_, err = Assemble(dets, []EdgeKey{{key(0, 1), key(1, 9)}})
	assert.Error(t, err)

	_, err = Assemble(append(dets, testutil.Detection(0, 1, 5, 5)), nil)
	assert.Error(t, err)
}

func TestMissingRequiredAndSubgraph(t *testing.T) {
	t.Parallel()
	g, err := Build(twoByTwo(), BuildParams{K: 1, MaxDistance: 30})
	require.NoError(t, err)

	cross := EdgeKey{key(0, 1), key(1, 2)}
	straight := EdgeKey{key(0, 1), key(1, 1)}
	assert.Equal(t, []EdgeKey{cross}, g.MissingRequired([]EdgeKey{straight, cross}))

	sub, err := g.Subgraph([]tracking.NodeKey{key(0, 1), key(1, 1), key(7, 7)})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.NumNodes())
	assert.Equal(t, []EdgeKey{straight}, sub.Links())

	dg := g.DirectedGraph()
	assert.Equal(t, 4, dg.Nodes().Len())
	assert.Equal(t, 2, dg.Edges().Len())
	assert.Equal(t, 2, g.MaxID(1))
}

// chain: a0 -> a1 -> a2, with a1 also reachable from b0, so the chain
// breaks at a1.
func chainGraph(t *testing.T) *Graph {
	t.Helper()
	dets := []tracking.Detection{
		testutil.Detection(0, 1, 0, 0),
		testutil.Detection(0, 2, 20, 0),
		testutil.Detection(1, 1, 1, 0),
		testutil.Detection(2, 1, 2, 0),
		testutil.Detection(3, 1, 3, 0),
	}
	g, err := Assemble(dets, []EdgeKey{
		{key(0, 1), key(1, 1)},
		{key(0, 2), key(1, 1)},
		{key(1, 1), key(2, 1)},
		{key(2, 1), key(3, 1)},
	})
	require.NoError(t, err)
	return g
}

func TestCompactAndExpand(t *testing.T) {
	t.Parallel()
	g := chainGraph(t)
	tg := g.Compact()

	require.True(t, tg.IsTracklet())
	assert.Same(t, g, tg.Reference())
	assert.Same(t, tg, tg.Compact())
	require.Equal(t, 3, tg.NumNodes())
	assert.Len(t, tg.Node(2).Members, 3)
	assert.Equal(t, 3, tg.Node(2).LastTimestep())
	assert.Len(t, tg.InternalEdges(2), 2)
	assert.Equal(t, 2, tg.NumEdges())

	// One object travels b0 -> a1 -> a2 -> a3; a0 is a false detection.
	sol := NewSolution(tg)
	b0, ok := tg.NodeIndex(key(0, 2))
	require.True(t, ok)
	chain, ok := tg.NodeIndex(key(1, 1))
	require.True(t, ok)
	e, ok := tg.EdgeIndex(EdgeKey{key(0, 2), key(1, 1)})
	require.True(t, ok)
	sol.Counts[b0], sol.Appearances[b0] = 1, 1
	sol.Flows[e] = 1
	sol.Counts[chain], sol.Disappearances[chain] = 1, 1
	require.NoError(t, sol.Validate(tg, 2))

	full, err := tg.Expand(sol)
	require.NoError(t, err)
	require.NoError(t, full.Validate(g, 2))
	assert.Equal(t, []int{0, 1, 1, 1, 1}, full.Counts)
	assert.Equal(t, 4, full.ActiveNodes())
	last, _ := g.NodeIndex(key(3, 1))
	assert.Equal(t, 1, full.Disappearances[last])

	same, err := g.Expand(full)
	require.NoError(t, err)
	assert.Same(t, full, same)
}

func TestSolutionValidate(t *testing.T) {
	t.Parallel()
	dets := []tracking.Detection{
		testutil.Detection(0, 1, 0, 0),
		testutil.Detection(1, 1, -2, 0),
		testutil.Detection(1, 2, 2, 0),
		testutil.Detection(1, 3, 9, 0),
	}
	g, err := Assemble(dets, []EdgeKey{
		{key(0, 1), key(1, 1)},
		{key(0, 1), key(1, 2)},
		{key(0, 1), key(1, 3)},
	})
	require.NoError(t, err)

	division := func() *Solution {
		s := NewSolution(g)
		s.Counts = []int{1, 1, 1, 0}
		s.Appearances[0] = 1
		s.Divisions[0] = true
		s.Flows = []int{1, 1, 0}
		s.Disappearances[1], s.Disappearances[2] = 1, 1
		return s
	}

	t.Run("valid division", func(t *testing.T) {
		assert.NoError(t, division().Validate(g, 2))
	})

	t.Run("conservation", func(t *testing.T) {
		s := division()
		s.Appearances[0] = 0
		assert.ErrorIs(t, s.Validate(g, 2), ErrInvalidSolution)
	})

	t.Run("division of a merger", func(t *testing.T) {
		s := division()
		s.Counts[0], s.Appearances[0] = 2, 2
		s.Flows[2], s.Counts[3], s.Disappearances[3] = 1, 1, 1
		assert.ErrorIs(t, s.Validate(g, 2), ErrInvalidSolution)
	})

	t.Run("count above max", func(t *testing.T) {
		s := NewSolution(g)
		s.Counts[3], s.Appearances[3], s.Disappearances[3] = 3, 3, 3
		assert.ErrorIs(t, s.Validate(g, 2), ErrInvalidSolution)
	})

	t.Run("flow above count", func(t *testing.T) {
		s := NewSolution(g)
		s.Counts[0], s.Appearances[0] = 1, 1
		s.Flows[0] = 2
		s.Counts[1], s.Appearances[1] = 1, -1
		assert.ErrorIs(t, s.Validate(g, 2), ErrInvalidSolution)
	})

	t.Run("shape", func(t *testing.T) {
		s := NewSolution(g)
		s.Flows = nil
		assert.ErrorIs(t, s.Validate(g, 2), ErrInvalidSolution)
	})

	t.Run("clone is independent", func(t *testing.T) {
		s := division()
		c := s.Clone()
		c.Counts[0] = 0
		assert.Equal(t, 1, s.Counts[0])
	})
}
