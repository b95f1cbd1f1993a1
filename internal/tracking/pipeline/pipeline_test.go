package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/fsutil"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/testutil"
	"github.com/ilastik/ilastik-sub003/internal/timeutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l7export"
	"github.com/ilastik/ilastik-sub003/internal/tracking/learning"
	"github.com/ilastik/ilastik-sub003/internal/tracking/storage/sqlite"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

func key(t, id int) tracking.NodeKey { return tracking.NodeKey{Timestep: t, ID: id} }

func mustConfig(t *testing.T, doc string) *config.TrackingConfig {
	t.Helper()
	cfg, err := config.ParseTrackingConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

// flatConfig scores every detection with the flat single-object prior so
// an isolated detection is always worth keeping.
const flatConfig = `{"size_dependent": false, "solver": "flow", "workers": 2}`

func tables(records ...tracking.FeatureRecord) []l1ingest.FrameTable {
	byTime := map[int]int{}
	var out []l1ingest.FrameTable
	for _, r := range records {
		i, ok := byTime[r.Timestep]
		if !ok {
			i = len(out)
			byTime[r.Timestep] = i
			out = append(out, l1ingest.FrameTable{Timestep: r.Timestep})
		}
		out[i].Records = append(out[i].Records, r)
	}
	return out
}

// twoCells moves two well separated cells right by two pixels per frame.
func twoCells() []l1ingest.FrameTable {
	var recs []tracking.FeatureRecord
	for ti := 0; ti < 3; ti++ {
		x := 10 + 2*float64(ti)
		recs = append(recs, testutil.Record(ti, 1, x, 10, 20), testutil.Record(ti, 2, x+40, 10, 20))
	}
	return tables(recs...)
}

func TestRun_TwoCells(t *testing.T) {
	t.Parallel()
	var results [][][]tracking.NodeKey
	for _, tracklets := range []bool{false, true} {
		cfg := mustConfig(t, flatConfig)
		cfg.WithTracklets = &tracklets
		p, err := New(cfg)
		require.NoError(t, err)

		out, err := p.Run(context.Background(), Input{Tables: twoCells()})
		require.NoError(t, err)
		require.Len(t, out.Result.Tracks, 2)
		var nodes [][]tracking.NodeKey
		for _, tr := range out.Result.Tracks {
			nodes = append(nodes, tr.Nodes)
		}
		results = append(results, nodes)

		assert.Equal(t, 3, out.Stats.Frames)
		assert.Equal(t, 6, out.Stats.Detections)
		assert.Equal(t, 6, out.Stats.Nodes)
		assert.Equal(t, 4, out.Stats.Edges, "cross links exceed max_distance")
		assert.Equal(t, 2, out.Stats.Neighbours)
		assert.Equal(t, 2, out.Stats.Lineages)
		assert.Equal(t, "flow", out.Stats.Strategy)
		assert.Equal(t, out.Solution.Energy, out.Stats.Energy)
		assert.Nil(t, out.Mergers)
		assert.Nil(t, out.Manifest)
		assert.Nil(t, out.Learned)
		assert.Equal(t, l3costs.WeightsFromConfig(cfg), out.Weights)
	}
	want := [][]tracking.NodeKey{
		{key(0, 1), key(1, 1), key(2, 1)},
		{key(0, 2), key(1, 2), key(2, 2)},
	}
	for i, got := range results {
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("run %d tracks mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRun_EmptyFrame(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	p, err := New(mustConfig(t, flatConfig), WithFileSystem(fsys))
	require.NoError(t, err)

	// Frame 1 holds only an object below the minimum size.
	in := Input{Tables: tables(
		testutil.Record(0, 1, 10, 10, 20),
		testutil.Record(1, 1, 10, 10, 1),
		testutil.Record(2, 1, 10, 10, 20),
	), OutputDir: "out"}
	out, err := p.Run(context.Background(), in)
	require.ErrorIs(t, err, tracking.ErrEmptyFrame)
	assert.Nil(t, out)
	var fe *tracking.FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, fe.Frame)
	assert.Empty(t, fsys.Files("out"), "no partial output")
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	p, err := New(mustConfig(t, flatConfig))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx, Input{Tables: twoCells()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Learning(t *testing.T) {
	t.Parallel()
	p, err := New(mustConfig(t, flatConfig))
	require.NoError(t, err)
	ann := &learning.Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {1: {7}}}}
	out, err := p.Run(context.Background(), Input{
		Tables:      tables(testutil.Record(0, 1, 10, 10, 20), testutil.Record(1, 1, 12, 10, 20)),
		Annotations: ann,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Learned)
	assert.True(t, out.Learned.Converged)
	assert.Equal(t, out.Learned.Weights, out.Weights)
	require.Len(t, out.Result.Tracks, 1)
	assert.Equal(t, []tracking.NodeKey{key(0, 1), key(1, 1)}, out.Result.Tracks[0].Nodes)
}

func TestRun_GrowthExhausted(t *testing.T) {
	t.Parallel()
	p, err := New(mustConfig(t, `{"size_dependent": false, "max_neighbors_limit": 3}`))
	require.NoError(t, err)
	// The annotated link is longer than max_distance, so no neighbour
	// count can represent it.
	ann := &learning.Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {1: {7}}}}
	_, err = p.Run(context.Background(), Input{
		Tables:      tables(testutil.Record(0, 1, 10, 10, 20), testutil.Record(1, 1, 50, 10, 20)),
		Annotations: ann,
	})
	assert.ErrorIs(t, err, tracking.ErrGrowthExhausted)
}

func TestBuildWithRequired(t *testing.T) {
	t.Parallel()
	dets := l1ingest.NewDetections([]tracking.Detection{
		testutil.Detection(0, 1, 10, 10),
		testutil.Detection(1, 1, 11, 10), testutil.Detection(1, 2, 13, 10), testutil.Detection(1, 3, 16, 10),
	})
	solver, err := l4solve.New("flow", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     string
		ann     *learning.Annotations
		wantK   int
		wantErr error
	}{
		{"no annotations", `{"max_nearest_neighbors": 1}`, nil, 1, nil},
		{"nearest", `{"max_nearest_neighbors": 1}`,
			&learning.Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {1: {7}}}}, 1, nil},
		{"grows to third", `{"max_nearest_neighbors": 1, "max_neighbors_limit": 5}`,
			&learning.Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {3: {7}}}}, 3, nil},
		{"limit too low", `{"max_nearest_neighbors": 1, "max_neighbors_limit": 2}`,
			&learning.Annotations{Labels: map[int]map[int][]int{0: {1: {7}}, 1: {3: {7}}}}, 0, tracking.ErrGrowthExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustConfig(t, tt.cfg)
			model := l3costs.NewModelForDetections(l3costs.ParamsFromConfig(cfg), dets, cfg.GetSpatialRanges(), tracking.Vec3{1, 1, 1})
			g, k, err := BuildWithRequired(context.Background(), cfg, dets, tt.ann, model, solver)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantK, k)
			assert.Empty(t, g.MissingRequired(tt.ann.RequiredEdges()))
		})
	}
}

// crossingInput is two cells that touch in frame 1 and part again. The
// classifier sees two objects in the merged detection.
func crossingInput() Input {
	recs := []tracking.FeatureRecord{
		testutil.Record(0, 1, 20, 20, 110), testutil.Record(0, 2, 40, 20, 110),
		testutil.Record(1, 1, 30, 20, 220),
		testutil.Record(2, 1, 20, 20, 110), testutil.Record(2, 2, 40, 20, 110),
	}
	single := []float64{0.01, 0.98, 0.01}
	probs := &testutil.Probabilities{Trained: true, Classes: 3, Detection: map[tracking.NodeKey][]float64{
		key(0, 1): single, key(0, 2): single,
		key(1, 1): {0.001, 0.1, 0.899},
		key(2, 1): single, key(2, 2): single,
	}}

	frames := tracking.MapLabelSource{}
	for ti := 0; ti < 3; ti++ {
		img := tracking.NewLabelImage(64, 40, 1)
		right := uint32(2)
		if ti == 1 {
			right = 1
		}
		testutil.PaintDisk(img, 1, 20, 20, 6)
		testutil.PaintDisk(img, right, 40, 20, 6)
		frames[ti] = img
	}
	return Input{Tables: tables(recs...), Probs: probs, Labels: frames}
}

const crossingConfig = `{"with_classifier_prior": true, "solver": "flow", "workers": 2}`

func TestRun_ResolvesMergersAndExports(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	p, err := New(mustConfig(t, crossingConfig), WithFileSystem(fsys), WithStore(store), WithClock(clock))
	require.NoError(t, err)

	in := crossingInput()
	in.OutputDir = "out"
	out, err := p.Run(context.Background(), in)
	require.NoError(t, err)

	require.NotNil(t, out.Mergers)
	require.Len(t, out.Mergers.Mergers, 1)
	m := out.Mergers.Mergers[0]
	assert.Equal(t, key(1, 1), m.Key)
	assert.Equal(t, 2, m.Count)
	assert.Equal(t, l6mergers.Resolved, m.Status)
	assert.Equal(t, map[int]map[int][]int{1: {1: {2, 3}}}, out.Mergers.Resolved)

	res := out.Result
	assert.Empty(t, res.Mergers)
	want := [][]tracking.NodeKey{
		{key(0, 1), key(1, 2), key(2, 1)},
		{key(0, 2), key(1, 3), key(2, 2)},
	}
	var got [][]tracking.NodeKey
	for _, tr := range res.Tracks {
		got = append(got, tr.Nodes)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tracks mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Stats{
		Frames: 3, Detections: 5, Nodes: 5, Edges: 4, Neighbours: 2,
		Tracks: 2, Lineages: 2, Mergers: 1, MergersResolved: 1,
		Strategy: "flow", Energy: res.Solution.Energy,
	}, out.Stats)
	assert.Equal(t, 6, res.Graph.NumNodes(), "merger split in the result graph")

	require.NotNil(t, out.Manifest)
	assert.Len(t, out.Manifest.Labels, 3)
	labels := l7export.NewDirSource(fsys, filepath.Join("out", l7export.LabelsDir), "")
	lin, ok := res.Lineage(key(1, 2))
	require.True(t, ok)
	f0, err := labels.Frame(context.Background(), 0)
	require.NoError(t, err)
	f1, err := labels.Frame(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(lin), f1.At(20, 20, 0), "left half of the merger")
	assert.Equal(t, f0.At(20, 20, 0), f1.At(20, 20, 0), "same lineage across frames")
	assert.NotEqual(t, f1.At(20, 20, 0), f1.At(40, 20, 0), "halves relabeled apart")

	data, err := fsys.ReadFile(out.Manifest.Events)
	require.NoError(t, err)
	var report l7export.Report
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Mergers, 1)
	assert.Equal(t, l6mergers.Resolved, report.Mergers[0].Status)
	assert.Equal(t, []int{2, 3}, report.Mergers[0].NewIDs)
	if diff := cmp.Diff(res.Events, report.Events); diff != "" {
		t.Errorf("event log mismatch (-want +got):\n%s", diff)
	}

	require.NotEmpty(t, out.RunID)
	runs, err := store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].ID)
	assert.Equal(t, p.Fingerprint(), runs[0].Fingerprint)
	assert.True(t, runs[0].CreatedAt.Equal(clock.Now()))
}

func TestRun_MergerResolutionDisabled(t *testing.T) {
	t.Parallel()
	cfg := mustConfig(t, crossingConfig)
	off := false
	cfg.WithMergerResolution = &off
	p, err := New(cfg)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), crossingInput())
	require.NoError(t, err)
	assert.Nil(t, out.Mergers)
	assert.Equal(t, map[tracking.NodeKey]int{key(1, 1): 2}, out.Result.Mergers)
}

func TestReconfigure_FlushesMemo(t *testing.T) {
	t.Parallel()
	cfg := mustConfig(t, crossingConfig)
	p, err := New(cfg)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), crossingInput())
	require.NoError(t, err)
	cached := p.Memo().Len()
	require.Positive(t, cached)
	fp := p.Fingerprint()

	require.NoError(t, p.Reconfigure(cfg.Clone()))
	assert.Equal(t, fp, p.Fingerprint())
	assert.Equal(t, cached, p.Memo().Len(), "same configuration keeps the memo")

	global := true
	changed := cfg.Clone()
	changed.MergerGlobalResolve = &global
	require.NoError(t, p.Reconfigure(changed))
	assert.NotEqual(t, fp, p.Fingerprint())
	assert.Zero(t, p.Memo().Len())
	assert.True(t, p.Config().GetMergerGlobalResolve())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	bad := -1
	cfg := config.EmptyTrackingConfig()
	cfg.MaxObjects = &bad
	_, err := New(cfg)
	assert.Error(t, err)
}
