package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/timeutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l7export"
)

func init() { monitoring.SetLogger(nil) }

func key(t, id int) tracking.NodeKey { return tracking.NodeKey{Timestep: t, ID: id} }

func openStore(t *testing.T, clock timeutil.Clock) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracking.db")
	s, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleRun() *Run {
	to := key(1, 1)
	return &Run{
		Fingerprint: "abc123",
		Config:      json.RawMessage(`{"max_objects":2}`),
		Objects: []l7export.Row{
			{Timestep: 0, ObjectID: 1, TrackID: 2, LineageID: 2, Count: 1, Position: tracking.Vec3{5, 5, 0}, Size: 20},
			{Timestep: 1, ObjectID: 1, TrackID: 3, LineageID: 2, ParentTrackID: 2, Count: 1, Position: tracking.Vec3{4, 5, 0}, Size: 10},
			{Timestep: 1, ObjectID: 4, TrackID: 4, LineageID: 2, ParentTrackID: 2, Count: 1, MergedFrom: 2, Position: tracking.Vec3{6, 5, 0}, Size: 10},
		},
		Report: &l7export.Report{
			Strategy: "flow",
			Energy:   -12.5,
			Events: []l5lineage.FrameEvents{
				{Timestep: 0, Appearances: []l5lineage.Event{{Kind: l5lineage.Appearance, Node: key(0, 1), Count: 1}}},
				{Timestep: 1,
					Moves:     []l5lineage.Event{{Kind: l5lineage.Move, Node: key(0, 1), To: &to, Count: 1, Energy: 0.4}},
					Divisions: []l5lineage.Event{{Kind: l5lineage.Division, Node: key(0, 1), Children: []tracking.NodeKey{key(1, 1), key(1, 4)}, Count: 1}},
				},
			},
			Divisions: []l5lineage.DivisionRecord{{Timestep: 0, Parent: key(0, 1), ParentTrack: 2, ChildTracks: [2]int{3, 4}}},
			Mergers: []l7export.MergerReport{
				{Node: key(1, 2), Count: 2, Status: l6mergers.Resolved, NewIDs: []int{3, 4}},
				{Node: key(2, 7), Count: 2, Status: l6mergers.Failed, Error: "merger fit failed"},
			},
		},
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	s, _ := openStore(t, clock)
	ctx := context.Background()

	run := sampleRun()
	id, err := s.SaveRun(ctx, run)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, run.ID)

	objs, err := s.LoadObjects(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, run.Objects, objs)

	divs, err := s.LoadDivisions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, run.Report.Divisions, divs)

	counts, err := s.CountEvents(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"appearance": 1, "move": 1, "division": 1}, counts)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.True(t, got.CreatedAt.Equal(clock.Now()), "created %v", got.CreatedAt)
	got.CreatedAt = time.Time{}
	assert.Equal(t, RunSummary{ID: id, Fingerprint: "abc123", Strategy: "flow", Energy: -12.5, Objects: 3}, got)
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	s, _ := openStore(t, clock)
	ctx := context.Background()

	first, err := s.SaveRun(ctx, sampleRun())
	require.NoError(t, err)
	clock.Advance(time.Hour)
	second, err := s.SaveRun(ctx, sampleRun())
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)
}

func TestStore_Errors(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, timeutil.RealClock{})
	ctx := context.Background()

	_, err := s.LoadObjects(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.LoadDivisions(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = s.SaveRun(ctx, &Run{Fingerprint: "x"})
	assert.Error(t, err)

	run := sampleRun()
	_, err = s.SaveRun(ctx, run)
	require.NoError(t, err)
	dup := sampleRun()
	dup.ID = run.ID
	_, err = s.SaveRun(ctx, dup)
	assert.Error(t, err, "duplicate run id")

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "failed save leaves nothing behind")
}

func TestStore_Migrations(t *testing.T) {
	t.Parallel()
	s, path := openStore(t, timeutil.RealClock{})
	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	version, _, err = again.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestIsSQLiteBusy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSQLiteBusy(tt.err))
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("success after retry", func(t *testing.T) {
		clock := timeutil.NewMockClock(time.Time{})
		calls := 0
		err := retryOnBusy(clock, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, clock.Sleeps())
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		clock := timeutil.NewMockClock(time.Time{})
		other := errors.New("some other error")
		calls := 0
		err := retryOnBusy(clock, func() error {
			calls++
			return other
		})
		assert.Equal(t, other, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, clock.Sleeps())
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		clock := timeutil.NewMockClock(time.Time{})
		calls := 0
		err := retryOnBusy(clock, func() error {
			calls++
			return busy
		})
		assert.ErrorIs(t, err, busy)
		assert.Equal(t, 5, calls)
		assert.Len(t, clock.Sleeps(), 4)
	})
}
