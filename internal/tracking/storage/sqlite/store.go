package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ilastik/ilastik-sub003/internal/timeutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l7export"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("tracking run not found")

// Run is one pipeline invocation to persist.
type Run struct {
	ID          string // generated when empty
	Fingerprint string
	Config      json.RawMessage
	CreatedAt   time.Time // stamped by the store when zero

	Objects []l7export.Row
	Report  *l7export.Report
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID          string
	Fingerprint string
	Strategy    string
	Energy      float64
	CreatedAt   time.Time
	Objects     int
}

// Store is the SQLite result store.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps and busy backoff.
func WithClock(c timeutil.Clock) Option { return func(s *Store) { s.clock = c } }

// Open opens or creates the database at path and migrates it to the
// latest schema. ":memory:" gives a private in-memory store.
func Open(path string, opts ...Option) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun writes a run in one transaction and returns its id.
func (s *Store) SaveRun(ctx context.Context, run *Run) (string, error) {
	if run.Report == nil {
		return "", fmt.Errorf("save run: no report")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock.Now()
	}
	var cfg any
	if len(run.Config) > 0 {
		cfg = string(run.Config)
	}

	err := retryOnBusy(s.clock, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracking_runs (run_id, fingerprint, strategy, energy, config_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, run.Fingerprint, run.Report.Strategy, run.Report.Energy, cfg, run.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if err := insertObjects(ctx, tx, run.ID, run.Objects); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, run.ID, run.Report.Events); err != nil {
			return err
		}
		if err := insertDivisions(ctx, tx, run.ID, run.Report.Divisions); err != nil {
			return err
		}
		if err := insertMergers(ctx, tx, run.ID, run.Report.Mergers); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func insertObjects(ctx context.Context, tx *sql.Tx, runID string, rows []l7export.Row) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracking_objects (
			run_id, timestep, object_id, track_id, lineage_id, parent_track_id,
			count, merged_from, x, y, z, size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, runID, r.Timestep, r.ObjectID, r.TrackID, r.LineageID, r.ParentTrackID,
			r.Count, r.MergedFrom, r.Position[0], r.Position[1], r.Position[2], r.Size); err != nil {
			return fmt.Errorf("insert object t=%d/id=%d: %w", r.Timestep, r.ObjectID, err)
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, runID string, frames []l5lineage.FrameEvents) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracking_events (
			run_id, timestep, kind, node_t, node_id, to_t, to_id, children, count, energy
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range frames {
		for _, evs := range [][]l5lineage.Event{f.Appearances, f.Disappearances, f.Moves, f.Divisions, f.Mergers} {
			for _, e := range evs {
				var toT, toID, children any
				if e.To != nil {
					toT, toID = e.To.Timestep, e.To.ID
				}
				if len(e.Children) > 0 {
					b, err := json.Marshal(e.Children)
					if err != nil {
						return err
					}
					children = string(b)
				}
				if _, err := stmt.ExecContext(ctx, runID, f.Timestep, e.Kind.String(), e.Node.Timestep, e.Node.ID,
					toT, toID, children, e.Count, e.Energy); err != nil {
					return fmt.Errorf("insert %s event at %s: %w", e.Kind, e.Node, err)
				}
			}
		}
	}
	return nil
}

func insertDivisions(ctx context.Context, tx *sql.Tx, runID string, divs []l5lineage.DivisionRecord) error {
	for _, d := range divs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracking_divisions (run_id, timestep, parent_id, parent_track, child_track_a, child_track_b)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, d.Timestep, d.Parent.ID, d.ParentTrack, d.ChildTracks[0], d.ChildTracks[1],
		); err != nil {
			return fmt.Errorf("insert division at %s: %w", d.Parent, err)
		}
	}
	return nil
}

func insertMergers(ctx context.Context, tx *sql.Tx, runID string, mergers []l7export.MergerReport) error {
	for _, m := range mergers {
		var errText, ids any
		if m.Error != "" {
			errText = m.Error
		}
		if len(m.NewIDs) > 0 {
			b, err := json.Marshal(m.NewIDs)
			if err != nil {
				return err
			}
			ids = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracking_mergers (run_id, timestep, object_id, count, status, error, new_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, m.Node.Timestep, m.Node.ID, m.Count, m.Status.String(), errText, ids,
		); err != nil {
			return fmt.Errorf("insert merger at %s: %w", m.Node, err)
		}
	}
	return nil
}

// ListRuns returns every stored run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.fingerprint, r.strategy, r.energy, r.created_at,
		       (SELECT COUNT(*) FROM tracking_objects o WHERE o.run_id = r.run_id)
		FROM tracking_runs r
		ORDER BY r.created_at DESC, r.run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var created int64
		if err := rows.Scan(&rs.ID, &rs.Fingerprint, &rs.Strategy, &rs.Energy, &created, &rs.Objects); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rs.CreatedAt = time.Unix(0, created)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// LoadObjects returns the object table of a run in (timestep, id) order.
// Extra feature columns are not stored.
func (s *Store) LoadObjects(ctx context.Context, runID string) ([]l7export.Row, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestep, object_id, track_id, lineage_id, parent_track_id, count, merged_from, x, y, z, size
		FROM tracking_objects
		WHERE run_id = ?
		ORDER BY timestep, object_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()

	var out []l7export.Row
	for rows.Next() {
		var r l7export.Row
		if err := rows.Scan(&r.Timestep, &r.ObjectID, &r.TrackID, &r.LineageID, &r.ParentTrackID,
			&r.Count, &r.MergedFrom, &r.Position[0], &r.Position[1], &r.Position[2], &r.Size); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadDivisions returns the division table of a run.
func (s *Store) LoadDivisions(ctx context.Context, runID string) ([]l5lineage.DivisionRecord, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestep, parent_id, parent_track, child_track_a, child_track_b
		FROM tracking_divisions
		WHERE run_id = ?
		ORDER BY timestep, parent_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("load divisions: %w", err)
	}
	defer rows.Close()

	var out []l5lineage.DivisionRecord
	for rows.Next() {
		var d l5lineage.DivisionRecord
		if err := rows.Scan(&d.Timestep, &d.Parent.ID, &d.ParentTrack, &d.ChildTracks[0], &d.ChildTracks[1]); err != nil {
			return nil, fmt.Errorf("scan division: %w", err)
		}
		d.Parent.Timestep = d.Timestep
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountEvents returns the number of stored events per kind.
func (s *Store) CountEvents(ctx context.Context, runID string) (map[string]int, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM tracking_events WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, runID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tracking_runs WHERE run_id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return err
}

// Busy retry: maxBusyAttempts tries, sleeping busyBackoff, 2*busyBackoff, ...
const (
	maxBusyAttempts = 5
	busyBackoff     = 10 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func retryOnBusy(clock timeutil.Clock, fn func() error) error {
	delay := busyBackoff
	var err error
	for attempt := 1; attempt <= maxBusyAttempts; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxBusyAttempts {
			clock.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxBusyAttempts, err)
}
