package l7export

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/ilastik/ilastik-sub003/internal/fsutil"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
)

// Artifact file names inside the output directory.
const (
	TableFile  = "objects.csv"
	EventsFile = "events.json"
	LabelsDir  = "labels"
)

// Manifest lists what an export wrote.
type Manifest struct {
	Labels []string
	Table  string
	Events string
}

// Exporter writes run artifacts below one directory.
type Exporter struct {
	fs      fsutil.FileSystem
	dir     string
	mode    Mode
	workers int
}

// NewExporter writes into dir. workers bounds concurrent frame encodes.
func NewExporter(fsys fsutil.FileSystem, dir string, mode Mode, workers int) *Exporter {
	return &Exporter{fs: fsys, dir: dir, mode: mode, workers: max(workers, 1)}
}

// Export writes the result table and event log, and, when source is not
// nil, the relabeled image of every frame of the result graph.
func (e *Exporter) Export(ctx context.Context, res *l5lineage.Result, mergers *l6mergers.Outcome,
	dets *l1ingest.Detections, source tracking.LabelSource) (*Manifest, error) {
	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	man := &Manifest{}

	if source != nil {
		frames := res.Graph.Frames()
		out := NewDirSource(e.fs, filepath.Join(e.dir, LabelsDir), "")
		man.Labels = make([]string, len(frames))
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(e.workers)
		for i, t := range frames {
			eg.Go(func() error {
				raw, err := source.Frame(gctx, t)
				if err != nil {
					return err
				}
				if err := out.WriteFrame(t, Relabel(raw, t, res, mergers, e.mode)); err != nil {
					return &tracking.FrameError{Frame: t, Err: err}
				}
				man.Labels[i] = out.Path(t)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	man.Table = filepath.Join(e.dir, TableFile)
	if err := e.write(man.Table, func(f io.Writer) error { return WriteCSV(f, BuildTable(res, dets, mergers)) }); err != nil {
		return nil, err
	}
	man.Events = filepath.Join(e.dir, EventsFile)
	if err := e.write(man.Events, func(f io.Writer) error { return WriteEvents(f, NewReport(res, mergers)) }); err != nil {
		return nil, err
	}
	monitoring.Logf("[l7export] wrote %d label frames, %s and %s to %s", len(man.Labels), TableFile, EventsFile, e.dir)
	return man, nil
}

func (e *Exporter) write(path string, fill func(io.Writer) error) error {
	w, err := e.fs.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fill(w); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}
