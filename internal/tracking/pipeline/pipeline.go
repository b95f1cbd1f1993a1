package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/fsutil"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/timeutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l7export"
	"github.com/ilastik/ilastik-sub003/internal/tracking/learning"
	"github.com/ilastik/ilastik-sub003/internal/tracking/storage/sqlite"
)

// Input is everything one invocation reads. Only Tables is required.
type Input struct {
	Tables      []l1ingest.FrameTable
	Probs       l1ingest.ProbabilitySource // required when with_classifier_prior is set
	Labels      tracking.LabelSource       // raw label frames; needed for merger fits and label export
	Annotations *learning.Annotations      // learn weights from these when not empty

	// OutputDir receives the export when not empty.
	OutputDir string
}

// Output is the snapshot one invocation produced.
type Output struct {
	Fingerprint string
	Detections  *l1ingest.Detections
	Graph       *l2hypotheses.Graph // per-frame hypotheses before merger splitting
	Weights     l3costs.Weights
	Learned     *learning.Report // nil without annotations
	Solution    *l2hypotheses.Solution
	Result      *l5lineage.Result  // after merger resolution
	Mergers     *l6mergers.Outcome // nil when resolution did not run
	Manifest    *l7export.Manifest // nil without OutputDir
	RunID       string             // empty without a store
	Stats       Stats
}

// Stats summarises a run for logs and the CLI.
type Stats struct {
	Frames          int           `json:"frames"`
	Detections      int           `json:"detections"`
	Filtered        int           `json:"filtered"`
	Neighbours      int           `json:"neighbours"`
	Nodes           int           `json:"nodes"`
	Edges           int           `json:"edges"`
	Tracks          int           `json:"tracks"`
	Lineages        int           `json:"lineages"`
	Mergers         int           `json:"mergers"`
	MergersResolved int           `json:"mergers_resolved"`
	MergersFailed   int           `json:"mergers_failed"`
	Strategy        string        `json:"strategy"`
	Energy          float64       `json:"energy"`
	Elapsed         time.Duration `json:"elapsed_ns"`
}

// Pipeline runs the tracking layers under one configuration.
type Pipeline struct {
	cfg         *config.TrackingConfig
	fingerprint string
	memo        *tracking.Memo
	fs          fsutil.FileSystem
	store       *sqlite.Store
	clock       timeutil.Clock
	learnOpts   learning.Options
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFileSystem sets where exports are written. Defaults to the OS.
func WithFileSystem(fsys fsutil.FileSystem) Option { return func(p *Pipeline) { p.fs = fsys } }

// WithStore persists every run into s.
func WithStore(s *sqlite.Store) Option { return func(p *Pipeline) { p.store = s } }

// WithClock sets the clock used for run timing.
func WithClock(c timeutil.Clock) Option { return func(p *Pipeline) { p.clock = c } }

// WithLearningOptions bounds weight learning.
func WithLearningOptions(o learning.Options) Option {
	return func(p *Pipeline) { p.learnOpts = o }
}

// New validates cfg and returns a pipeline bound to it.
func New(cfg *config.TrackingConfig, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		fs:    fsutil.OSFileSystem{},
		clock: timeutil.RealClock{},
		memo:  tracking.NewMemo(""),
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconfigure swaps the configuration. A different fingerprint flushes
// every memoized artefact.
func (p *Pipeline) Reconfigure(cfg *config.TrackingConfig) error {
	if cfg == nil {
		cfg = config.EmptyTrackingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fp, err := tracking.Fingerprint(cfg)
	if err != nil {
		return err
	}
	p.cfg = cfg.Clone()
	p.fingerprint = fp
	if p.memo.Reset(fp) {
		monitoring.Logf("[pipeline] configuration %s, memo flushed", fp)
	}
	return nil
}

// Config returns a copy of the active configuration.
func (p *Pipeline) Config() *config.TrackingConfig { return p.cfg.Clone() }

// Fingerprint identifies the active configuration.
func (p *Pipeline) Fingerprint() string { return p.fingerprint }

// Memo exposes the memo table shared by every run of p.
func (p *Pipeline) Memo() *tracking.Memo { return p.memo }

// stage checks for cancellation, then runs fn between stage log lines.
func stage(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s cancelled: %w", name, err)
	}
	done := monitoring.Stage(name)
	defer done()
	return fn()
}

// Run executes one invocation over in.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Output, error) {
	start := p.clock.Now()
	cfg := p.cfg
	out := &Output{Fingerprint: p.fingerprint}

	solver, err := l4solve.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	mode, err := l7export.ParseMode(cfg.GetLabelMode())
	if err != nil {
		return nil, err
	}

	if err := stage(ctx, "ingest", func() error {
		out.Detections, err = l1ingest.Ingest(ctx, in.Tables, in.Probs, l1ingest.ParamsFromConfig(cfg))
		return err
	}); err != nil {
		return nil, err
	}
	dets := out.Detections
	model := l3costs.NewModelForDetections(l3costs.ParamsFromConfig(cfg), dets, cfg.GetSpatialRanges(), tracking.Vec3(cfg.GetScales()))

	if err := stage(ctx, "hypotheses", func() error {
		out.Graph, out.Stats.Neighbours, err = BuildWithRequired(ctx, cfg, dets, in.Annotations, model, solver)
		return err
	}); err != nil {
		return nil, err
	}
	g := out.Graph

	if !in.Annotations.Empty() {
		if err := stage(ctx, "learning", func() error {
			out.Learned, err = learning.Learn(ctx, g, in.Annotations, model, solver, p.learnOpts)
			return err
		}); err != nil {
			return nil, err
		}
		model = model.WithWeights(out.Learned.Weights)
	}
	out.Weights = model.Weights()

	var table *l3costs.Table
	if err := stage(ctx, "solve", func() error {
		out.Solution, table, err = solve(ctx, g, model, solver, cfg.GetWithTracklets())
		return err
	}); err != nil {
		return nil, err
	}

	var res *l5lineage.Result
	if err := stage(ctx, "interpret", func() error {
		res, err = l5lineage.Interpret(g, out.Solution, table)
		return err
	}); err != nil {
		return nil, err
	}

	switch {
	case len(res.Mergers) == 0:
	case !cfg.GetWithMergerResolution():
		monitoring.Logf("[pipeline] %d mergers left unresolved: merger resolution disabled", len(res.Mergers))
	case in.Labels == nil:
		monitoring.Logf("[pipeline] %d mergers left unresolved: no label source", len(res.Mergers))
	default:
		if err := stage(ctx, "mergers", func() error {
			r := l6mergers.NewResolver(in.Labels, model, solver, p.memo, l6mergers.ParamsFromConfig(cfg))
			out.Mergers, err = r.Resolve(ctx, res)
			if err != nil || out.Mergers.Costs == nil {
				return err
			}
			res, err = l5lineage.Interpret(out.Mergers.Graph, out.Mergers.Solution, out.Mergers.Costs)
			return err
		}); err != nil {
			return nil, err
		}
	}
	out.Result = res

	if in.OutputDir != "" {
		if err := stage(ctx, "export", func() error {
			ex := l7export.NewExporter(p.fs, in.OutputDir, mode, cfg.GetWorkers())
			out.Manifest, err = ex.Export(ctx, res, out.Mergers, dets, in.Labels)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if p.store != nil {
		if err := stage(ctx, "store", func() error {
			out.RunID, err = p.save(ctx, out)
			return err
		}); err != nil {
			return nil, err
		}
	}

	out.Stats.fill(out)
	out.Stats.Elapsed = p.clock.Since(start)
	monitoring.Logf("[pipeline] %d tracks in %d lineages over %d frames, energy %.4f (%s)",
		out.Stats.Tracks, out.Stats.Lineages, out.Stats.Frames, out.Stats.Energy, out.Stats.Elapsed.Round(time.Millisecond))
	return out, nil
}

// solve optimises g, over its tracklet graph when tracklets are on, and
// returns the per-frame assignment with the per-frame cost table.
func solve(ctx context.Context, g *l2hypotheses.Graph, model *l3costs.Model, solver *l4solve.Solver,
	tracklets bool) (*l2hypotheses.Solution, *l3costs.Table, error) {
	target := g
	if tracklets {
		target = g.Compact()
		monitoring.Logf("[pipeline] %d nodes compacted into %d tracklets", g.NumNodes(), target.NumNodes())
	}
	sol, err := solver.Solve(ctx, &l4solve.Problem{
		Graph:         target,
		Costs:         model.Table(target),
		WithDivisions: model.Params().WithDivisions,
	})
	if err != nil {
		return nil, nil, err
	}
	sol, err = target.Expand(sol)
	if err != nil {
		return nil, nil, err
	}
	table := model.Table(g)
	sol.Energy = table.Energy(g, sol)
	return sol, table, nil
}

func (p *Pipeline) save(ctx context.Context, out *Output) (string, error) {
	cfgJSON, err := json.Marshal(p.cfg)
	if err != nil {
		return "", fmt.Errorf("encode configuration: %w", err)
	}
	run := &sqlite.Run{
		Fingerprint: p.fingerprint,
		Config:      cfgJSON,
		Objects:     l7export.BuildTable(out.Result, out.Detections, out.Mergers),
		Report:      l7export.NewReport(out.Result, out.Mergers),
	}
	return p.store.SaveRun(ctx, run)
}

func (s *Stats) fill(out *Output) {
	dets := out.Detections
	s.Frames = len(dets.Frames)
	s.Detections = dets.Len()
	s.Filtered = dets.FilteredCount()
	s.Nodes = out.Graph.NumNodes()
	s.Edges = out.Graph.NumEdges()
	s.Tracks = len(out.Result.Tracks)
	s.Lineages = len(out.Result.Lineages())
	s.Strategy = out.Result.Solution.Strategy
	s.Energy = out.Result.Solution.Energy
	if out.Mergers != nil {
		s.Mergers = len(out.Mergers.Mergers)
		s.MergersFailed = len(out.Mergers.Failed())
		for _, m := range out.Mergers.Mergers {
			if m.Status == l6mergers.Resolved {
				s.MergersResolved++
			}
		}
	}
}
