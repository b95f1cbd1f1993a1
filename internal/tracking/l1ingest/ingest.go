package l1ingest

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// FrameTable is the feature table of one frame.
type FrameTable struct {
	Timestep int
	Records  []tracking.FeatureRecord
}

// ProbabilitySource is the classifier collaborator. It is asked for
// per-object probabilities only when the corresponding prior is enabled.
type ProbabilitySource interface {
	// Ready reports whether the classifier has been trained.
	Ready() bool
	// NumClasses is the cardinality of the detection classifier
	// (classes 0..NumClasses-1 objects).
	NumClasses() int
	DetectionProbs(key tracking.NodeKey) ([]float64, bool)
	DivisionProb(key tracking.NodeKey) (float64, bool)
}

// Params controls ingestion.
type Params struct {
	TimeRange    [2]int // inclusive
	HasTimeRange bool
	Ranges       [3][2]float64 // [lo, hi) per axis, raw pixel units
	SizeRange    [2]float64    // [min, max)
	Scales       tracking.Vec3
	MaxObjects   int

	WithClassifierPrior bool
	WithDivisions       bool

	Workers int
}

// ParamsFromConfig resolves ingestion parameters from a tracking config.
func ParamsFromConfig(cfg *config.TrackingConfig) Params {
	tr, hasRange := cfg.GetTimeRange()
	return Params{
		TimeRange:           tr,
		HasTimeRange:        hasRange,
		Ranges:              cfg.GetSpatialRanges(),
		SizeRange:           cfg.GetSizeRange(),
		Scales:              tracking.Vec3(cfg.GetScales()),
		MaxObjects:          cfg.GetMaxObjects(),
		WithClassifierPrior: cfg.GetWithClassifierPrior(),
		WithDivisions:       cfg.GetWithDivisions(),
		Workers:             cfg.GetWorkers(),
	}
}

// frameResult is what one worker produces; workers never share state.
type frameResult struct {
	detections []tracking.Detection
	filtered   []int
	records    []tracking.FeatureRecord
	err        error
}

// Ingest normalizes feature tables into detections. Frames are processed
// concurrently by a bounded pool; the call returns once every frame is
// done, so graph building never sees a partial frame set.
func Ingest(ctx context.Context, tables []FrameTable, probs ProbabilitySource, p Params) (*Detections, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ingest cancelled: %w", err)
	}
	if err := checkClassifier(probs, p); err != nil {
		return nil, err
	}

	byTime := make(map[int]*FrameTable, len(tables))
	for i := range tables {
		t := tables[i].Timestep
		if _, dup := byTime[t]; dup {
			return nil, &tracking.FrameError{Frame: t, Err: fmt.Errorf("duplicate feature table")}
		}
		byTime[t] = &tables[i]
	}

	frames, err := frameRange(byTime, p)
	if err != nil {
		return nil, err
	}

	results := make([]frameResult, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, t := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = normalizeFrame(t, byTime[t], probs, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ingest cancelled: %w", err)
	}

	dets := &Detections{
		Frames:   frames,
		byFrame:  make(map[int][]tracking.Detection, len(frames)),
		filtered: make(map[int][]int),
		records:  make(map[tracking.NodeKey]tracking.FeatureRecord),
	}
	// Report the earliest failing frame so errors are deterministic.
	for i, t := range frames {
		r := results[i]
		if r.err != nil {
			return nil, r.err
		}
		dets.byFrame[t] = r.detections
		if len(r.filtered) > 0 {
			dets.filtered[t] = r.filtered
		}
		for _, rec := range r.records {
			dets.records[rec.Key()] = rec
		}
	}

	if p.WithDivisions && !dets.anyDivisionProb() {
		return nil, &tracking.ConfigError{Param: "with_divisions", Reason: "no division probability is available for any detection"}
	}

	monitoring.Logf("[l1ingest] %d detections in %d frames (%d filtered)", dets.Len(), len(frames), dets.FilteredCount())
	return dets, nil
}

func checkClassifier(probs ProbabilitySource, p Params) error {
	if !p.WithClassifierPrior {
		return nil
	}
	if probs == nil || !probs.Ready() {
		return &tracking.ConfigError{Param: "with_classifier_prior", Reason: "detection classifier is not ready"}
	}
	if n := probs.NumClasses(); n < p.MaxObjects+1 {
		return &tracking.ConfigError{
			Param:  "max_objects",
			Reason: fmt.Sprintf("classifier has %d classes, need at least %d", n, p.MaxObjects+1),
		}
	}
	return nil
}

func frameRange(byTime map[int]*FrameTable, p Params) ([]int, error) {
	lo, hi := p.TimeRange[0], p.TimeRange[1]
	if !p.HasTimeRange {
		if len(byTime) == 0 {
			return nil, fmt.Errorf("no feature tables: %w", tracking.ErrEmptyFrame)
		}
		lo, hi = math.MaxInt, math.MinInt
		for t := range byTime {
			lo = min(lo, t)
			hi = max(hi, t)
		}
	}
	frames := make([]int, 0, hi-lo+1)
	for t := lo; t <= hi; t++ {
		frames = append(frames, t)
	}
	return frames, nil
}

func normalizeFrame(t int, table *FrameTable, probs ProbabilitySource, p Params) frameResult {
	if table == nil {
		return frameResult{err: &tracking.FrameError{Frame: t, Err: tracking.ErrEmptyFrame}}
	}
	// A mixture with more components than pixels cannot be fitted.
	sizeMin := math.Max(p.SizeRange[0], float64(p.MaxObjects))

	var res frameResult
	seen := make(map[int]bool, len(table.Records))
	for _, rec := range table.Records {
		if seen[rec.ID] {
			return frameResult{err: &tracking.FrameError{Frame: t, Err: fmt.Errorf("duplicate object id %d", rec.ID)}}
		}
		seen[rec.ID] = true
		if rec.ID <= tracking.BackgroundLabel {
			return frameResult{err: &tracking.FrameError{Frame: t, Err: fmt.Errorf("invalid object id %d", rec.ID)}}
		}

		if rec.Size < sizeMin || rec.Size >= p.SizeRange[1] || outsideROI(rec, p.Ranges) {
			res.filtered = append(res.filtered, rec.ID)
			continue
		}

		det, err := toDetection(t, rec, probs, p)
		if err != nil {
			return frameResult{err: err}
		}
		res.detections = append(res.detections, det)
		rec.Timestep = t
		res.records = append(res.records, rec)
	}
	if len(res.detections) == 0 {
		return frameResult{err: &tracking.FrameError{Frame: t, Err: tracking.ErrEmptyFrame}}
	}
	sort.Slice(res.detections, func(i, j int) bool { return res.detections[i].Key.ID < res.detections[j].Key.ID })
	sort.Ints(res.filtered)
	return res
}

func outsideROI(rec tracking.FeatureRecord, ranges [3][2]float64) bool {
	for a := 0; a < 3; a++ {
		var bmin, bmax float64
		if a < len(rec.BBoxMin) {
			bmin = rec.BBoxMin[a]
		}
		if a < len(rec.BBoxMax) {
			bmax = rec.BBoxMax[a]
		}
		if bmax < ranges[a][0] || bmin >= ranges[a][1] {
			return true
		}
	}
	return false
}

func toDetection(t int, rec tracking.FeatureRecord, probs ProbabilitySource, p Params) (tracking.Detection, error) {
	key := tracking.NodeKey{Timestep: t, ID: rec.ID}
	raw := tracking.VecFrom(rec.Center)
	det := tracking.Detection{
		Key:         key,
		RawPosition: raw,
		Position:    raw.Mul(p.Scales),
		Size:        rec.Size,
		BBoxMin:     tracking.VecFrom(rec.BBoxMin).Mul(p.Scales),
		BBoxMax:     tracking.VecFrom(rec.BBoxMax).Mul(p.Scales),
	}

	if p.WithClassifierPrior {
		dp, ok := probs.DetectionProbs(key)
		if !ok {
			dp = rec.DetectionProbs
		}
		if len(dp) < p.MaxObjects+1 {
			return det, &tracking.ConfigError{
				Param:  "max_objects",
				Node:   &key,
				Reason: fmt.Sprintf("%d detection probabilities, need %d", len(dp), p.MaxObjects+1),
			}
		}
		det.DetectionProbs = make([]float64, p.MaxObjects+1)
		for k := range det.DetectionProbs {
			det.DetectionProbs[k] = tracking.ClampProbability(dp[k])
		}
	}

	if p.WithDivisions {
		var (
			v  float64
			ok bool
		)
		if probs != nil && probs.Ready() {
			v, ok = probs.DivisionProb(key)
		}
		if !ok && rec.DivisionProb != nil {
			v, ok = *rec.DivisionProb, true
		}
		if ok {
			det.DivisionProb = tracking.ClampProbability(v)
			det.HasDivisionProb = true
		}
	}
	return det, nil
}
