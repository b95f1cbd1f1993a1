package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
	"github.com/ilastik/ilastik-sub003/internal/tracking/learning"
)

// BuildParamsFromConfig returns the hypotheses parameters for neighbour
// count k.
func BuildParamsFromConfig(cfg *config.TrackingConfig, k int) l2hypotheses.BuildParams {
	return l2hypotheses.BuildParams{
		K:                 k,
		MaxDistance:       cfg.GetMaxDistance(),
		WithDivisions:     cfg.GetWithDivisions(),
		DivisionThreshold: cfg.GetDivisionThreshold(),
	}
}

// BuildWithRequired builds the hypotheses graph, raising the neighbour
// count from max_nearest_neighbors until the graph holds every link the
// annotations require and the annotated assignment is feasible on it.
// It returns the graph and the neighbour count that produced it. Past
// max_neighbors_limit it fails with ErrGrowthExhausted. Without
// annotations the first graph is returned.
func BuildWithRequired(ctx context.Context, cfg *config.TrackingConfig, dets *l1ingest.Detections,
	ann *learning.Annotations, model *l3costs.Model, solver *l4solve.Solver) (*l2hypotheses.Graph, int, error) {
	required := ann.RequiredEdges()
	lo, hi := cfg.GetMaxNearestNeighbors(), cfg.GetMaxNeighborsLimit()
	for k := lo; k <= hi; k++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, fmt.Errorf("build cancelled: %w", err)
		}
		g, err := l2hypotheses.Build(dets, BuildParamsFromConfig(cfg, k))
		if err != nil {
			return nil, 0, err
		}
		if ann.Empty() {
			return g, k, nil
		}
		if missing := g.MissingRequired(required); len(missing) > 0 {
			monitoring.Logf("[pipeline] k=%d misses %d required links (first %s), growing", k, len(missing), missing[0])
			continue
		}
		err = representable(ctx, g, ann, model, solver)
		if err == nil {
			if k > lo {
				monitoring.Logf("[pipeline] annotations representable at k=%d", k)
			}
			return g, k, nil
		}
		if !errors.Is(err, tracking.ErrInfeasible) {
			return nil, 0, err
		}
		monitoring.Logf("[pipeline] k=%d cannot represent the annotations: %v", k, err)
	}
	return nil, 0, fmt.Errorf("no graph with up to %d neighbours represents the annotations: %w", hi, tracking.ErrGrowthExhausted)
}

// representable solves the annotated subgraph with the annotated
// assignment pinned.
func representable(ctx context.Context, g *l2hypotheses.Graph, ann *learning.Annotations,
	model *l3costs.Model, solver *l4solve.Solver) error {
	sub, truth, err := ann.GroundTruth(g, model.MaxObjects())
	if err != nil {
		return err
	}
	_, err = solver.Solve(ctx, &l4solve.Problem{
		Graph:         sub,
		Costs:         model.Table(sub),
		WithDivisions: model.Params().WithDivisions,
		Pins:          learning.Pins(sub, truth),
	})
	return err
}
