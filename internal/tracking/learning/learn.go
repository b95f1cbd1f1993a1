package learning

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
)

// Defaults for Options.
const (
	DefaultMaxIterations = 100
	DefaultEpsilon       = 1e-6
)

// Options bounds the perceptron.
type Options struct {
	MaxIterations int
	Epsilon       float64 // energy margin accepted as convergence
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Epsilon <= 0 {
		o.Epsilon = DefaultEpsilon
	}
	return o
}

// Report summarises a learning run.
type Report struct {
	Weights    l3costs.Weights
	Iterations int
	Converged  bool
	Projected  bool // a negative weight forced a refit with w >= 0
}

// Learn fits the weights of model so that the annotated assignment is
// the minimum-energy one on the graph pruned to the annotations. Empty
// annotations return the model's weights unchanged.
func Learn(ctx context.Context, g *l2hypotheses.Graph, ann *Annotations, model *l3costs.Model,
	solver *l4solve.Solver, opts Options) (*Report, error) {
	if ann.Empty() {
		return &Report{Weights: model.Weights(), Converged: true}, nil
	}
	opts = opts.withDefaults()

	sub, truth, err := ann.GroundTruth(g, model.MaxObjects())
	if err != nil {
		return nil, err
	}
	p := &l4solve.Problem{
		Graph:         sub,
		Costs:         model.Table(sub),
		WithDivisions: model.Params().WithDivisions,
		Pins:          Pins(sub, truth),
	}
	if _, err := solver.Solve(ctx, p); err != nil {
		return nil, fmt.Errorf("annotations are not representable: %w", err)
	}

	l := &learner{ctx: ctx, graph: sub, truth: truth, model: model, solver: solver, opts: opts}
	w, iters, converged, err := l.run(model.Weights(), false)
	if err != nil {
		return nil, err
	}
	rep := &Report{Weights: w.Normalized(), Iterations: iters, Converged: converged}
	if rep.Weights.HasNegative() {
		monitoring.Logf("[learning] negative weight in %+v, refitting with w >= 0", rep.Weights)
		w, more, converged, err := l.run(project(rep.Weights), true)
		if err != nil {
			return nil, err
		}
		rep.Weights, rep.Iterations, rep.Converged, rep.Projected = w.Normalized(), iters+more, converged, true
	}
	monitoring.Logf("[learning] %d iterations, converged=%t, weights %+v", rep.Iterations, rep.Converged, rep.Weights)
	return rep, nil
}

type learner struct {
	ctx    context.Context
	graph  *l2hypotheses.Graph
	truth  *l2hypotheses.Solution
	model  *l3costs.Model
	solver *l4solve.Solver
	opts   Options
}

// run iterates w <- w + eta (phi(predicted) - phi(truth)) until the truth
// is no more expensive than the prediction.
func (l *learner) run(w l3costs.Weights, nonNegative bool) (l3costs.Weights, int, bool, error) {
	for iter := 0; iter < l.opts.MaxIterations; iter++ {
		table := l.model.WithWeights(w).Table(l.graph)
		pred, err := l.solver.Solve(l.ctx, &l4solve.Problem{
			Graph:         l.graph,
			Costs:         table,
			WithDivisions: l.model.Params().WithDivisions,
		})
		if err != nil {
			return w, iter, false, fmt.Errorf("learning iteration %d: %w", iter, err)
		}
		want := table.Features(l.graph, l.truth)
		got := table.Features(l.graph, pred)
		if w.Dot(want) <= w.Dot(got)+l.opts.Epsilon {
			return w, iter, true, nil
		}

		delta := got.Sub(want)
		dn := floats.Norm(delta[:], 2)
		if dn == 0 {
			return w, iter, true, nil
		}
		scale := w.Norm()
		if scale == 0 {
			scale = 1
		}
		v := w.Vector()
		floats.AddScaled(v, scale/(dn*float64(iter+1)), delta[:])
		w = l3costs.WeightsFromVector(v)
		if nonNegative {
			w = project(w)
		}
	}
	return w, l.opts.MaxIterations, false, nil
}

// project clips negative weights to zero.
func project(w l3costs.Weights) l3costs.Weights {
	v := w.Vector()
	for i := range v {
		if v[i] < 0 {
			v[i] = 0
		}
	}
	return l3costs.WeightsFromVector(v)
}
