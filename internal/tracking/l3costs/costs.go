package l3costs

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
)

// convexEps is the minimum slope increase enforced between consecutive
// detection increments.
const convexEps = 1e-6

// Flat detection prior used without classifier or size prior.
const (
	flatSingleProb = 0.9
	flatOtherProb  = 0.1
)

// Params controls the cost model.
type Params struct {
	MaxObjects          int
	Weights             Weights
	TransitionParameter float64
	DivisionThreshold   float64
	WithDivisions       bool
	SizeDependent       bool
	AvgSize             float64 // 0 derives it from the detections
	BorderAwareWidth    float64
}

// ParamsFromConfig resolves cost parameters from a tracking config.
func ParamsFromConfig(cfg *config.TrackingConfig) Params {
	return Params{
		MaxObjects:          cfg.GetMaxObjects(),
		Weights:             WeightsFromConfig(cfg),
		TransitionParameter: cfg.GetTransitionParameter(),
		DivisionThreshold:   cfg.GetDivisionThreshold(),
		WithDivisions:       cfg.GetWithDivisions(),
		SizeDependent:       cfg.GetSizeDependent(),
		AvgSize:             cfg.GetAvgSize(),
		BorderAwareWidth:    cfg.GetBorderAwareWidth(),
	}
}

// Model turns hypotheses into energies. It is immutable; With* methods
// return modified copies.
type Model struct {
	params Params
	fov    FieldOfView
}

// NewModel binds parameters to a field of view.
func NewModel(p Params, fov FieldOfView) *Model {
	if p.TransitionParameter <= 0 {
		p.TransitionParameter = 5
	}
	return &Model{params: p, fov: fov}
}

// NewModelForDetections derives the field of view and, when unset, the
// average object size from the ingested detections.
func NewModelForDetections(p Params, dets *l1ingest.Detections, ranges [3][2]float64, scales tracking.Vec3) *Model {
	if p.AvgSize <= 0 {
		p.AvgSize = dets.MeanSize()
	}
	return NewModel(p, NewFieldOfView(dets, ranges, scales))
}

// Params returns the model parameters.
func (m *Model) Params() Params { return m.params }

// FieldOfView returns the model's field of view.
func (m *Model) FieldOfView() FieldOfView { return m.fov }

// Weights returns the current weights.
func (m *Model) Weights() Weights { return m.params.Weights }

// MaxObjects returns the per-node capacity.
func (m *Model) MaxObjects() int { return m.params.MaxObjects }

// WithWeights returns a copy of m using w.
func (m *Model) WithWeights(w Weights) *Model {
	cp := *m
	cp.params.Weights = w
	return &cp
}

// WithMaxObjects returns a copy of m with a different node capacity.
func (m *Model) WithMaxObjects(n int) *Model {
	cp := *m
	cp.params.MaxObjects = n
	return &cp
}

// WithDivisions returns a copy of m with division hypotheses toggled.
func (m *Model) WithDivisions(on bool) *Model {
	cp := *m
	cp.params.WithDivisions = on
	return &cp
}

// Table computes the cost table of g.
func (m *Model) Table(g *l2hypotheses.Graph) *Table {
	n, M := g.NumNodes(), m.params.MaxObjects
	t := &Table{
		weights:      m.params.Weights,
		maxObjects:   M,
		detFeat:      make([][]float64, n),
		innerTrans:   make([]float64, n),
		transFeat:    make([]float64, g.NumEdges()),
		divFeat:      make([]float64, n),
		divCandidate: make([]bool, n),
		appFeat:      make([]float64, n),
		disFeat:      make([]float64, n),
	}
	ref := g.Reference()
	for i := 0; i < n; i++ {
		node := g.Node(i)
		curve := make([]float64, M+1)
		for _, d := range node.Members {
			for k, v := range m.detectionCurve(d) {
				curve[k] += v
			}
		}
		t.detFeat[i] = Convexify(curve)
		for _, e := range g.InternalEdges(i) {
			t.innerTrans[i] += m.transitionFeature(ref.Edge(e).Distance)
		}

		last := node.Last()
		if v, ok := m.divisionFeature(last); ok {
			t.divFeat[i], t.divCandidate[i] = v, true
		}
		t.appFeat[i] = m.fov.borderMultiplier(node.First(), m.params.BorderAwareWidth, true)
		t.disFeat[i] = m.fov.borderMultiplier(last, m.params.BorderAwareWidth, false)
	}
	for e := 0; e < g.NumEdges(); e++ {
		t.transFeat[e] = m.transitionFeature(g.Edge(e).Distance)
	}
	return t
}

// detectionCurve returns the unweighted energy of holding k = 0..M
// objects, relative to k = 0.
func (m *Model) detectionCurve(d tracking.Detection) []float64 {
	M := m.params.MaxObjects
	probs := make([]float64, M+1)
	switch {
	case len(d.DetectionProbs) >= M+1:
		copy(probs, d.DetectionProbs)
	case m.params.SizeDependent && m.params.AvgSize > 0:
		lambda := math.Max(d.Size/m.params.AvgSize, 1e-3)
		pois := distuv.Poisson{Lambda: lambda}
		for k := 0; k < M; k++ {
			probs[k] = pois.Prob(float64(k))
		}
		probs[M] = 1 - pois.CDF(float64(M-1))
	default:
		for k := range probs {
			probs[k] = flatOtherProb
		}
		probs[1] = flatSingleProb
	}
	curve := make([]float64, M+1)
	base := math.Log(tracking.ClampProbability(probs[0]))
	for k := 1; k <= M; k++ {
		curve[k] = -math.Log(tracking.ClampProbability(probs[k])) + base
	}
	return curve
}

// transitionFeature is -ln(exp(-d/tau)).
func (m *Model) transitionFeature(dist float64) float64 {
	return dist / m.params.TransitionParameter
}

func (m *Model) divisionFeature(d tracking.Detection) (float64, bool) {
	if !m.params.WithDivisions || !d.HasDivisionProb || d.DivisionProb <= m.params.DivisionThreshold {
		return 0, false
	}
	p := tracking.ClampProbability(d.DivisionProb)
	return -math.Log(p) + math.Log(1-p), true
}

// Convexify turns an energy curve E(0..M) into increments E(k)-E(k-1)
// for k = 1..M that strictly increase, so filling capacity in order of
// increment is always optimal.
func Convexify(curve []float64) []float64 {
	if len(curve) < 2 {
		return nil
	}
	inc := make([]float64, len(curve)-1)
	for k := 1; k < len(curve); k++ {
		inc[k-1] = curve[k] - curve[k-1]
		if k > 1 && inc[k-1] < inc[k-2]+convexEps {
			inc[k-1] = inc[k-2] + convexEps
		}
	}
	return inc
}
