package l6mergers

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// EM defaults.
const (
	defaultMaxIterations = 100
	defaultTolerance     = 1e-6
	covarianceRidge      = 1e-2 // added to every covariance diagonal
	minComponentMass     = 1e-8
)

var (
	errTooFewPoints = errors.New("fewer points than components")
	errSingular     = errors.New("singular component covariance")
	errCollapsed    = errors.New("component lost all its points")
)

// Component is one fitted Gaussian in pixel coordinates.
type Component struct {
	Weight float64
	Mean   tracking.Vec3
	Points int // pixels assigned to the component

	BBoxMin, BBoxMax tracking.Vec3 // of the assigned pixels, max exclusive

	dist *distmv.Normal
}

// Mixture is a Gaussian mixture over the axes along which the fitted
// pixels vary. Fixed axes (z in 2-D data) are left out of the model.
type Mixture struct {
	Components    []Component
	LogLikelihood float64
	Iterations    int

	axes []int
}

// FitMixture fits k components by expectation maximisation. Means start
// at mutually farthest pixels, so identical input gives identical output.
func FitMixture(points []tracking.Vec3, k int) (*Mixture, error) {
	if k < 1 || len(points) < k {
		return nil, fmt.Errorf("%w: %d points, %d components", errTooFewPoints, len(points), k)
	}
	axes := varyingAxes(points)
	if k == 1 {
		m := &Mixture{axes: nil}
		m.Components = []Component{single(points)}
		return m, nil
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("%w: all pixels coincide", errSingular)
	}
	n, d := len(points), len(axes)
	X := mat.NewDense(n, d, nil)
	for i, p := range points {
		for j, a := range axes {
			X.Set(i, j, p[a])
		}
	}

	m := &Mixture{axes: axes}
	means := farthestPoints(X, k)
	var shared mat.SymDense
	stat.CovarianceMatrix(&shared, X, nil)
	covs := make([]*mat.SymDense, k)
	weights := make([]float64, k)
	for c := range covs {
		covs[c] = ridge(&shared)
		weights[c] = 1 / float64(k)
	}

	resp := mat.NewDense(n, k, nil)
	logp := make([]float64, k)
	prev := math.Inf(-1)
	for iter := 1; iter <= defaultMaxIterations; iter++ {
		dists := make([]*distmv.Normal, k)
		for c := range dists {
			nd, ok := distmv.NewNormal(means[c], covs[c], nil)
			if !ok {
				return nil, fmt.Errorf("%w at iteration %d", errSingular, iter)
			}
			dists[c] = nd
		}

		// E-step.
		ll := 0.0
		for i := 0; i < n; i++ {
			x := X.RawRowView(i)[:d]
			for c := range logp {
				logp[c] = math.Log(weights[c]) + dists[c].LogProb(x)
			}
			norm := floats.LogSumExp(logp)
			ll += norm
			for c := range logp {
				resp.Set(i, c, math.Exp(logp[c]-norm))
			}
		}
		m.LogLikelihood, m.Iterations = ll, iter
		m.setComponents(points, resp, dists, weights)
		if ll-prev <= defaultTolerance*math.Abs(ll) {
			break
		}
		prev = ll

		// M-step.
		for c := 0; c < k; c++ {
			col := mat.Col(nil, c, resp)
			mass := floats.Sum(col)
			if mass < minComponentMass {
				return nil, fmt.Errorf("%w: component %d", errCollapsed, c)
			}
			mean := make([]float64, d)
			for i := 0; i < n; i++ {
				floats.AddScaled(mean, col[i], X.RawRowView(i)[:d])
			}
			floats.Scale(1/mass, mean)

			cov := mat.NewSymDense(d, nil)
			diff := mat.NewVecDense(d, nil)
			for i := 0; i < n; i++ {
				if col[i] == 0 {
					continue
				}
				for j := 0; j < d; j++ {
					diff.SetVec(j, X.At(i, j)-mean[j])
				}
				cov.SymRankOne(cov, col[i]/mass, diff)
			}
			means[c], covs[c], weights[c] = mean, ridge(cov), mass/float64(n)
		}
	}
	for c, comp := range m.Components {
		if comp.Points == 0 {
			return nil, fmt.Errorf("%w: component %d wins no pixel", errCollapsed, c)
		}
	}
	return m, nil
}

// single summarises all points as one component.
func single(points []tracking.Vec3) Component {
	c := Component{Weight: 1, Points: len(points)}
	c.BBoxMin, c.BBoxMax = points[0], points[0]
	for _, p := range points {
		for a := 0; a < 3; a++ {
			c.Mean[a] += p[a] / float64(len(points))
			c.BBoxMin[a] = math.Min(c.BBoxMin[a], p[a])
			c.BBoxMax[a] = math.Max(c.BBoxMax[a], p[a]+1)
		}
	}
	return c
}

// setComponents records the current fit: means lifted back to three
// axes, and the pixels each component wins.
func (m *Mixture) setComponents(points []tracking.Vec3, resp *mat.Dense, dists []*distmv.Normal, weights []float64) {
	k := len(dists)
	comps := make([]Component, k)
	for c := range comps {
		comps[c].Weight = weights[c]
		comps[c].dist = dists[c]
		comps[c].BBoxMin = tracking.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
		comps[c].BBoxMax = tracking.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	}
	sums := make([]tracking.Vec3, k)
	for i, p := range points {
		c := mat.Row(nil, i, resp)
		best := floats.MaxIdx(c)
		comp := &comps[best]
		comp.Points++
		for a := 0; a < 3; a++ {
			sums[best][a] += p[a]
			comp.BBoxMin[a] = math.Min(comp.BBoxMin[a], p[a])
			comp.BBoxMax[a] = math.Max(comp.BBoxMax[a], p[a]+1)
		}
	}
	for c := range comps {
		// Fixed axes keep the shared pixel value, varying axes take the
		// fitted mean.
		if comps[c].Points == 0 {
			continue
		}
		for a := 0; a < 3; a++ {
			comps[c].Mean[a] = sums[c][a] / float64(comps[c].Points)
		}
		mu := dists[c].Mean(nil)
		for j, a := range m.axes {
			comps[c].Mean[a] = mu[j]
		}
	}
	m.Components = comps
}

// Assign returns the component most likely to have produced p.
func (m *Mixture) Assign(p tracking.Vec3) int {
	if len(m.Components) == 1 || len(m.axes) == 0 {
		return 0
	}
	x := make([]float64, len(m.axes))
	for j, a := range m.axes {
		x[j] = p[a]
	}
	best, bestLP := 0, math.Inf(-1)
	for c, comp := range m.Components {
		lp := math.Log(comp.Weight) + comp.dist.LogProb(x)
		if lp > bestLP {
			best, bestLP = c, lp
		}
	}
	return best
}

func varyingAxes(points []tracking.Vec3) []int {
	var axes []int
	for a := 0; a < 3; a++ {
		for _, p := range points[1:] {
			if p[a] != points[0][a] {
				axes = append(axes, a)
				break
			}
		}
	}
	return axes
}

// farthestPoints picks k rows: the row nearest the centroid, then
// repeatedly the row farthest from all picked rows. Ties go to the lower
// row index.
func farthestPoints(X *mat.Dense, k int) [][]float64 {
	n, d := X.Dims()
	centroid := make([]float64, d)
	for j := 0; j < d; j++ {
		centroid[j] = stat.Mean(mat.Col(nil, j, X), nil)
	}
	nearest := make([]float64, n)
	for i := range nearest {
		nearest[i] = floats.Distance(X.RawRowView(i), centroid, 2)
	}
	first := floats.MinIdx(nearest)
	picked := [][]float64{append([]float64(nil), X.RawRowView(first)...)}
	for i := range nearest {
		nearest[i] = floats.Distance(X.RawRowView(i), picked[0], 2)
	}
	for len(picked) < k {
		next := floats.MaxIdx(nearest)
		row := append([]float64(nil), X.RawRowView(next)...)
		picked = append(picked, row)
		for i := range nearest {
			nearest[i] = math.Min(nearest[i], floats.Distance(X.RawRowView(i), row, 2))
		}
	}
	return picked
}

func ridge(s *mat.SymDense) *mat.SymDense {
	d := s.SymmetricDim()
	out := mat.NewSymDense(d, nil)
	out.CopySym(s)
	for j := 0; j < d; j++ {
		out.SetSym(j, j, out.At(j, j)+covarianceRidge)
	}
	return out
}
