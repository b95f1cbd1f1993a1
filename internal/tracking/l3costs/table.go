package l3costs

import (
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
)

// Table holds the costs of one graph. Feature values are unweighted; the
// accessors apply the weights.
type Table struct {
	weights    Weights
	maxObjects int

	detFeat      [][]float64 // per node, increments for k = 1..M
	innerTrans   []float64   // per node, transition feature of joined edges per unit
	transFeat    []float64   // per edge
	divFeat      []float64   // per node
	divCandidate []bool
	appFeat      []float64 // per node, border multiplier
	disFeat      []float64
}

// Weights returns the weights applied by the accessors.
func (t *Table) Weights() Weights { return t.weights }

// MaxObjects returns the per-node capacity the table was built for.
func (t *Table) MaxObjects() int { return t.maxObjects }

// DetectionIncrement is the energy of raising node i from k-1 to k
// objects, for k in 1..MaxObjects.
func (t *Table) DetectionIncrement(i, k int) float64 {
	return t.weights.Detection*t.detFeat[i][k-1] + t.weights.Transition*t.innerTrans[i]
}

// DetectionEnergy is the energy of node i holding count objects.
func (t *Table) DetectionEnergy(i, count int) float64 {
	var e float64
	for k := 1; k <= count; k++ {
		e += t.DetectionIncrement(i, k)
	}
	return e
}

// Transition is the energy of one object moving along edge e.
func (t *Table) Transition(e int) float64 { return t.weights.Transition * t.transFeat[e] }

// Division returns the energy of node i dividing and whether i is a
// division candidate at all.
func (t *Table) Division(i int) (float64, bool) {
	return t.weights.Division * t.divFeat[i], t.divCandidate[i]
}

// Appearance is the energy of one object appearing at node i.
func (t *Table) Appearance(i int) float64 { return t.weights.Appearance * t.appFeat[i] }

// Disappearance is the energy of one object disappearing at node i.
func (t *Table) Disappearance(i int) float64 { return t.weights.Disappearance * t.disFeat[i] }

// Features sums the unweighted feature families of an assignment.
func (t *Table) Features(g *l2hypotheses.Graph, sol *l2hypotheses.Solution) FeatureVector {
	var f FeatureVector
	for i, c := range sol.Counts {
		for k := 1; k <= c && k <= len(t.detFeat[i]); k++ {
			f[FeatureDetection] += t.detFeat[i][k-1]
		}
		f[FeatureTransition] += float64(c) * t.innerTrans[i]
		if sol.Divisions[i] && t.divCandidate[i] {
			f[FeatureDivision] += t.divFeat[i]
		}
		f[FeatureAppearance] += float64(sol.Appearances[i]) * t.appFeat[i]
		f[FeatureDisappearance] += float64(sol.Disappearances[i]) * t.disFeat[i]
	}
	for e, fl := range sol.Flows {
		f[FeatureTransition] += float64(fl) * t.transFeat[e]
	}
	return f
}

// Energy is the weighted cost of an assignment.
func (t *Table) Energy(g *l2hypotheses.Graph, sol *l2hypotheses.Solution) float64 {
	return t.weights.Dot(t.Features(g, sol))
}
