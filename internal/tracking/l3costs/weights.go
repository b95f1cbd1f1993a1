package l3costs

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ilastik/ilastik-sub003/internal/config"
)

// Feature families, in weight-vector order.
const (
	FeatureDetection = iota
	FeatureDivision
	FeatureTransition
	FeatureAppearance
	FeatureDisappearance
	NumFeatures
)

// FeatureNames labels the families for logs and reports.
var FeatureNames = [NumFeatures]string{"detection", "division", "transition", "appearance", "disappearance"}

// FeatureVector holds one unweighted cost sum per family.
type FeatureVector [NumFeatures]float64

// Sub returns f - o.
func (f FeatureVector) Sub(o FeatureVector) FeatureVector {
	var out FeatureVector
	for i := range f {
		out[i] = f[i] - o[i]
	}
	return out
}

// Weights scales each feature family.
type Weights struct {
	Detection     float64 `json:"detection"`
	Division      float64 `json:"division"`
	Transition    float64 `json:"transition"`
	Appearance    float64 `json:"appearance"`
	Disappearance float64 `json:"disappearance"`
}

// WeightsFromConfig reads the configured constant weights.
func WeightsFromConfig(cfg *config.TrackingConfig) Weights {
	return Weights{
		Detection:     cfg.GetDetectionWeight(),
		Division:      cfg.GetDivisionWeight(),
		Transition:    cfg.GetTransitionWeight(),
		Appearance:    cfg.GetAppearanceCost(),
		Disappearance: cfg.GetDisappearanceCost(),
	}
}

// Vector returns the weights in family order.
func (w Weights) Vector() []float64 {
	return []float64{w.Detection, w.Division, w.Transition, w.Appearance, w.Disappearance}
}

// WeightsFromVector is the inverse of Vector.
func WeightsFromVector(v []float64) Weights {
	var a [NumFeatures]float64
	copy(a[:], v)
	return Weights{Detection: a[0], Division: a[1], Transition: a[2], Appearance: a[3], Disappearance: a[4]}
}

// Dot returns the energy w . f.
func (w Weights) Dot(f FeatureVector) float64 {
	return floats.Dot(w.Vector(), f[:])
}

// Norm returns the L2 norm.
func (w Weights) Norm() float64 { return floats.Norm(w.Vector(), 2) }

// Normalized scales w to unit L2 norm. A zero vector is returned as is.
func (w Weights) Normalized() Weights {
	n := w.Norm()
	if n == 0 || math.IsNaN(n) {
		return w
	}
	v := w.Vector()
	floats.Scale(1/n, v)
	return WeightsFromVector(v)
}

// HasNegative reports whether any weight is below zero.
func (w Weights) HasNegative() bool {
	return floats.Min(w.Vector()) < 0
}
