package tracking

import (
	"fmt"
	"math"
)

//
// 0) Identity
//

// Reserved label values. Track and lineage ids start at FirstTrackID.
const (
	BackgroundLabel     = 0
	FalseDetectionLabel = 1
	FirstTrackID        = 2
)

// NodeKey identifies one detection: the frame it lives in and the object
// id it carries in that frame's label image.
type NodeKey struct {
	Timestep int `json:"t"`
	ID       int `json:"id"`
}

// Less orders keys by (timestep, id).
func (k NodeKey) Less(o NodeKey) bool {
	if k.Timestep != o.Timestep {
		return k.Timestep < o.Timestep
	}
	return k.ID < o.ID
}

func (k NodeKey) String() string {
	return fmt.Sprintf("t=%d/id=%d", k.Timestep, k.ID)
}

//
// 1) Geometry
//

// Vec3 is a position or extent in (x, y, z). 2-D data uses z = 0.
type Vec3 [3]float64

// Dist returns the Euclidean distance between v and o.
func (v Vec3) Dist(o Vec3) float64 {
	var s float64
	for i := range v {
		d := v[i] - o[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// Mul scales v per axis.
func (v Vec3) Mul(s Vec3) Vec3 {
	return Vec3{v[0] * s[0], v[1] * s[1], v[2] * s[2]}
}

// VecFrom copies up to three leading values of xs into a Vec3.
func VecFrom(xs []float64) Vec3 {
	var v Vec3
	copy(v[:], xs)
	return v
}

//
// 2) Detections
//

// Detection is one segmented object in one frame. Immutable once ingested.
type Detection struct {
	Key NodeKey

	// Position is the object centre scaled by the anisotropy factors;
	// RawPosition keeps the unscaled pixel centre.
	Position    Vec3
	RawPosition Vec3
	Size        float64
	BBoxMin     Vec3 // scaled, inclusive
	BBoxMax     Vec3 // scaled, exclusive

	// DetectionProbs[k] is the probability that the object holds exactly
	// k cells. Nil when no classifier prior is used.
	DetectionProbs []float64

	// DivisionProb is meaningful only when HasDivisionProb is set.
	DivisionProb    float64
	HasDivisionProb bool
}

// FeatureRecord is the typed, column-oriented row a feature table holds
// per object. Plugin features land in Extra keyed by feature name.
type FeatureRecord struct {
	Timestep int
	ID       int
	Center   []float64 // 2 or 3 values
	Size     float64
	BBoxMin  []float64
	BBoxMax  []float64

	DetectionProbs []float64
	DivisionProb   *float64

	Extra map[string][]float64
}

// Key returns the node key of the record.
func (r FeatureRecord) Key() NodeKey { return NodeKey{Timestep: r.Timestep, ID: r.ID} }

// Probability clamp bounds applied before taking logarithms.
const (
	MinProbability = 1e-7
	MaxProbability = 0.99999999
)

// ClampProbability limits p into [MinProbability, MaxProbability].
func ClampProbability(p float64) float64 {
	if math.IsNaN(p) || p < MinProbability {
		return MinProbability
	}
	if p > MaxProbability {
		return MaxProbability
	}
	return p
}
