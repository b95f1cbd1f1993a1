// Package testutil provides shared test fixtures for the tracking layers:
// feature records, synthetic label images and probability sources.
package testutil

import (
	"math"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// Record builds a 2-D feature record centred at (x, y) whose bounding
// box spans two pixels in each direction.
func Record(t, id int, x, y, size float64) tracking.FeatureRecord {
	return tracking.FeatureRecord{
		Timestep: t,
		ID:       id,
		Center:   []float64{x, y},
		Size:     size,
		BBoxMin:  []float64{x - 2, y - 2},
		BBoxMax:  []float64{x + 3, y + 3},
	}
}

// WithDivision sets the division probability of r.
func WithDivision(r tracking.FeatureRecord, p float64) tracking.FeatureRecord {
	r.DivisionProb = &p
	return r
}

// WithDetectionProbs sets the per-count detection probabilities of r.
func WithDetectionProbs(r tracking.FeatureRecord, probs ...float64) tracking.FeatureRecord {
	r.DetectionProbs = append([]float64(nil), probs...)
	return r
}

// Detection builds an already-ingested detection at (x, y) with unit scale.
func Detection(t, id int, x, y float64) tracking.Detection {
	return tracking.Detection{
		Key:         tracking.NodeKey{Timestep: t, ID: id},
		Position:    tracking.Vec3{x, y, 0},
		RawPosition: tracking.Vec3{x, y, 0},
		Size:        20,
		BBoxMin:     tracking.Vec3{x - 2, y - 2, 0},
		BBoxMax:     tracking.Vec3{x + 3, y + 3, 0},
	}
}

// PaintDisk labels every pixel within radius r of (cx, cy) with id.
func PaintDisk(img *tracking.LabelImage, id uint32, cx, cy, r float64) int {
	n := 0
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if math.Hypot(float64(x)-cx, float64(y)-cy) <= r {
				img.Set(x, y, 0, id)
				n++
			}
		}
	}
	return n
}

// PaintRect labels the half-open rectangle [x0, x1) x [y0, y1) with id.
func PaintRect(img *tracking.LabelImage, id uint32, x0, y0, x1, y1 int) int {
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.Set(x, y, 0, id)
			n++
		}
	}
	return n
}

// Probabilities is an in-memory classifier keyed by node.
type Probabilities struct {
	Trained   bool
	Classes   int
	Detection map[tracking.NodeKey][]float64
	Division  map[tracking.NodeKey]float64
}

// Ready implements the classifier collaborator.
func (p *Probabilities) Ready() bool { return p.Trained }

// NumClasses implements the classifier collaborator.
func (p *Probabilities) NumClasses() int { return p.Classes }

// DetectionProbs implements the classifier collaborator.
func (p *Probabilities) DetectionProbs(key tracking.NodeKey) ([]float64, bool) {
	v, ok := p.Detection[key]
	return v, ok
}

// DivisionProb implements the classifier collaborator.
func (p *Probabilities) DivisionProb(key tracking.NodeKey) (float64, bool) {
	v, ok := p.Division[key]
	return v, ok
}
