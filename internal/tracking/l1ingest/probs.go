package l1ingest

import (
	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// TableProbabilities serves the det_p* and div_p columns of feature
// tables as a ProbabilitySource. It is ready when every record carries
// detection probabilities; NumClasses is the shortest such vector.
type TableProbabilities struct {
	detection map[tracking.NodeKey][]float64
	division  map[tracking.NodeKey]float64
	classes   int
	ready     bool
}

// NewTableProbabilities indexes the probability columns of tables.
func NewTableProbabilities(tables []FrameTable) *TableProbabilities {
	tp := &TableProbabilities{
		detection: make(map[tracking.NodeKey][]float64),
		division:  make(map[tracking.NodeKey]float64),
	}
	n := 0
	tp.ready = true
	for _, tab := range tables {
		for _, rec := range tab.Records {
			key := tracking.NodeKey{Timestep: tab.Timestep, ID: rec.ID}
			if rec.DivisionProb != nil {
				tp.division[key] = *rec.DivisionProb
			}
			if len(rec.DetectionProbs) == 0 {
				tp.ready = false
				continue
			}
			tp.detection[key] = rec.DetectionProbs
			if n == 0 || len(rec.DetectionProbs) < tp.classes {
				tp.classes = len(rec.DetectionProbs)
			}
			n++
		}
	}
	if n == 0 {
		tp.ready = false
	}
	return tp
}

// Ready implements ProbabilitySource.
func (tp *TableProbabilities) Ready() bool { return tp.ready }

// NumClasses implements ProbabilitySource.
func (tp *TableProbabilities) NumClasses() int { return tp.classes }

// DetectionProbs implements ProbabilitySource.
func (tp *TableProbabilities) DetectionProbs(key tracking.NodeKey) ([]float64, bool) {
	p, ok := tp.detection[key]
	return p, ok
}

// DivisionProb implements ProbabilitySource.
func (tp *TableProbabilities) DivisionProb(key tracking.NodeKey) (float64, bool) {
	p, ok := tp.division[key]
	return p, ok
}
