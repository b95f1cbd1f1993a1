package l1ingest

import (
	"math"
	"sort"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// Detections is the immutable output of ingestion: surviving detections
// per frame, sorted by object id, plus the ids the filters removed.
type Detections struct {
	Frames []int

	byFrame  map[int][]tracking.Detection
	filtered map[int][]int
	records  map[tracking.NodeKey]tracking.FeatureRecord
}

// NewDetections assembles a detection set directly. Detections are
// grouped by their key's timestep; frames with none are omitted.
func NewDetections(dets []tracking.Detection) *Detections {
	out := &Detections{
		byFrame:  make(map[int][]tracking.Detection),
		filtered: make(map[int][]int),
		records:  make(map[tracking.NodeKey]tracking.FeatureRecord),
	}
	for _, d := range dets {
		out.byFrame[d.Key.Timestep] = append(out.byFrame[d.Key.Timestep], d)
	}
	for t, fd := range out.byFrame {
		out.Frames = append(out.Frames, t)
		sort.Slice(fd, func(i, j int) bool { return fd[i].Key.ID < fd[j].Key.ID })
	}
	sort.Ints(out.Frames)
	return out
}

// Frame returns the detections of frame t sorted by id.
func (d *Detections) Frame(t int) []tracking.Detection { return d.byFrame[t] }

// All returns every detection in (timestep, id) order.
func (d *Detections) All() []tracking.Detection {
	out := make([]tracking.Detection, 0, d.Len())
	for _, t := range d.Frames {
		out = append(out, d.byFrame[t]...)
	}
	return out
}

// Len returns the number of surviving detections.
func (d *Detections) Len() int {
	n := 0
	for _, fd := range d.byFrame {
		n += len(fd)
	}
	return n
}

// Detection looks up a detection by key.
func (d *Detections) Detection(key tracking.NodeKey) (tracking.Detection, bool) {
	for _, det := range d.byFrame[key.Timestep] {
		if det.Key.ID == key.ID {
			return det, true
		}
	}
	return tracking.Detection{}, false
}

// Record returns the feature record a detection was built from.
func (d *Detections) Record(key tracking.NodeKey) (tracking.FeatureRecord, bool) {
	r, ok := d.records[key]
	return r, ok
}

// Filtered returns the ids removed from frame t by the filters.
func (d *Detections) Filtered(t int) []int { return d.filtered[t] }

// IsFiltered reports whether object id of frame t was filtered out.
func (d *Detections) IsFiltered(t, id int) bool {
	for _, f := range d.filtered[t] {
		if f == id {
			return true
		}
	}
	return false
}

// FilteredCount returns the total number of filtered objects.
func (d *Detections) FilteredCount() int {
	n := 0
	for _, f := range d.filtered {
		n += len(f)
	}
	return n
}

// TimeSpan returns the first and last frame.
func (d *Detections) TimeSpan() (first, last int) {
	if len(d.Frames) == 0 {
		return 0, 0
	}
	return d.Frames[0], d.Frames[len(d.Frames)-1]
}

// Bounds returns the scaled extent covered by all bounding boxes.
func (d *Detections) Bounds() (lo, hi tracking.Vec3) {
	for a := range lo {
		lo[a], hi[a] = math.Inf(1), math.Inf(-1)
	}
	for _, fd := range d.byFrame {
		for _, det := range fd {
			for a := range lo {
				lo[a] = math.Min(lo[a], math.Min(det.BBoxMin[a], det.Position[a]))
				hi[a] = math.Max(hi[a], math.Max(det.BBoxMax[a], det.Position[a]))
			}
		}
	}
	for a := range lo {
		if math.IsInf(lo[a], 1) {
			lo[a], hi[a] = 0, 0
		}
	}
	return lo, hi
}

// MeanSize returns the average detection size, or 0 without detections.
func (d *Detections) MeanSize() float64 {
	n := d.Len()
	if n == 0 {
		return 0
	}
	var s float64
	for _, t := range d.Frames {
		for _, det := range d.byFrame[t] {
			s += det.Size
		}
	}
	return s / float64(n)
}

func (d *Detections) anyDivisionProb() bool {
	for _, fd := range d.byFrame {
		for _, det := range fd {
			if det.HasDivisionProb {
				return true
			}
		}
	}
	return false
}
