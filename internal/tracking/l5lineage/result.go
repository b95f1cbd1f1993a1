package l5lineage

import (
	"sort"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// Track returns the track of a detection. Detections holding no object
// have none.
func (r *Result) Track(k tracking.NodeKey) (int, bool) {
	id, ok := r.trackOf[k]
	return id, ok
}

// Lineage returns the lineage of a detection.
func (r *Result) Lineage(k tracking.NodeKey) (int, bool) {
	id, ok := r.trackOf[k]
	if !ok {
		return 0, false
	}
	return r.Tracks[r.byID[id]].Lineage, true
}

// TrackByID looks up a track.
func (r *Result) TrackByID(id int) (*Track, bool) {
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return &r.Tracks[i], true
}

// Children returns every descendant of a track, daughters before
// granddaughters.
func (r *Result) Children(id int) []int {
	var out []int
	queue := []int{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range r.Divisions {
			if d.ParentTrack == cur {
				out = append(out, d.ChildTracks[0], d.ChildTracks[1])
				queue = append(queue, d.ChildTracks[0], d.ChildTracks[1])
			}
		}
	}
	return out
}

// Parent returns the ancestors of a track, nearest first.
func (r *Result) Parent(id int) []int {
	var out []int
	seen := map[int]bool{id: true}
	for {
		tr, ok := r.TrackByID(id)
		if !ok || tr.Parent == 0 || seen[tr.Parent] {
			return out
		}
		out = append(out, tr.Parent)
		seen[tr.Parent] = true
		id = tr.Parent
	}
}

// Family returns the descendants and the ancestors of a track.
func (r *Result) Family(id int) (children, parents []int) {
	return r.Children(id), r.Parent(id)
}

// Lineages returns the lineage ids in ascending order.
func (r *Result) Lineages() []int {
	seen := make(map[int]bool)
	var out []int
	for _, tr := range r.Tracks {
		if !seen[tr.Lineage] {
			seen[tr.Lineage] = true
			out = append(out, tr.Lineage)
		}
	}
	sort.Ints(out)
	return out
}

// FrameEvents returns the events of frame t.
func (r *Result) FrameEvents(t int) (*FrameEvents, bool) {
	i := sort.Search(len(r.Events), func(i int) bool { return r.Events[i].Timestep >= t })
	if i == len(r.Events) || r.Events[i].Timestep != t {
		return nil, false
	}
	return &r.Events[i], true
}
