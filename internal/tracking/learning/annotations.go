package learning

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
)

// FalseDetection marks an annotated object that is not a real object.
const FalseDetection = -1

// maxAnnotationBytes bounds annotation files read from disk.
const maxAnnotationBytes = 16 << 20

// Division annotates a track splitting at Timestep into two tracks that
// start in the next frame.
type Division struct {
	Timestep int    `json:"timestep"`
	Children [2]int `json:"children"`
}

// Annotations assign track ids to detections. Labels maps timestep to
// object id to the tracks passing through that object; a list holding
// FalseDetection marks a false detection. Divisions is keyed by parent
// track id.
type Annotations struct {
	Labels    map[int]map[int][]int `json:"labels"`
	Divisions map[int]Division      `json:"divisions,omitempty"`
}

// Empty reports whether nothing is annotated.
func (a *Annotations) Empty() bool {
	return a == nil || len(a.Keys()) == 0
}

// Keys lists the annotated detections in (timestep, id) order.
func (a *Annotations) Keys() []tracking.NodeKey {
	if a == nil {
		return nil
	}
	var keys []tracking.NodeKey
	for t, objs := range a.Labels {
		for id := range objs {
			keys = append(keys, tracking.NodeKey{Timestep: t, ID: id})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// tracks returns the real tracks through k.
func (a *Annotations) tracks(k tracking.NodeKey) []int {
	var out []int
	for _, tr := range a.Labels[k.Timestep][k.ID] {
		if tr != FalseDetection {
			out = append(out, tr)
		}
	}
	return out
}

// ParseAnnotations decodes annotations from JSON.
func ParseAnnotations(r io.Reader) (*Annotations, error) {
	var a Annotations
	dec := json.NewDecoder(io.LimitReader(r, maxAnnotationBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to parse annotations: %w", err)
	}
	return &a, nil
}

// LoadAnnotations reads an annotation file.
func LoadAnnotations(path string) (*Annotations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %w", err)
	}
	defer f.Close()
	return ParseAnnotations(f)
}

// GroundTruth prunes g to the annotated detections and returns the
// assignment the annotations describe on that subgraph.
func (a *Annotations) GroundTruth(g *l2hypotheses.Graph, maxObjects int) (*l2hypotheses.Graph, *l2hypotheses.Solution, error) {
	keys := a.Keys()
	for _, k := range keys {
		if _, ok := g.NodeIndex(k); !ok {
			return nil, nil, &tracking.NodeError{Node: k, Err: fmt.Errorf("annotated detection not in graph: %w", tracking.ErrInfeasible)}
		}
		if n := len(a.tracks(k)); n > maxObjects {
			return nil, nil, &tracking.ConfigError{Param: "annotations", Node: &k,
				Reason: fmt.Sprintf("%d tracks exceed max_objects %d", n, maxObjects)}
		}
	}
	sub, err := g.Subgraph(keys)
	if err != nil {
		return nil, nil, fmt.Errorf("prune to annotations: %w", err)
	}

	sol := l2hypotheses.NewSolution(sub)
	holds := make([]map[int]bool, sub.NumNodes())
	for i := 0; i < sub.NumNodes(); i++ {
		trs := a.tracks(sub.Node(i).Key)
		sol.Counts[i] = len(trs)
		holds[i] = make(map[int]bool, len(trs))
		for _, tr := range trs {
			holds[i][tr] = true
		}
	}
	for e := 0; e < sub.NumEdges(); e++ {
		ed := sub.Edge(e)
		for tr := range holds[ed.From] {
			if holds[ed.To][tr] {
				sol.Flows[e]++
			}
		}
	}

	find := func(t, track int) (int, bool) {
		for i := 0; i < sub.NumNodes(); i++ {
			if sub.Node(i).Timestep() == t && holds[i][track] {
				return i, true
			}
		}
		return 0, false
	}
	parents := make([]int, 0, len(a.Divisions))
	for p := range a.Divisions {
		parents = append(parents, p)
	}
	sort.Ints(parents)
	for _, p := range parents {
		d := a.Divisions[p]
		pi, ok := find(d.Timestep, p)
		if !ok {
			return nil, nil, &tracking.ConfigError{Param: "annotations",
				Reason: fmt.Sprintf("dividing track %d not annotated at frame %d", p, d.Timestep)}
		}
		sol.Divisions[pi] = true
		for _, c := range d.Children {
			ci, ok := find(d.Timestep+1, c)
			if !ok {
				return nil, nil, &tracking.ConfigError{Param: "annotations",
					Reason: fmt.Sprintf("child track %d of %d not annotated at frame %d", c, p, d.Timestep+1)}
			}
			e, ok := sub.EdgeIndex(l2hypotheses.EdgeKey{From: sub.Node(pi).Key, To: sub.Node(ci).Key})
			if !ok {
				return nil, nil, &tracking.NodeError{Node: sub.Node(pi).Key,
					Err: fmt.Errorf("no hypothesis to child %s: %w", sub.Node(ci).Key, tracking.ErrInfeasible)}
			}
			sol.Flows[e]++
		}
	}

	for i := range sol.Counts {
		div := 0
		if sol.Divisions[i] {
			div = 1
		}
		sol.Appearances[i] = sol.Counts[i] - sol.InFlow(sub, i)
		sol.Disappearances[i] = sol.Counts[i] + div - sol.OutFlow(sub, i)
		if sol.Appearances[i] < 0 || sol.Disappearances[i] < 0 {
			k := sub.Node(i).Key
			return nil, nil, &tracking.ConfigError{Param: "annotations", Node: &k,
				Reason: "more tracks enter or leave than the detection holds"}
		}
	}
	if err := sol.Validate(sub, maxObjects); err != nil {
		return nil, nil, &tracking.ConfigError{Param: "annotations", Reason: err.Error()}
	}
	return sub, sol, nil
}

// Pins fixes every count, flow and division of an assignment.
func Pins(g *l2hypotheses.Graph, sol *l2hypotheses.Solution) *l4solve.Pins {
	pins := l4solve.NewPins()
	for i := 0; i < g.NumNodes(); i++ {
		k := g.Node(i).Key
		pins.Counts[k] = sol.Counts[i]
		if sol.Divisions[i] {
			pins.Divisions[k] = true
		}
	}
	for e := 0; e < g.NumEdges(); e++ {
		pins.Flows[g.EdgeKey(e)] = sol.Flows[e]
	}
	return pins
}

// RequiredEdges lists the links the annotations imply between
// consecutive frames: a track annotated at t and t+1, and every
// annotated division. The hypotheses graph must contain all of them
// before the annotations can be learned from.
func (a *Annotations) RequiredEdges() []l2hypotheses.EdgeKey {
	if a.Empty() {
		return nil
	}
	byTrack := make(map[int]map[int]int) // track -> timestep -> id
	for _, k := range a.Keys() {
		for _, tr := range a.tracks(k) {
			if byTrack[tr] == nil {
				byTrack[tr] = make(map[int]int)
			}
			byTrack[tr][k.Timestep] = k.ID
		}
	}

	seen := make(map[l2hypotheses.EdgeKey]bool)
	add := func(t, from, to int) {
		seen[l2hypotheses.EdgeKey{
			From: tracking.NodeKey{Timestep: t, ID: from},
			To:   tracking.NodeKey{Timestep: t + 1, ID: to},
		}] = true
	}
	for _, frames := range byTrack {
		for t, id := range frames {
			if next, ok := frames[t+1]; ok {
				add(t, id, next)
			}
		}
	}
	for p, d := range a.Divisions {
		from, ok := byTrack[p][d.Timestep]
		if !ok {
			continue
		}
		for _, c := range d.Children {
			if to, ok := byTrack[c][d.Timestep+1]; ok {
				add(d.Timestep, from, to)
			}
		}
	}

	out := make([]l2hypotheses.EdgeKey, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From.Less(out[j].From)
		}
		return out[i].To.Less(out[j].To)
	})
	return out
}
