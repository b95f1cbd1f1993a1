package l6mergers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l2hypotheses"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l3costs"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l4solve"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
)

// Status is the lifecycle state of one merger.
type Status int

const (
	Unresolved Status = iota
	Fitting
	Resolved
	Failed
)

var statusNames = [...]string{"unresolved", "fitting", "resolved", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown merger status %q", text)
}

// Merger is a detection that holds more than one object.
type Merger struct {
	Key     tracking.NodeKey
	Count   int
	Status  Status
	Err     error    // set when Failed; matches tracking.ErrMergerFit
	Mixture *Mixture // set when Resolved
	NewIDs  []int    // replacement ids in component order
}

// Params controls resolution.
type Params struct {
	GlobalResolve bool
	Workers       int
	Scales        tracking.Vec3
}

// ParamsFromConfig resolves merger parameters from a tracking config.
func ParamsFromConfig(cfg *config.TrackingConfig) Params {
	s := cfg.GetScales()
	return Params{
		GlobalResolve: cfg.GetMergerGlobalResolve(),
		Workers:       cfg.GetWorkers(),
		Scales:        tracking.Vec3{s[0], s[1], s[2]},
	}
}

// Outcome is the graph and assignment after resolution. When nothing was
// split, Graph and Solution are the inputs themselves.
type Outcome struct {
	Graph    *l2hypotheses.Graph
	Solution *l2hypotheses.Solution
	Costs    *l3costs.Table // nil when nothing was split

	Mergers  []*Merger             // in (timestep, id) order
	Resolved map[int]map[int][]int // timestep -> original id -> replacement ids
}

// Merger looks up the merger at k.
func (o *Outcome) Merger(k tracking.NodeKey) (*Merger, bool) {
	i := sort.Search(len(o.Mergers), func(i int) bool { return !o.Mergers[i].Key.Less(k) })
	if i == len(o.Mergers) || o.Mergers[i].Key != k {
		return nil, false
	}
	return o.Mergers[i], true
}

// Failed lists the mergers left unsplit.
func (o *Outcome) Failed() []*Merger {
	var out []*Merger
	for _, m := range o.Mergers {
		if m.Status == Failed {
			out = append(out, m)
		}
	}
	return out
}

// Resolver splits mergers.
type Resolver struct {
	source tracking.LabelSource
	model  *l3costs.Model
	solver *l4solve.Solver
	memo   *tracking.Memo
	params Params
}

// NewResolver wires a resolver. The memo table caches label frames and
// merger pixels; nil gives the resolver a private one.
func NewResolver(source tracking.LabelSource, model *l3costs.Model, solver *l4solve.Solver,
	memo *tracking.Memo, p Params) *Resolver {
	if memo == nil {
		memo = tracking.NewMemo("")
	}
	if p.Workers < 1 {
		p.Workers = 1
	}
	if p.Scales == (tracking.Vec3{}) {
		p.Scales = tracking.Vec3{1, 1, 1}
	}
	return &Resolver{source: source, model: model, solver: solver, memo: memo, params: p}
}

// Resolve splits every merger of res. Mergers whose fit fails stay in the
// graph unsplit and are reported as Failed. Without mergers the input is
// returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, res *l5lineage.Result) (*Outcome, error) {
	keys := make([]tracking.NodeKey, 0, len(res.Mergers))
	for k := range res.Mergers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	out := &Outcome{Graph: res.Graph, Solution: res.Solution, Resolved: map[int]map[int][]int{}}
	if len(keys) == 0 {
		return out, nil
	}

	out.Mergers = make([]*Merger, len(keys))
	for i, k := range keys {
		out.Mergers[i] = &Merger{Key: k, Count: res.Mergers[k], Status: Unresolved}
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.params.Workers)
	for _, m := range out.Mergers {
		eg.Go(func() error { return r.fit(gctx, m) })
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var resolved []*Merger
	for _, m := range out.Mergers {
		if m.Status == Resolved {
			resolved = append(resolved, m)
		}
	}
	if len(resolved) == 0 {
		monitoring.Logf("[l6mergers] %d mergers, none could be split", len(out.Mergers))
		return out, nil
	}
	if err := r.assignIDs(ctx, res.Graph, resolved, out.Resolved); err != nil {
		return nil, err
	}

	sp := r.split(res.Graph, resolved)
	g2, err := l2hypotheses.Assemble(sp.detections, sp.links)
	if err != nil {
		return nil, fmt.Errorf("assemble resolved graph: %w", err)
	}
	sol2, err := r.resolve(ctx, res, g2, sp, resolved)
	if err != nil {
		return nil, err
	}
	costs := r.model.Table(g2)
	sol2.Energy = costs.Energy(g2, sol2)
	sol2.Strategy = res.Solution.Strategy

	out.Graph, out.Solution, out.Costs = g2, sol2, costs
	monitoring.Logf("[l6mergers] split %d of %d mergers into %d detections", len(resolved), len(out.Mergers), len(sp.added))
	return out, nil
}

func (r *Resolver) frame(ctx context.Context, t int) (*tracking.LabelImage, error) {
	return tracking.Memoize(r.memo, fmt.Sprintf("labels/t=%d", t), func() (*tracking.LabelImage, error) {
		img, err := r.source.Frame(ctx, t)
		var fe *tracking.FrameError
		if err != nil && !errors.As(err, &fe) {
			err = &tracking.FrameError{Frame: t, Err: err}
		}
		return img, err
	})
}

// fit moves m from Unresolved through Fitting to Resolved or Failed.
// Only label source errors are returned.
func (r *Resolver) fit(ctx context.Context, m *Merger) error {
	m.Status = Fitting
	img, err := r.frame(ctx, m.Key.Timestep)
	if err != nil {
		return err
	}
	pts, err := tracking.Memoize(r.memo, "pixels/"+m.Key.String(), func() ([]tracking.Vec3, error) {
		return img.Coordinates(uint32(m.Key.ID)), nil
	})
	if err != nil {
		return err
	}
	mix, err := FitMixture(pts, m.Count)
	if err != nil {
		m.Status = Failed
		m.Err = &tracking.NodeError{Node: m.Key, Err: fmt.Errorf("%w: %v", tracking.ErrMergerFit, err)}
		monitoring.Logf("[l6mergers] %s left unsplit: %v", m.Key, err)
		return nil
	}
	m.Status, m.Mixture = Resolved, mix
	return nil
}

// assignIDs numbers replacement detections per frame after the largest id
// in use, in (original id, component) order.
func (r *Resolver) assignIDs(ctx context.Context, g *l2hypotheses.Graph, resolved []*Merger, into map[int]map[int][]int) error {
	next := make(map[int]int)
	for _, m := range resolved {
		t := m.Key.Timestep
		if _, ok := next[t]; !ok {
			img, err := r.frame(ctx, t)
			if err != nil {
				return err
			}
			next[t] = max(g.MaxID(t), int(img.MaxID())) + 1
		}
		m.NewIDs = make([]int, len(m.Mixture.Components))
		for c := range m.NewIDs {
			m.NewIDs[c] = next[t]
			next[t]++
		}
		if into[t] == nil {
			into[t] = make(map[int][]int)
		}
		into[t][m.Key.ID] = m.NewIDs
	}
	return nil
}

// splitGraph is the detections and links of the resolved graph.
type splitGraph struct {
	detections []tracking.Detection
	links      []l2hypotheses.EdgeKey
	added      map[tracking.NodeKey]bool
	replaced   map[tracking.NodeKey][]tracking.NodeKey
}

func (s *splitGraph) replace(k tracking.NodeKey) []tracking.NodeKey {
	if ks, ok := s.replaced[k]; ok {
		return ks
	}
	return []tracking.NodeKey{k}
}

// split replaces every resolved merger by one detection per component,
// linked to all of the merger's neighbours.
func (r *Resolver) split(g *l2hypotheses.Graph, resolved []*Merger) *splitGraph {
	sp := &splitGraph{added: map[tracking.NodeKey]bool{}, replaced: map[tracking.NodeKey][]tracking.NodeKey{}}
	byKey := make(map[tracking.NodeKey]*Merger, len(resolved))
	for _, m := range resolved {
		byKey[m.Key] = m
	}
	for _, d := range g.Detections() {
		m, ok := byKey[d.Key]
		if !ok {
			sp.detections = append(sp.detections, d)
			continue
		}
		for c, comp := range m.Mixture.Components {
			nd := tracking.Detection{
				Key:         tracking.NodeKey{Timestep: d.Key.Timestep, ID: m.NewIDs[c]},
				RawPosition: comp.Mean,
				Position:    comp.Mean.Mul(r.params.Scales),
				Size:        float64(comp.Points),
				BBoxMin:     comp.BBoxMin.Mul(r.params.Scales),
				BBoxMax:     comp.BBoxMax.Mul(r.params.Scales),
			}
			sp.detections = append(sp.detections, nd)
			sp.added[nd.Key] = true
			sp.replaced[d.Key] = append(sp.replaced[d.Key], nd.Key)
		}
	}
	for _, l := range g.Links() {
		for _, from := range sp.replace(l.From) {
			for _, to := range sp.replace(l.To) {
				sp.links = append(sp.links, l2hypotheses.EdgeKey{From: from, To: to})
			}
		}
	}
	return sp
}

// group is a set of mergers whose neighbourhoods overlap.
type group struct {
	mergers []int            // node indices in the original graph
	members map[int]bool     // mergers and their neighbours, original indices
	flows   map[l2hypotheses.EdgeKey]int
	sol     *l2hypotheses.Solution
	sub     *l2hypotheses.Graph
}

// groups joins mergers whose neighbourhoods share a node. With
// GlobalResolve every merger lands in one group.
func (r *Resolver) groups(g *l2hypotheses.Graph, resolved []*Merger) []*group {
	n := len(resolved)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	hoods := make([]map[int]bool, n)
	owner := make(map[int]int)
	for mi, m := range resolved {
		i, _ := g.NodeIndex(m.Key)
		hood := map[int]bool{i: true}
		for _, e := range g.In(i) {
			hood[g.Edge(e).From] = true
		}
		for _, e := range g.Out(i) {
			hood[g.Edge(e).To] = true
		}
		hoods[mi] = hood
		for node := range hood {
			if other, ok := owner[node]; ok {
				parent[find(mi)] = find(other)
			} else {
				owner[node] = mi
			}
		}
		if r.params.GlobalResolve && mi > 0 {
			parent[find(mi)] = find(0)
		}
	}

	byRoot := make(map[int]*group)
	var out []*group
	for mi, m := range resolved {
		root := find(mi)
		grp, ok := byRoot[root]
		if !ok {
			grp = &group{members: map[int]bool{}}
			byRoot[root] = grp
			out = append(out, grp)
		}
		i, _ := g.NodeIndex(m.Key)
		grp.mergers = append(grp.mergers, i)
		for node := range hoods[mi] {
			grp.members[node] = true
		}
	}
	return out
}

// resolve re-solves flow inside every group with the rest of the
// assignment pinned, then stitches the local assignments into one for g2.
func (r *Resolver) resolve(ctx context.Context, res *l5lineage.Result, g2 *l2hypotheses.Graph,
	sp *splitGraph, resolved []*Merger) (*l2hypotheses.Solution, error) {
	g, sol := res.Graph, res.Solution
	grps := r.groups(g, resolved)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.params.Workers)
	for _, grp := range grps {
		eg.Go(func() error { return r.solveGroup(gctx, g, sol, g2, sp, grp) })
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	local := make(map[l2hypotheses.EdgeKey]int)
	added := make(map[tracking.NodeKey]*group)
	for _, grp := range grps {
		for k, f := range grp.flows {
			local[k] = f
		}
		for i := 0; i < grp.sub.NumNodes(); i++ {
			if k := grp.sub.Node(i).Key; sp.added[k] {
				added[k] = grp
			}
		}
	}

	out := l2hypotheses.NewSolution(g2)
	for i := 0; i < g2.NumNodes(); i++ {
		k := g2.Node(i).Key
		if grp, ok := added[k]; ok {
			li, _ := grp.sub.NodeIndex(k)
			out.Counts[i] = grp.sol.Counts[li]
			out.Appearances[i] = grp.sol.Appearances[li]
			out.Disappearances[i] = grp.sol.Disappearances[li]
			continue
		}
		oi, ok := g.NodeIndex(k)
		if !ok {
			return nil, fmt.Errorf("resolved graph node %s has no origin", k)
		}
		out.Counts[i] = sol.Counts[oi]
		out.Appearances[i] = sol.Appearances[oi]
		out.Disappearances[i] = sol.Disappearances[oi]
		out.Divisions[i] = sol.Divisions[oi]
	}
	for e := 0; e < g2.NumEdges(); e++ {
		ek := g2.EdgeKey(e)
		if f, ok := local[ek]; ok {
			out.Flows[e] = f
			continue
		}
		oe, ok := g.EdgeIndex(ek)
		if !ok {
			return nil, fmt.Errorf("resolved graph edge %s has no origin", ek)
		}
		out.Flows[e] = sol.Flows[oe]
	}
	if err := out.Validate(g2, r.model.MaxObjects()); err != nil {
		return nil, fmt.Errorf("stitched assignment: %w", err)
	}
	return out, nil
}

// solveGroup solves the neighbourhood of one group. Neighbours keep the
// flow they exchange with the neighbourhood: a neighbour receiving gin and
// sending gout units inside it is modelled as holding max(gin, gout)
// objects with the difference appearing or disappearing.
func (r *Resolver) solveGroup(ctx context.Context, g *l2hypotheses.Graph, sol *l2hypotheses.Solution,
	g2 *l2hypotheses.Graph, sp *splitGraph, grp *group) error {
	isMerger := make(map[int]bool, len(grp.mergers))
	for _, i := range grp.mergers {
		isMerger[i] = true
	}

	var keys []tracking.NodeKey
	pins := l4solve.NewPins()
	localMax := 1
	for i := range grp.members {
		k := g.Node(i).Key
		keys = append(keys, sp.replace(k)...)
		if isMerger[i] {
			for _, nk := range sp.replace(k) {
				pins.Counts[nk] = 1
			}
			continue
		}
		gin, gout := 0, 0
		for _, e := range g.In(i) {
			if grp.members[g.Edge(e).From] {
				gin += sol.Flows[e]
			}
		}
		for _, e := range g.Out(i) {
			if grp.members[g.Edge(e).To] {
				gout += sol.Flows[e]
				if !isMerger[g.Edge(e).To] {
					pins.Flows[g.EdgeKey(e)] = sol.Flows[e]
				}
			}
		}
		c := max(gin, gout)
		localMax = max(localMax, c)
		pins.Counts[k] = c
		pins.Appearances[k] = c - gin
		pins.Disappearances[k] = c - gout
		pins.Divisions[k] = false
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Less(keys[b]) })

	sub, err := g2.Subgraph(keys)
	if err != nil {
		return err
	}
	p := &l4solve.Problem{
		Graph:         sub,
		Costs:         r.model.WithMaxObjects(localMax).WithDivisions(false).Table(sub),
		WithDivisions: false,
		Pins:          pins,
	}
	local, err := r.solver.Solve(ctx, p)
	if err != nil {
		return fmt.Errorf("local re-solve around %s: %w", g.Node(grp.mergers[0]).Key, err)
	}
	grp.sub, grp.sol = sub, local
	grp.flows = make(map[l2hypotheses.EdgeKey]int, sub.NumEdges())
	for e := 0; e < sub.NumEdges(); e++ {
		grp.flows[sub.EdgeKey(e)] = local.Flows[e]
	}
	return nil
}
