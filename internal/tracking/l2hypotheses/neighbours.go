package l2hypotheses

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// place is a detection position in a kd-tree. idx points back into the
// frame's detection slice because tree construction reorders points.
type place struct {
	pos tracking.Vec3
	idx int
}

func (p place) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.pos[d] - c.(place).pos[d]
}

func (p place) Dims() int { return 3 }

// Distance is the squared Euclidean distance.
func (p place) Distance(c kdtree.Comparable) float64 {
	q := c.(place)
	var s float64
	for i := range p.pos {
		d := p.pos[i] - q.pos[i]
		s += d * d
	}
	return s
}

type places []place

func (p places) Index(i int) kdtree.Comparable         { return p[i] }
func (p places) Len() int                              { return len(p) }
func (p places) Pivot(d kdtree.Dim) int                { return plane{Dim: d, places: p}.Pivot() }
func (p places) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts places along one dimension for median partitioning.
type plane struct {
	kdtree.Dim
	places
}

func (p plane) Less(i, j int) bool { return p.places[i].pos[p.Dim] < p.places[j].pos[p.Dim] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.places = p.places[start:end]
	return p
}
func (p plane) Swap(i, j int) { p.places[i], p.places[j] = p.places[j], p.places[i] }

// neighbourIndex answers k-nearest queries against one frame.
type neighbourIndex struct {
	tree *kdtree.Tree
	n    int
}

func newNeighbourIndex(dets []tracking.Detection) *neighbourIndex {
	pts := make(places, len(dets))
	for i, d := range dets {
		pts[i] = place{pos: d.Position, idx: i}
	}
	return &neighbourIndex{tree: kdtree.New(pts, false), n: len(dets)}
}

type neighbour struct {
	idx  int
	dist float64
}

// nearest returns up to k detections within maxDist of pos, closest
// first; ties are broken by detection index.
func (ni *neighbourIndex) nearest(pos tracking.Vec3, k int, maxDist float64) []neighbour {
	if ni.n == 0 || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(min(k, ni.n))
	ni.tree.NearestSet(keeper, place{pos: pos})

	maxSq := maxDist * maxDist
	out := make([]neighbour, 0, len(keeper.Heap))
	for _, cd := range keeper.Heap {
		// The keeper seeds its heap with an empty sentinel.
		if cd.Comparable == nil || cd.Dist > maxSq {
			continue
		}
		out = append(out, neighbour{idx: cd.Comparable.(place).idx, dist: cd.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].idx < out[j].idx
	})
	return out
}
