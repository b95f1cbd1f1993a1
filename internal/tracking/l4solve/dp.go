package l4solve

import (
	"context"
	"math"
)

// DPStrategy is the dynamic-programming variant: it repeatedly takes the
// cheapest source-sink path through the time-ordered network using
// forward arcs only, so flow once placed is never rerouted. It is fast
// and exact on instances without competing paths.
type DPStrategy struct{}

// Name implements Strategy.
func (*DPStrategy) Name() string { return "dp" }

// Solve implements Strategy.
func (*DPStrategy) Solve(ctx context.Context, p *Problem) (*Solution, error) {
	return solveNetwork(ctx, p, augmentGreedy)
}

// topologicalOrder lists vertices so that every forward arc points to a
// later vertex: S, then in/out per node in node order, then T. Node order
// is time order, and edges always point to later frames.
func (n *network) topologicalOrder() []int {
	order := make([]int, 0, len(n.adj))
	order = append(order, n.source)
	for v := 2; v < len(n.adj); v++ {
		order = append(order, v)
	}
	return append(order, n.sink)
}

func augmentGreedy(ctx context.Context, net *network) error {
	order := net.topologicalOrder()
	dist := make([]float64, len(net.adj))
	prev := make([]arcRef, len(net.adj))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range dist {
			dist[i] = math.Inf(1)
		}
		dist[net.source] = 0
		for _, u := range order {
			if math.IsInf(dist[u], 1) {
				continue
			}
			for ai, a := range net.adj[u] {
				if a.reverse || a.cap <= 0 {
					continue
				}
				if d := dist[u] + a.cost; d < dist[a.to]-costEps {
					dist[a.to] = d
					prev[a.to] = arcRef{vertex: u, idx: ai}
				}
			}
		}
		if math.IsInf(dist[net.sink], 1) || dist[net.sink] >= -costEps {
			return nil
		}
		net.push(prev, net.bottleneck(prev))
	}
}
