package l4solve

import (
	"context"
	"errors"
	"math"
)

var errNegativeCycle = errors.New("negative cycle in residual network")

// FlowStrategy solves the min-cost-flow relaxation by successive shortest
// paths: it augments along the cheapest source-sink path of the residual
// network while that path has negative cost. Reverse arcs let later paths
// reroute earlier flow, so the result is optimal for the relaxation.
type FlowStrategy struct{}

// Name implements Strategy.
func (*FlowStrategy) Name() string { return "flow" }

// Solve implements Strategy.
func (*FlowStrategy) Solve(ctx context.Context, p *Problem) (*Solution, error) {
	return solveNetwork(ctx, p, augmentShortestPaths)
}

func augmentShortestPaths(ctx context.Context, net *network) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dist, prev, err := net.shortestPaths()
		if err != nil {
			return err
		}
		if math.IsInf(dist[net.sink], 1) || dist[net.sink] >= -costEps {
			return nil
		}
		net.push(prev, net.bottleneck(prev))
	}
}

// shortestPaths runs queue-based Bellman-Ford from the source over arcs
// with residual capacity. Costs may be negative.
func (n *network) shortestPaths() ([]float64, []arcRef, error) {
	V := len(n.adj)
	dist := make([]float64, V)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	prev := make([]arcRef, V)
	inQueue := make([]bool, V)
	enqueued := make([]int, V)

	dist[n.source] = 0
	queue := []int{n.source}
	inQueue[n.source] = true
	for head := 0; head < len(queue); head++ {
		u := queue[head]
		inQueue[u] = false
		for ai, a := range n.adj[u] {
			if a.cap <= 0 {
				continue
			}
			if d := dist[u] + a.cost; d < dist[a.to]-costEps {
				dist[a.to] = d
				prev[a.to] = arcRef{vertex: u, idx: ai}
				if !inQueue[a.to] {
					enqueued[a.to]++
					if enqueued[a.to] > V {
						return nil, nil, errNegativeCycle
					}
					queue = append(queue, a.to)
					inQueue[a.to] = true
				}
			}
		}
	}
	return dist, prev, nil
}
