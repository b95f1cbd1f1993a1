package l4solve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// DefaultTimeout bounds a solve when none is configured.
const DefaultTimeout = 60 * time.Second

// Strategy finds a minimum-energy assignment. Implementations poll ctx
// between iterations and return its error once it is done.
type Strategy interface {
	Name() string
	Solve(ctx context.Context, p *Problem) (*Solution, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Strategy{
		"flow": func() Strategy { return &FlowStrategy{} },
		"dp":   func() Strategy { return &DPStrategy{} },
		"ilp":  func() Strategy { return &ILPStrategy{} },
	}
)

// Register adds or replaces a named strategy.
func Register(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Names lists the registered strategies in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup instantiates a registered strategy.
func Lookup(name string) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &tracking.ConfigError{Param: "solver", Reason: fmt.Sprintf("unknown strategy %q (have %v)", name, Names())}
	}
	return factory(), nil
}

// Solver runs a strategy under a timeout and validates what it returns.
type Solver struct {
	strategy Strategy
	timeout  time.Duration
}

// New creates a solver for the named strategy. A non-positive timeout
// selects DefaultTimeout.
func New(name string, timeout time.Duration) (*Solver, error) {
	s, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return NewWithStrategy(s, timeout), nil
}

// NewWithStrategy wraps an already constructed strategy.
func NewWithStrategy(s Strategy, timeout time.Duration) *Solver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Solver{strategy: s, timeout: timeout}
}

// NewFromConfig creates the configured solver.
func NewFromConfig(cfg *config.TrackingConfig) (*Solver, error) {
	return New(cfg.GetSolver(), cfg.GetSolverTimeout())
}

// Strategy returns the strategy name.
func (s *Solver) Strategy() string { return s.strategy.Name() }

// Timeout returns the enforced time bound.
func (s *Solver) Timeout() time.Duration { return s.timeout }

// Solve returns a validated assignment of p honouring all pins, or
// ErrInfeasible, ErrSolverTimeout (ErrNodeLimit for an exhausted ilp search),
// or the caller's cancellation.
func (s *Solver) Solve(ctx context.Context, p *Problem) (*Solution, error) {
	pins, err := p.resolvePins()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	sol, err := s.strategy.Solve(ctx, p)
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s strategy exceeded %s: %w", s.strategy.Name(), s.timeout, tracking.ErrSolverTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%s strategy: %w", s.strategy.Name(), err)
	}

	if err := sol.Validate(p.Graph, p.MaxObjects()); err != nil {
		return nil, fmt.Errorf("%s strategy returned an invalid assignment: %w", s.strategy.Name(), err)
	}
	if err := pins.check(p.Graph, sol); err != nil {
		return nil, err
	}
	sol.Energy = p.Costs.Energy(p.Graph, sol)
	sol.Strategy = s.strategy.Name()
	monitoring.Logf("[l4solve] %s: energy %.4f, %d active nodes, %d pins, %s",
		sol.Strategy, sol.Energy, sol.ActiveNodes(), p.Pins.Len(), time.Since(start).Round(time.Millisecond))
	return sol, nil
}
