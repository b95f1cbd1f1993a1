// Package l4solve owns Layer 4 (Solve) of the tracking engine.
//
// Responsibilities: finding the minimum-energy assignment of a hypotheses
// graph under flow conservation and division structure. Strategies are
// registered by name and interchangeable: "flow" (successive shortest
// paths on the residual network), "dp" (greedy cheapest paths over the
// time-ordered network) and "ilp" (simplex relaxation with branch and
// bound). Hard-constraint pins fix parts of the assignment; every solve
// runs under a timeout.
// Key types: Solver, Strategy, Problem, Pins.
//
// Dependency rule: L4 may depend on L1-L3, but never on L5 or above.
package l4solve
