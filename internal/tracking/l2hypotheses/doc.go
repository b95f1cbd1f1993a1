// Package l2hypotheses owns Layer 2 (Hypotheses) of the tracking engine.
//
// Responsibilities: the time-layered hypotheses graph whose nodes are
// detections (or tracklets of detections) and whose edges connect a node
// to its nearest neighbours in the next frame; tracklet compaction and
// expansion; the assignment (Solution) a solver produces for a graph and
// its conservation and division invariants.
// Key types: Graph, Node, Edge, EdgeKey, Solution.
//
// Dependency rule: L2 may depend on L1, but never on L3 or above.
package l2hypotheses
