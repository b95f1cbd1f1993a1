// Package tracking owns the shared data model of the cell tracking engine.
//
// Responsibilities: detection identity and geometry, feature records,
// label images and their sources, sentinel errors, the configuration
// fingerprint and the memo table that caches derived artefacts.
//
// The engine itself is layered below this package:
//
//	l1ingest     detections from per-frame feature tables
//	l2hypotheses time-layered hypotheses graph and tracklets
//	l3costs      cost model and field of view
//	l4solve      solver strategies and hard-constraint pins
//	learning     structured learning of cost weights
//	l5lineage    events, track ids, lineage ids
//	l6mergers    merger resolution by mixture fitting
//	l7export     relabeled images and flat result tables
//
// Dependency rule: a layer may depend on lower layers and on this
// package, never on a higher layer. The pipeline package composes them.
package tracking
