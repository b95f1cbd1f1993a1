// Package l1ingest owns Layer 1 (Ingestion) of the tracking engine.
//
// Responsibilities: turning per-frame feature tables into immutable
// detections, applying the region-of-interest, size and time filters,
// scaling positions, attaching classifier probabilities and rejecting
// configurations the classifiers cannot satisfy.
// Key types: FrameTable, Detections, ProbabilitySource.
//
// Dependency rule: L1 depends only on the tracking data model.
package l1ingest
