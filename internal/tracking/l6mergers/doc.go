// Package l6mergers owns Layer 6 (Mergers) of the tracking engine.
//
// Responsibilities: splitting detections that hold more than one object.
// The pixels of every merger are fetched from the label source and a
// Gaussian mixture with one component per object is fitted to them. Each
// resolved merger is replaced by one detection per component, and flow
// is re-solved over the merger's direct neighbourhood (or globally) with
// everything outside it pinned. A merger whose fit fails stays unsplit
// and is reported; the pipeline continues.
// Key types: Resolver, Outcome, Merger, Mixture.
//
// Dependency rule: L6 may depend on L1-L5, but never on L7.
package l6mergers
