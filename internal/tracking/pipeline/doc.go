// Package pipeline is the composition root of the tracking engine.
//
// Responsibilities: running the layers in order for one invocation.
// Ingest, optional weight learning, hypotheses with adaptive neighbour
// growth, costs, solve (over tracklets when enabled), interpretation,
// merger resolution with re-interpretation, export and persistence.
// Cancellation is checked between stages. Derived artefacts are
// memoized per configuration fingerprint and flushed when the
// configuration changes.
// Key types: Pipeline, Input, Output, Stats.
//
// Dependency rule: pipeline may depend on every tracking layer and on
// storage; no layer may depend on pipeline.
package pipeline
