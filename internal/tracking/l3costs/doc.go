// Package l3costs owns Layer 3 (Costs) of the tracking engine.
//
// Responsibilities: the energy of every hypothesis. Detection curves from
// classifier probabilities or a size prior, transition costs from scaled
// distances, division costs from division probabilities, and appearance
// and disappearance costs damped near the field-of-view border and at the
// first and last frame. Costs are a weighted sum of unweighted feature
// families, so the same table serves solving and weight learning.
// Key types: Model, Table, Weights, FeatureVector, FieldOfView.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4 or above.
package l3costs
