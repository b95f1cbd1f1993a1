// Package learning fits the cost weights of the tracking engine to user
// annotations.
//
// Annotations name the tracks passing through a handful of detections
// and the divisions between them. They are turned into a pinned partial
// assignment on the graph pruned to the annotated detections, and a
// structured perceptron moves the weights until the annotated assignment
// is the cheapest one the solver can find.
//
// Dependency rule: learning sits beside L3 and L4; it may depend on L1-L4
// but never on L5 or above.
package learning
