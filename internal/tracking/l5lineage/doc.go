// Package l5lineage owns Layer 5 (Lineage) of the tracking engine.
//
// Responsibilities: reading a solved assignment back as biology. Events
// per frame (appearances, disappearances, moves, divisions, mergers),
// track ids for maximal move chains, lineage ids for tracks joined by
// divisions, and the division table. Ids are deterministic: the earliest
// object gets the lowest id, ties broken by object id.
// Key types: Result, Track, Event, FrameEvents, DivisionRecord.
//
// Dependency rule: L5 may depend on L1-L4, but never on L6 or above.
// No I/O is allowed in this package.
package l5lineage
