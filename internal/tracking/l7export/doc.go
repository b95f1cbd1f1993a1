// Package l7export owns Layer 7 (Export) of the tracking engine.
//
// Responsibilities: turning an interpreted result into artifacts. Raw
// label frames are relabeled so every pixel carries its lineage or track
// id; the flat result table joins ids with the ingested feature columns;
// the event report carries per-frame events, divisions and the merger
// outcome. Label images are read and written as 16-bit TIFF.
// Key types: Mode, Row, Report, DirSource, Exporter.
//
// Dependency rule: L7 may depend on L1-L6, but never on the pipeline.
package l7export
