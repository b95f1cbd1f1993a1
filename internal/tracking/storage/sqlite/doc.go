// Package sqlite persists tracking runs in SQLite.
//
// A run is the flat object table, the event log, the division table and
// the merger outcome of one pipeline invocation, keyed by a generated run
// id and tagged with the configuration fingerprint. The schema is owned
// by the embedded migrations and brought up to date on Open.
package sqlite
