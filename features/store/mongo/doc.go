// Package mongo provides the durable MongoDB implementation of store.Store.
//
// Four collections back the engine tables: dataflows, nodes, data and
// commands. The dataflow document carries the command log head (seq); Apply
// reserves a batch with a compare-and-swap on that field, so the per-dataflow
// single-writer invariant holds even without multi-document transactions.
// Command semantics are shared with every other backend through store.Replay.
//
// Collection access goes through narrow seam interfaces so tests run against
// in-memory fakes instead of a live deployment.
package mongo
