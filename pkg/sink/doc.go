// Package sink holds the downstream consumers of emitted rollup batches:
// the record store, PostgreSQL, live WebSocket clients and plain line
// output. Every sink implements rollup.Sink and is driven by the emitter's
// per-sink dispatcher.
package sink
