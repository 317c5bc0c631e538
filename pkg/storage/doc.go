/*
Package storage provides the pluggable store for emitted rollup records.

Backends:
  - memory: in-process map, for tests and ephemeral deployments
  - badger: BadgerDB (LSM tree + Snappy compression), persistent

Each record is keyed by its rollup series (name plus sorted labels) and its
window end, so a replayed flush overwrites instead of duplicating.

# Retention

Records carry ExpiresAt, derived from the retention tier of their interval.
The badger backend also sets the entry TTL so expired records disappear
from reads even before DeleteExpired runs. The scheduler calls
DeleteExpired on every cleanup tick.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	records, err := store.Query(ctx, storage.QueryRequest{
	    Start:    time.Now().Add(-1 * time.Hour),
	    End:      time.Now(),
	    Metrics:  []string{"cpu_usage"},
	    Interval: "5m",
	})
*/
package storage
