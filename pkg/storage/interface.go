package storage

import (
	"context"
	"time"

	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// Storage defines the interface for rollup record backends.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write stores records. Writing a record for the same rollup series and
	// window end twice keeps the latest value.
	Write(ctx context.Context, records []rollup.Record) error

	// Query retrieves records within a time range
	Query(ctx context.Context, req QueryRequest) ([]rollup.Record, error)

	// DeleteExpired removes records whose retention ended at or before now
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies what records to retrieve
type QueryRequest struct {
	// Time range, inclusive, matched against the window end
	Start time.Time
	End   time.Time

	// Filter by source metric name (optional)
	Metrics []string

	// Filter by interval (optional)
	Interval string

	// Filter by labels (optional)
	Labels map[string]string

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether r satisfies every filter of the request.
func (req QueryRequest) Matches(r rollup.Record) bool {
	if r.Timestamp.Before(req.Start) || (!req.End.IsZero() && r.Timestamp.After(req.End)) {
		return false
	}
	if req.Interval != "" && r.Interval != req.Interval {
		return false
	}

	if len(req.Metrics) > 0 {
		found := false
		for _, name := range req.Metrics {
			if r.Metric == name || r.Name() == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for k, v := range req.Labels {
		if r.Labels == nil || r.Labels[k] != v {
			return false
		}
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	// Total records stored
	TotalRecords uint64 `json:"total_records"`

	// Unique rollup series (rollup name + label combinations)
	TotalSeries uint64 `json:"total_series"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest window end
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}
