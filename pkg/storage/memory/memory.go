package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Storage stores rollup records in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu      sync.RWMutex
	records map[string]rollup.Record
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		records: make(map[string]rollup.Record),
	}
}

// Write stores records in memory
func (s *Storage) Write(ctx context.Context, records []rollup.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.records[recordKey(r)] = r
	}
	return nil
}

// Query retrieves records matching the request, ordered by window end
// then series.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]rollup.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var results []rollup.Record
	for _, r := range s.records {
		if req.Matches(r) {
			results = append(results, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return results[i].Key() < results[j].Key()
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// DeleteExpired removes records past their retention
func (s *Storage) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalRecords: uint64(len(s.records)),
	}

	// Count unique series and find min/max timestamps in single pass
	seriesMap := make(map[string]bool)
	for _, r := range s.records {
		seriesMap[r.Key()] = true

		if stats.Oldest.IsZero() || r.Timestamp.Before(stats.Oldest) {
			stats.Oldest = r.Timestamp
		}
		if r.Timestamp.After(stats.Newest) {
			stats.Newest = r.Timestamp
		}
	}
	stats.TotalSeries = uint64(len(seriesMap))

	// Rough size estimate (each record ~120 bytes)
	stats.SizeBytes = uint64(len(s.records)) * 120

	return stats, nil
}

func recordKey(r rollup.Record) string {
	return r.Key() + "@" + strconv.FormatInt(r.Timestamp.UnixNano(), 10)
}
