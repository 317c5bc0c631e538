package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db    *badger.DB
	clock func() time.Time
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop defaults)
	MaxMemoryMB int64

	// Clock is used to compute entry TTLs; defaults to time.Now
	Clock func() time.Time
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// Rollup records are small and written once per window, so 16 MB
	// memtables are plenty.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		// unbounded caches can reach 1-2 GB even with a small memtable
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Storage{db: db, clock: clock}, nil
}

// Write stores records in BadgerDB. Records already past their retention
// are skipped; the rest are written with a TTL matching ExpiresAt.
func (s *Storage) Write(ctx context.Context, records []rollup.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.clock()
	done := make(chan error, 1)
	go func() {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, r := range records {
			// Check context periodically (every 100 records)
			if i%100 == 0 && ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			if r.Expired(now) {
				continue
			}

			value, err := encodeRecord(r)
			if err != nil {
				done <- fmt.Errorf("failed to encode record: %w", err)
				return
			}

			e := badger.NewEntry(makeKey(r), value)
			if !r.ExpiresAt.IsZero() {
				e = e.WithTTL(r.ExpiresAt.Sub(now))
			}
			if err := wb.SetEntry(e); err != nil {
				done <- fmt.Errorf("failed to write record: %w", err)
				return
			}
		}
		done <- wb.Flush()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves records matching the request, ordered by window end
// then series.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]rollup.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []rollup.Record
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		startTime := time.Now()
		iterCount := 0

		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}

				// the window end is in the key, so out-of-range records
				// are skipped without decoding
				if ts := keyTime(it.Item().Key()); ts.Before(req.Start) || (!req.End.IsZero() && ts.After(req.End)) {
					continue
				}

				err := it.Item().Value(func(val []byte) error {
					r, err := decodeRecord(val)
					if err != nil {
						return err
					}
					if req.Matches(r) {
						res.results = append(res.results, r)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})

		if elapsed := time.Since(startTime); elapsed > 5*time.Second {
			log.Printf("Slow rollup query completed in %v (%d iterations, %d results)", elapsed, iterCount, len(res.results))
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		sortRecords(res.results)
		if req.Limit > 0 && len(res.results) > req.Limit {
			res.results = res.results[:req.Limit]
		}
		return res.results, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// DeleteExpired removes records whose retention has ended at now. Entries
// written with a TTL already vanish from reads; this reclaims them and
// covers records written without one.
func (s *Storage) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type deleteResult struct {
		n   int
		err error
	}
	done := make(chan deleteResult, 1)

	go func() {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			iterCount := 0
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}

				item := it.Item()
				var expired bool
				if err := item.Value(func(val []byte) error {
					r, err := decodeRecord(val)
					if err != nil {
						return err
					}
					expired = r.Expired(now)
					return nil
				}); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				if expired {
					keys = append(keys, item.KeyCopy(nil))
				}
			}
			return nil
		})
		if err != nil {
			done <- deleteResult{err: err}
			return
		}

		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				done <- deleteResult{err: err}
				return
			}
		}
		done <- deleteResult{n: len(keys), err: wb.Flush()}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-ctx.Done():
		return 0, fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when nothing could be reclaimed.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			seriesMap := make(map[uint64]bool)
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().Key()
				stats.TotalRecords++
				seriesMap[binary.BigEndian.Uint64(key[0:8])] = true

				ts := keyTime(key)
				if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
					stats.Oldest = ts
				}
				if ts.After(stats.Newest) {
					stats.Newest = ts
				}
			}
			stats.TotalSeries = uint64(len(seriesMap))
			return nil
		})

		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// makeKey creates a sortable key: series_hash + window end
// Format: [series_hash (8 bytes)][timestamp (8 bytes)]
func makeKey(r rollup.Record) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(r.Key()))
	binary.BigEndian.PutUint64(key[8:16], uint64(r.Timestamp.UnixNano()))
	return key
}

func keyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[8:16])))
}

func encodeRecord(r rollup.Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (rollup.Record, error) {
	var r rollup.Record
	err := json.Unmarshal(data, &r)
	return r, err
}

func sortRecords(rs []rollup.Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Timestamp.Equal(rs[j].Timestamp) {
			return rs[i].Timestamp.Before(rs[j].Timestamp)
		}
		return rs[i].Key() < rs[j].Key()
	})
}
