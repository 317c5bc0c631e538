package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/storage"
	"github.com/nicktill/tinyrollup/pkg/storage/badger"
)

const (
	badgerGCInterval     = 10 * time.Minute
	badgerGCDiscardRatio = 0.5

	cleanupMaxRetries = 3
	cleanupBaseDelay  = 5 * time.Second
)

// Scheduler drives the periodic work of the rollup engine: flushing closed
// windows, cleaning up stale state and expired rollups, and reporting
// self-metrics.
type Scheduler struct {
	engine   *rollup.Engine
	store    storage.Storage
	reporter *observability.Reporter
	cfg      config.SchedulerConfig
	now      func() time.Time

	stop     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. store may be nil when rollups are not
// persisted.
func NewScheduler(engine *rollup.Engine, store storage.Storage, reporter *observability.Reporter) *Scheduler {
	return &Scheduler{
		engine:   engine,
		store:    store,
		reporter: reporter,
		cfg:      engine.Config().Scheduler,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the flush, cleanup and report loops, plus value log GC
// when the store is badger.
func (s *Scheduler) Start() {
	s.started = true

	s.wg.Add(3)
	go s.loop("flush", s.cfg.FlushTick.D(), func() { s.flush() })
	go s.loop("cleanup", s.cfg.CleanupTick.D(), func() { s.cleanup() })
	go s.loop("report", s.cfg.ReportInterval.D(), func() { s.report() })

	if bs, ok := s.store.(*badger.Storage); ok {
		s.wg.Add(1)
		go RunBadgerGC(bs, s.stop, &s.wg)
	}
	log.Printf("Scheduler started (flush every %v, cleanup every %v, report every %v)",
		s.cfg.FlushTick, s.cfg.CleanupTick, s.cfg.ReportInterval)
}

// Stop halts the tickers, then runs the engine's final drain and waits for
// sinks to empty their queues until ctx expires. It is safe to call more
// than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started {
			s.wg.Wait()
			log.Println("Scheduler loops stopped")
		}

		if err = s.engine.Shutdown(ctx); err != nil {
			err = fmt.Errorf("engine shutdown: %w", err)
		}
		if s.reporter != nil {
			s.reporter.Tick(s.now())
		}
	})
	return err
}

func (s *Scheduler) loop(name string, every time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.stop:
			log.Printf("Stopping %s loop", name)
			return
		}
	}
}

// flush closes every window whose end has passed.
func (s *Scheduler) flush() int {
	n := s.engine.FlushDue(s.now())
	if n > 0 {
		observability.Debugf("Flushed %d rollup records", n)
	}
	return n
}

// cleanup sweeps stale buffers, prunes the cardinality guard and deletes
// stored rollups past their tier retention.
func (s *Scheduler) cleanup() {
	now := s.now()
	res := s.engine.Cleanup(now)
	if res.SeriesPruned > 0 || res.GuardReset {
		log.Printf("Cardinality guard pruned %d idle series (reset=%v)", res.SeriesPruned, res.GuardReset)
	}

	if s.store == nil {
		return
	}
	s.deleteExpiredWithRetry(now)
}

// deleteExpiredWithRetry retries with exponential backoff: 5s, 10s, 20s.
func (s *Scheduler) deleteExpiredWithRetry(now time.Time) {
	for attempt := 0; attempt <= cleanupMaxRetries; attempt++ {
		if attempt > 0 {
			delay := cleanupBaseDelay * time.Duration(1<<(attempt-1))
			log.Printf("Retrying retention cleanup in %v (attempt %d/%d)...", delay, attempt+1, cleanupMaxRetries+1)
			select {
			case <-time.After(delay):
			case <-s.stop:
				return
			}
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), config.QueryTimeout)
		n, err := s.store.DeleteExpired(ctx, now)
		cancel()
		if err == nil {
			if n > 0 {
				log.Printf("Retention cleanup removed %d rollup records in %v", n, time.Since(start).Round(time.Millisecond))
			}
			return
		}
		log.Printf("Retention cleanup failed (attempt %d/%d): %v", attempt+1, cleanupMaxRetries+1, err)
	}

	log.Printf("Retention cleanup failed after %d attempts, will retry on next schedule", cleanupMaxRetries+1)
}

func (s *Scheduler) report() observability.Report {
	return s.reporter.Tick(s.now())
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically to
// reclaim disk space left by overwritten and expired rollups.
func RunBadgerGC(store *badger.Storage, stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", badgerGCInterval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// RunGC returns an error when there was nothing to rewrite
			if err := store.RunGC(badgerGCDiscardRatio); err != nil {
				observability.Debugf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
