// Package observability holds the engine's self-metrics, the periodic
// report built from them, operational alerts, and their Prometheus
// exposition.
package observability

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds monotonically increasing counters. All methods are safe for
// concurrent use.
type Stats struct {
	pointsIngested     atomic.Uint64
	malformed          atomic.Uint64
	droppedTTL         atomic.Uint64
	droppedCardinality atomic.Uint64
	droppedLate        atomic.Uint64
	droppedClosed      atomic.Uint64
	buffersEvicted     atomic.Uint64
	pointsEvicted      atomic.Uint64
	batchesDropped     atomic.Uint64
	sinkFailures       atomic.Uint64

	// emitted is fixed at construction, one counter per interval
	emitted map[string]*atomic.Uint64
}

// NewStats creates counters for the given rollup intervals.
func NewStats(intervals []string) *Stats {
	s := &Stats{emitted: make(map[string]*atomic.Uint64, len(intervals))}
	for _, iv := range intervals {
		s.emitted[iv] = new(atomic.Uint64)
	}
	return s
}

func (s *Stats) AddIngested(n int)           { s.pointsIngested.Add(uint64(n)) }
func (s *Stats) AddMalformed(n int)          { s.malformed.Add(uint64(n)) }
func (s *Stats) AddDroppedTTL(n int)         { s.droppedTTL.Add(uint64(n)) }
func (s *Stats) AddDroppedCardinality(n int) { s.droppedCardinality.Add(uint64(n)) }
func (s *Stats) AddDroppedLate(n int)        { s.droppedLate.Add(uint64(n)) }
func (s *Stats) AddDroppedClosed(n int)      { s.droppedClosed.Add(uint64(n)) }
func (s *Stats) AddBatchesDropped(n int)     { s.batchesDropped.Add(uint64(n)) }
func (s *Stats) AddSinkFailures(n int)       { s.sinkFailures.Add(uint64(n)) }

// AddEvicted records buffers (and their points) removed by a stale sweep.
func (s *Stats) AddEvicted(buffers, points int) {
	s.buffersEvicted.Add(uint64(buffers))
	s.pointsEvicted.Add(uint64(points))
}

// AddEmitted records rollup records published for an interval.
func (s *Stats) AddEmitted(interval string, n int) {
	if c, ok := s.emitted[interval]; ok {
		c.Add(uint64(n))
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PointsIngested     uint64            `json:"points_ingested"`
	Malformed          uint64            `json:"malformed"`
	DroppedTTL         uint64            `json:"dropped_ttl"`
	DroppedCardinality uint64            `json:"dropped_cardinality"`
	DroppedLate        uint64            `json:"dropped_late"`
	DroppedClosed      uint64            `json:"dropped_closed"`
	BuffersEvicted     uint64            `json:"buffers_evicted"`
	PointsEvicted      uint64            `json:"points_evicted"`
	BatchesDropped     uint64            `json:"batches_dropped"`
	SinkFailures       uint64            `json:"sink_failures"`
	RecordsEmitted     map[string]uint64 `json:"records_emitted"`
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		PointsIngested:     s.pointsIngested.Load(),
		Malformed:          s.malformed.Load(),
		DroppedTTL:         s.droppedTTL.Load(),
		DroppedCardinality: s.droppedCardinality.Load(),
		DroppedLate:        s.droppedLate.Load(),
		DroppedClosed:      s.droppedClosed.Load(),
		BuffersEvicted:     s.buffersEvicted.Load(),
		PointsEvicted:      s.pointsEvicted.Load(),
		BatchesDropped:     s.batchesDropped.Load(),
		SinkFailures:       s.sinkFailures.Load(),
		RecordsEmitted:     make(map[string]uint64, len(s.emitted)),
	}
	for iv, c := range s.emitted {
		snap.RecordsEmitted[iv] = c.Load()
	}
	return snap
}

// Sub returns the counter deltas between two snapshots (a - b).
func (a Snapshot) Sub(b Snapshot) Snapshot {
	d := Snapshot{
		PointsIngested:     a.PointsIngested - b.PointsIngested,
		Malformed:          a.Malformed - b.Malformed,
		DroppedTTL:         a.DroppedTTL - b.DroppedTTL,
		DroppedCardinality: a.DroppedCardinality - b.DroppedCardinality,
		DroppedLate:        a.DroppedLate - b.DroppedLate,
		DroppedClosed:      a.DroppedClosed - b.DroppedClosed,
		BuffersEvicted:     a.BuffersEvicted - b.BuffersEvicted,
		PointsEvicted:      a.PointsEvicted - b.PointsEvicted,
		BatchesDropped:     a.BatchesDropped - b.BatchesDropped,
		SinkFailures:       a.SinkFailures - b.SinkFailures,
		RecordsEmitted:     make(map[string]uint64, len(a.RecordsEmitted)),
	}
	for iv, n := range a.RecordsEmitted {
		d.RecordsEmitted[iv] = n - b.RecordsEmitted[iv]
	}
	return d
}

// Report is the self-metrics message for one reporting window.
type Report struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Counts Snapshot  `json:"counts"`
}

// Reporter turns the running counters into per-window reports.
type Reporter struct {
	stats *Stats

	mu          sync.Mutex
	prev        Snapshot
	windowStart time.Time
	last        Report
	subscribers []func(Report)
}

// NewReporter starts the first reporting window at start.
func NewReporter(stats *Stats, start time.Time) *Reporter {
	return &Reporter{
		stats:       stats,
		prev:        stats.Snapshot(),
		windowStart: start,
	}
}

// OnReport registers a callback invoked for every report.
func (r *Reporter) OnReport(fn func(Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Tick closes the current window at now and returns its report.
func (r *Reporter) Tick(now time.Time) Report {
	r.mu.Lock()
	cur := r.stats.Snapshot()
	report := Report{
		Start:  r.windowStart,
		End:    now,
		Counts: cur.Sub(r.prev),
	}
	r.prev = cur
	r.windowStart = now
	r.last = report
	subs := append([]func(Report){}, r.subscribers...)
	r.mu.Unlock()

	c := report.Counts
	log.Printf("Self-metrics %v: ingested=%d emitted=%s ttl_dropped=%d cardinality_dropped=%d late_dropped=%d malformed=%d",
		now.Sub(report.Start).Round(time.Second), c.PointsIngested, formatEmitted(c.RecordsEmitted),
		c.DroppedTTL, c.DroppedCardinality, c.DroppedLate, c.Malformed)

	for _, fn := range subs {
		fn(report)
	}
	return report
}

// Current returns the counts of the still-open window without closing it.
func (r *Reporter) Current(now time.Time) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Report{
		Start:  r.windowStart,
		End:    now,
		Counts: r.stats.Snapshot().Sub(r.prev),
	}
}

// Last returns the most recently closed report.
func (r *Reporter) Last() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func formatEmitted(m map[string]uint64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, m[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
