// Package rollup turns raw samples into tumbling-window aggregates.
//
// The Engine owns one Window per configured interval. Points are routed
// through validation, the raw-retention filters (global, then the matched
// rule's) and the cardinality guard before they are buffered. A window is flushed when a
// point crosses its end or when the scheduler calls FlushDue; the snapshot
// is aggregated outside the window lock and handed to the Emitter.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/metrics"
	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/series"
)

var (
	// ErrExpired is returned for points older than the raw retention
	ErrExpired = errors.New("point older than raw retention")

	// ErrCardinalityLimit is returned when a new series is rejected by the guard
	ErrCardinalityLimit = errors.New("series cardinality limit reached")

	// ErrLatePoint is returned when a point precedes every window it targets
	ErrLatePoint = errors.New("point precedes current window")

	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("engine is shut down")
)

// Options configures an Engine.
type Options struct {
	Config *config.Config

	// Clock defaults to time.Now
	Clock func() time.Time

	// Alerter receives cardinality alerts; defaults to the standard logger
	Alerter observability.Alerter

	// Recorder observes sink delivery outcomes
	Recorder DeliveryRecorder

	Sinks []Sink
}

// Engine is the rollup pipeline.
type Engine struct {
	cfg     *config.Config
	clock   func() time.Time
	matcher *rules.Matcher
	guard   *ingest.CardinalityGuard
	ttl     *TTLFilter
	windows []*Window
	emitter *Emitter
	stats   *observability.Stats

	// retention per interval, from config
	retention map[string]time.Duration

	// mu guards closed. Ingest and flush paths hold it for reading so
	// Shutdown waits for them before draining.
	mu     sync.RWMutex
	closed bool
}

// New builds an engine from configuration.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	def, err := rules.DefaultRule(cfg.Rollup.DefaultAggregations, cfg.Rollup.Intervals)
	if err != nil {
		return nil, err
	}
	rs, err := rules.FromConfig(cfg.Rules)
	if err != nil {
		return nil, err
	}
	matcher, err := rules.NewMatcher(rs, def, cfg.Rollup.Intervals)
	if err != nil {
		return nil, err
	}

	now := clock()
	windows := make([]*Window, 0, len(cfg.Rollup.Intervals))
	retention := make(map[string]time.Duration, len(cfg.Rollup.Intervals))
	for _, iv := range cfg.Rollup.Intervals {
		d, err := config.ParseDuration(iv)
		if err != nil {
			return nil, fmt.Errorf("interval %q: %w", iv, err)
		}
		windows = append(windows, NewWindow(iv, d, now))
		retention[iv] = cfg.Retention.Tiers[iv].D()
	}

	stats := observability.NewStats(cfg.Rollup.Intervals)
	guard := ingest.NewCardinalityGuard(ingest.GuardConfig{
		Limit:          cfg.Cardinality.Limit,
		AlertCooldown:  cfg.Cardinality.AlertCooldown.D(),
		IdleAfter:      cfg.Cardinality.IdleAfter.D(),
		PruneWatermark: cfg.Cardinality.PruneWatermark,
		Alerter:        opts.Alerter,
		Stats:          stats,
		Clock:          clock,
	})
	emitter := NewEmitter(EmitterOptions{
		QueueSize:    cfg.Emitter.QueueSize,
		MaxRetries:   cfg.Emitter.MaxRetries,
		RetryBackoff: cfg.Emitter.RetryBackoff.D(),
		Stats:        stats,
		Recorder:     opts.Recorder,
	})
	for _, s := range opts.Sinks {
		if err := emitter.AddSink(s); err != nil {
			return nil, err
		}
	}

	return &Engine{
		cfg:       cfg,
		clock:     clock,
		matcher:   matcher,
		guard:     guard,
		ttl:       NewTTLFilter(cfg.Retention.Raw.D(), clock),
		windows:   windows,
		emitter:   emitter,
		stats:     stats,
		retention: retention,
	}, nil
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Accepted    int `json:"accepted"`
	Malformed   int `json:"malformed,omitempty"`
	Expired     int `json:"expired,omitempty"`
	Cardinality int `json:"cardinality,omitempty"`
	Late        int `json:"late,omitempty"`
	Closed      int `json:"closed,omitempty"`
}

// Rejected returns the number of samples that were not accepted.
func (r IngestResult) Rejected() int {
	return r.Malformed + r.Expired + r.Cardinality + r.Late + r.Closed
}

// Ingest processes a batch of samples. Rejections are counted, never fatal
// to the rest of the batch.
func (e *Engine) Ingest(samples []metrics.Metric) IngestResult {
	var res IngestResult
	for _, m := range samples {
		err := e.IngestSample(m)
		switch {
		case err == nil:
			res.Accepted++
		case errors.Is(err, ingest.ErrMalformed):
			res.Malformed++
		case errors.Is(err, ErrExpired):
			res.Expired++
		case errors.Is(err, ErrCardinalityLimit):
			res.Cardinality++
		case errors.Is(err, ErrLatePoint):
			res.Late++
		case errors.Is(err, ErrClosed):
			res.Closed++
		}
	}
	return res
}

// IngestSample routes one sample into every window its rule targets.
func (e *Engine) IngestSample(m metrics.Metric) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.stats.AddDroppedClosed(1)
		return ErrClosed
	}

	if err := ingest.ValidateMetric(m); err != nil {
		e.stats.AddMalformed(1)
		observability.Debugf("Dropping malformed sample %q: %v", m.Name, err)
		return err
	}

	now := e.clock()
	if e.ttl.expiredAt(now, m.Timestamp, e.ttl.Retention()) {
		e.stats.AddDroppedTTL(1)
		return ErrExpired
	}

	// a point the rule's raw retention rejects must not take a guard slot
	rule := e.matcher.Match(m.Name)
	if d, ok := rule.RetentionFor(rules.RawTier); ok && e.ttl.expiredAt(now, m.Timestamp, d) {
		e.stats.AddDroppedTTL(1)
		return ErrExpired
	}

	id := series.NewIdentity(m.Name, m.Labels)
	if !e.guard.Admit(id) {
		return ErrCardinalityLimit
	}

	p := series.Point{Value: m.Value, Timestamp: m.Timestamp}
	accepted, late := 0, 0
	for _, w := range e.windows {
		if !rule.AppliesTo(w.Name()) {
			continue
		}
		snap, ok := w.Ingest(id, rule, p, now)
		e.emit(snap)
		if ok {
			accepted++
		} else {
			late++
		}
	}

	if late > 0 {
		e.stats.AddDroppedLate(late)
	}
	if accepted == 0 && late > 0 {
		return fmt.Errorf("%w: %s at %s", ErrLatePoint, id, m.Timestamp.Format(time.RFC3339))
	}
	e.stats.AddIngested(1)
	return nil
}

// FlushDue closes every window whose end has passed at now and emits its
// aggregates. It returns the number of records emitted.
func (e *Engine) FlushDue(now time.Time) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return 0
	}

	n := 0
	for _, w := range e.windows {
		n += e.emit(w.Advance(now))
	}
	return n
}

// CleanupResult reports what one Cleanup pass removed.
type CleanupResult struct {
	BuffersEvicted int  `json:"buffers_evicted"`
	PointsEvicted  int  `json:"points_evicted"`
	SeriesPruned   int  `json:"series_pruned"`
	GuardReset     bool `json:"guard_reset"`
}

// Cleanup evicts stale buffers and prunes idle series from the guard.
func (e *Engine) Cleanup(now time.Time) CleanupResult {
	var res CleanupResult
	stale := e.cfg.Scheduler.StaleAfter.D()
	for _, w := range e.windows {
		b, p := w.Sweep(now, stale)
		res.BuffersEvicted += b
		res.PointsEvicted += p
	}
	if res.BuffersEvicted > 0 {
		e.stats.AddEvicted(res.BuffersEvicted, res.PointsEvicted)
		log.Printf("Evicted %d stale buffers (%d points)", res.BuffersEvicted, res.PointsEvicted)
	}

	res.SeriesPruned, res.GuardReset = e.guard.Prune(now)
	return res
}

// Shutdown stops accepting points, flushes every window regardless of its
// boundary, then waits for sinks to drain queued batches until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	n := 0
	for _, w := range e.windows {
		n += e.emit(w.Drain())
	}
	log.Printf("Final drain emitted %d records", n)

	return e.emitter.Close(ctx)
}

// UpdatePolicy replaces the rule set. New points see the new rules;
// buffered points keep the rule they arrived with until the next flush.
func (e *Engine) UpdatePolicy(rcs []config.RuleConfig) error {
	rs, err := rules.FromConfig(rcs)
	if err != nil {
		return err
	}
	if err := e.matcher.Update(rs); err != nil {
		return err
	}
	log.Printf("Rollup policy updated: %d rules", len(rs))
	return nil
}

// Policy returns the active rules, excluding the default rule.
func (e *Engine) Policy() []rules.Rule {
	return e.matcher.Table().Rules()
}

// AddSink registers an output sink.
func (e *Engine) AddSink(s Sink) error {
	return e.emitter.AddSink(s)
}

// Subscribe returns a channel of emitted batches.
func (e *Engine) Subscribe(buffer int) (<-chan Batch, func(), error) {
	return e.emitter.Subscribe(buffer)
}

// Stats returns the engine's self-metrics counters.
func (e *Engine) Stats() *observability.Stats { return e.stats }

// Guard returns the cardinality guard.
func (e *Engine) Guard() *ingest.CardinalityGuard { return e.guard }

// Emitter returns the sink fan-out.
func (e *Engine) Emitter() *Emitter { return e.emitter }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config { return e.cfg }

// WindowInfo describes one open window.
type WindowInfo struct {
	Interval string    `json:"interval"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Series   int       `json:"series"`
}

// Windows describes the currently open windows.
func (e *Engine) Windows() []WindowInfo {
	out := make([]WindowInfo, 0, len(e.windows))
	for _, w := range e.windows {
		start, end := w.Bounds()
		out = append(out, WindowInfo{
			Interval: w.Name(),
			Start:    start,
			End:      end,
			Series:   w.Len(),
		})
	}
	return out
}

// emit aggregates a snapshot and publishes it. It returns the number of
// records emitted; an empty snapshot emits nothing.
func (e *Engine) emit(snap *Snapshot) int {
	if snap == nil || len(snap.Buffers) == 0 {
		return 0
	}

	batch := Batch{
		Interval:    snap.Interval,
		WindowStart: snap.Start,
		WindowEnd:   snap.End,
		EmittedAt:   e.clock(),
	}
	for _, b := range snap.Buffers {
		aggs := Aggregate(b.points, b.rule.Aggregations)
		if len(aggs) == 0 {
			continue
		}
		labels := b.id.Labels()
		expires := e.expiry(b.rule, snap.Interval, snap.End)
		for _, kind := range b.rule.Aggregations {
			v, ok := aggs[kind]
			if !ok {
				continue
			}
			batch.Records = append(batch.Records, Record{
				Metric:      b.id.Name(),
				Interval:    snap.Interval,
				Aggregation: kind,
				Value:       v,
				Labels:      labels,
				Timestamp:   snap.End,
				ExpiresAt:   expires,
			})
		}
	}

	if batch.Len() == 0 {
		return 0
	}
	e.stats.AddEmitted(snap.Interval, batch.Len())
	e.emitter.Publish(batch)
	observability.Debugf("Flushed %s window ending %s: %d series, %d records",
		snap.Interval, snap.End.Format(time.RFC3339), len(snap.Buffers), batch.Len())
	return batch.Len()
}

func (e *Engine) expiry(rule *rules.Rule, interval string, end time.Time) time.Time {
	d, ok := rule.RetentionFor(interval)
	if !ok {
		d = e.retention[interval]
	}
	if d <= 0 {
		return time.Time{}
	}
	return end.Add(d)
}
