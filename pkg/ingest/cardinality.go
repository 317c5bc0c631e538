package ingest

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/series"
)

// GuardConfig configures a CardinalityGuard.
type GuardConfig struct {
	// Limit is the maximum number of tracked series (<= 0 disables the limit)
	Limit int

	// AlertCooldown is the minimum gap between two limit-reached alerts
	AlertCooldown time.Duration

	// IdleAfter is how long a series may go unseen before Prune forgets it
	IdleAfter time.Duration

	// PruneWatermark is the fraction of Limit above which Prune resets the set
	PruneWatermark float64

	Alerter observability.Alerter
	Stats   *observability.Stats
	Clock   func() time.Time
}

// CardinalityGuard tracks distinct series identities and rejects new ones
// once the limit is reached. It is a soft limit: Prune may forget series
// that are later re-admitted.
type CardinalityGuard struct {
	mu sync.Mutex

	// seen maps identity hash -> entry
	seen map[uint64]*seriesEntry

	// perMetric counts tracked series per metric name
	perMetric map[string]int

	rejected uint64
	limiter  *rate.Limiter
	cfg      GuardConfig
}

type seriesEntry struct {
	name     string
	lastSeen time.Time
}

// NewCardinalityGuard creates a guard.
func NewCardinalityGuard(cfg GuardConfig) *CardinalityGuard {
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = time.Minute
	}
	if cfg.PruneWatermark <= 0 || cfg.PruneWatermark > 1 {
		cfg.PruneWatermark = 0.9
	}
	if cfg.Alerter == nil {
		cfg.Alerter = observability.LogAlerter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &CardinalityGuard{
		seen:      make(map[uint64]*seriesEntry),
		perMetric: make(map[string]int),
		limiter:   rate.NewLimiter(rate.Every(cfg.AlertCooldown), 1),
		cfg:       cfg,
	}
}

// Admit reports whether a point for id may proceed. Known series are always
// admitted; new series are admitted while the tracked set is below the limit.
func (g *CardinalityGuard) Admit(id series.Identity) bool {
	now := g.cfg.Clock()

	g.mu.Lock()
	if e, ok := g.seen[id.Hash()]; ok {
		e.lastSeen = now
		g.mu.Unlock()
		return true
	}

	if g.cfg.Limit <= 0 || len(g.seen) < g.cfg.Limit {
		g.seen[id.Hash()] = &seriesEntry{name: id.Name(), lastSeen: now}
		g.perMetric[id.Name()]++
		g.mu.Unlock()
		return true
	}

	g.rejected++
	size := len(g.seen)
	shouldAlert := g.limiter.AllowN(now, 1)
	g.mu.Unlock()

	if g.cfg.Stats != nil {
		g.cfg.Stats.AddDroppedCardinality(1)
	}

	if shouldAlert {
		g.cfg.Alerter.Alert(observability.Alert{
			Level:   observability.LevelWarning,
			Message: "cardinality limit reached, dropping new series",
			Context: map[string]interface{}{
				"size":   size,
				"limit":  g.cfg.Limit,
				"metric": id.Name(),
			},
			Time: now,
		})
	}

	return false
}

// Prune forgets series not seen within IdleAfter. If the tracked set is
// still above the watermark afterwards it is reset so new series are not
// starved forever.
func (g *CardinalityGuard) Prune(now time.Time) (removed int, reset bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.IdleAfter > 0 {
		cutoff := now.Add(-g.cfg.IdleAfter)
		for h, e := range g.seen {
			if e.lastSeen.Before(cutoff) {
				delete(g.seen, h)
				g.forgetLocked(e.name)
				removed++
			}
		}
	}

	if g.cfg.Limit > 0 && float64(len(g.seen)) >= g.cfg.PruneWatermark*float64(g.cfg.Limit) {
		removed += len(g.seen)
		g.seen = make(map[uint64]*seriesEntry)
		g.perMetric = make(map[string]int)
		reset = true
		log.Printf("Cardinality guard reset: tracked set above %.0f%% of limit %d",
			g.cfg.PruneWatermark*100, g.cfg.Limit)
	}

	return removed, reset
}

func (g *CardinalityGuard) forgetLocked(name string) {
	if g.perMetric[name] <= 1 {
		delete(g.perMetric, name)
		return
	}
	g.perMetric[name]--
}

// Len returns the number of tracked series.
func (g *CardinalityGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Stats returns current cardinality statistics
func (g *CardinalityGuard) Stats() CardinalityStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Find metric with highest cardinality
	var maxMetric string
	var maxCount int
	for name, count := range g.perMetric {
		if count > maxCount || (count == maxCount && name < maxMetric) {
			maxCount = count
			maxMetric = name
		}
	}

	stats := CardinalityStats{
		TotalSeries:     len(g.seen),
		UniqueMetrics:   len(g.perMetric),
		MaxSeriesMetric: maxMetric,
		MaxSeriesCount:  maxCount,
		SeriesLimit:     g.cfg.Limit,
		Rejected:        g.rejected,
	}
	if g.cfg.Limit > 0 {
		stats.UtilizationPct = float64(len(g.seen)) / float64(g.cfg.Limit) * 100
	}
	return stats
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalSeries     int     `json:"total_series"`
	UniqueMetrics   int     `json:"unique_metrics"`
	MaxSeriesMetric string  `json:"max_series_metric"`
	MaxSeriesCount  int     `json:"max_series_count"`
	SeriesLimit     int     `json:"series_limit"`
	Rejected        uint64  `json:"rejected"`
	UtilizationPct  float64 `json:"utilization_percent"`
}
