package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/series"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGuard(limit int, clock *fakeClock) (*CardinalityGuard, observability.ChanAlerter, *observability.Stats) {
	alerts := make(observability.ChanAlerter, 16)
	stats := observability.NewStats(nil)
	g := NewCardinalityGuard(GuardConfig{
		Limit:          limit,
		AlertCooldown:  time.Minute,
		IdleAfter:      time.Hour,
		PruneWatermark: 0.9,
		Alerter:        alerts,
		Stats:          stats,
		Clock:          clock.Now,
	})
	return g, alerts, stats
}

func id(name string, labels ...string) series.Identity {
	m := make(map[string]string)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return series.NewIdentity(name, m)
}

func TestCardinalityGuard_Limit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g, alerts, stats := newTestGuard(2, clock)

	require.True(t, g.Admit(id("cpu", "host", "a")))
	require.True(t, g.Admit(id("cpu", "host", "b")))

	// Known series keep being admitted at the limit.
	require.True(t, g.Admit(id("cpu", "host", "a")))

	assert.False(t, g.Admit(id("cpu", "host", "c")))
	assert.Equal(t, uint64(1), stats.Snapshot().DroppedCardinality)
	assert.Equal(t, 2, g.Len())

	require.Len(t, alerts, 1)
	a := <-alerts
	assert.Equal(t, observability.LevelWarning, a.Level)
	assert.Equal(t, 2, a.Context["size"])
	assert.Equal(t, 2, a.Context["limit"])
}

func TestCardinalityGuard_AlertCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g, alerts, stats := newTestGuard(1, clock)

	require.True(t, g.Admit(id("mem")))
	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		assert.False(t, g.Admit(id("mem", "i", fmt.Sprint(i))))
	}
	assert.Len(t, alerts, 1, "at most one alert per cooldown window")
	assert.Equal(t, uint64(50), stats.Snapshot().DroppedCardinality)

	// After the cooldown a new alert may fire.
	clock.Advance(time.Minute)
	assert.False(t, g.Admit(id("mem", "i", "late")))
	assert.Len(t, alerts, 2)
}

func TestCardinalityGuard_PruneIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g, _, _ := newTestGuard(100, clock)

	require.True(t, g.Admit(id("cpu", "host", "old")))
	clock.Advance(2 * time.Hour)
	require.True(t, g.Admit(id("cpu", "host", "new")))

	removed, reset := g.Prune(clock.Now())
	assert.Equal(t, 1, removed)
	assert.False(t, reset)
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 1, g.Stats().MaxSeriesCount)
}

func TestCardinalityGuard_PruneResetsAboveWatermark(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g, _, _ := newTestGuard(10, clock)

	for i := 0; i < 10; i++ {
		require.True(t, g.Admit(id("req", "i", fmt.Sprint(i))))
	}
	require.False(t, g.Admit(id("req", "i", "starved")))

	removed, reset := g.Prune(clock.Now())
	assert.True(t, reset)
	assert.Equal(t, 10, removed)
	assert.Equal(t, 0, g.Len())

	assert.True(t, g.Admit(id("req", "i", "starved")))
}

func TestCardinalityGuard_Unlimited(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g, alerts, _ := newTestGuard(0, clock)

	for i := 0; i < 1000; i++ {
		require.True(t, g.Admit(id("x", "i", fmt.Sprint(i))))
	}
	assert.Len(t, alerts, 0)

	_, reset := g.Prune(clock.Now())
	assert.False(t, reset)
}

func TestCardinalityGuard_Stats(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g, _, _ := newTestGuard(4, clock)

	g.Admit(id("cpu", "host", "a"))
	g.Admit(id("cpu", "host", "b"))
	g.Admit(id("mem", "host", "a"))

	stats := g.Stats()
	assert.Equal(t, 3, stats.TotalSeries)
	assert.Equal(t, 2, stats.UniqueMetrics)
	assert.Equal(t, "cpu", stats.MaxSeriesMetric)
	assert.Equal(t, 2, stats.MaxSeriesCount)
	assert.Equal(t, 4, stats.SeriesLimit)
	assert.InDelta(t, 75.0, stats.UtilizationPct, 0.001)
}
