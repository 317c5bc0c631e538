package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/series"
)

var testRule = &rules.Rule{Pattern: "*", Aggregations: []rules.AggKind{rules.Avg}, Intervals: []string{"1m"}}

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func TestNewWindow_AlignsToEpoch(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(125))
	start, end := w.Bounds()

	assert.Equal(t, int64(120), start.Unix())
	assert.Equal(t, int64(180), end.Unix())
}

func TestWindow_BoundaryCrossingFlushesPreviousContents(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(0))
	cpu := series.NewIdentity("cpu", nil)

	snap, ok := w.Ingest(cpu, testRule, series.Point{Value: 1, Timestamp: at(0)}, at(0))
	require.True(t, ok)
	assert.Nil(t, snap)

	snap, ok = w.Ingest(cpu, testRule, series.Point{Value: 2, Timestamp: at(65)}, at(65))
	require.True(t, ok)
	require.NotNil(t, snap)

	assert.Equal(t, int64(0), snap.Start.Unix())
	assert.Equal(t, int64(60), snap.End.Unix())
	require.Len(t, snap.Buffers, 1)
	require.Len(t, snap.Buffers[0].Points(), 1)
	assert.Equal(t, 1.0, snap.Buffers[0].Points()[0].Value)

	start, _ := w.Bounds()
	assert.Equal(t, int64(60), start.Unix())
	assert.Equal(t, 1, w.Len())
}

func TestWindow_LatePointRejected(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(60))
	cpu := series.NewIdentity("cpu", nil)

	snap, ok := w.Ingest(cpu, testRule, series.Point{Value: 1, Timestamp: at(59)}, at(59))
	assert.False(t, ok)
	assert.Nil(t, snap)
	assert.Equal(t, 0, w.Len())
}

func TestWindow_OutOfOrderPointsStaySorted(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(0))
	cpu := series.NewIdentity("cpu", nil)

	for _, sec := range []int64{30, 10, 50, 20, 40} {
		_, ok := w.Ingest(cpu, testRule, series.Point{Value: float64(sec), Timestamp: at(sec)}, at(sec))
		require.True(t, ok)
	}

	snap := w.Drain()
	require.Len(t, snap.Buffers, 1)

	var got []float64
	for _, p := range snap.Buffers[0].Points() {
		got = append(got, p.Value)
	}
	assert.Equal(t, []float64{10, 20, 30, 40, 50}, got)
}

func TestWindow_AdvanceSkipsIdleIntervals(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(0))

	assert.Nil(t, w.Advance(at(59)))

	snap := w.Advance(at(250))
	require.NotNil(t, snap)
	assert.Empty(t, snap.Buffers)

	start, end := w.Bounds()
	assert.Equal(t, int64(240), start.Unix())
	assert.Equal(t, int64(300), end.Unix())
}

func TestWindow_AdvanceTwiceDoesNotRepeatContents(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(0))
	cpu := series.NewIdentity("cpu", nil)
	w.Ingest(cpu, testRule, series.Point{Value: 1, Timestamp: at(10)}, at(10))

	first := w.Advance(at(60))
	require.NotNil(t, first)
	assert.Len(t, first.Buffers, 1)

	second := w.Advance(at(120))
	require.NotNil(t, second)
	assert.Empty(t, second.Buffers)
}

func TestWindow_SnapshotOrderedByKey(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(0))
	for _, host := range []string{"c", "a", "b"} {
		id := series.NewIdentity("cpu", map[string]string{"host": host})
		w.Ingest(id, testRule, series.Point{Value: 1, Timestamp: at(1)}, at(1))
	}

	snap := w.Drain()
	require.Len(t, snap.Buffers, 3)
	assert.Equal(t, "cpu,host=a", snap.Buffers[0].Identity().Key())
	assert.Equal(t, "cpu,host=c", snap.Buffers[2].Identity().Key())
	assert.Equal(t, 3, snap.Points())
	assert.Equal(t, 0, w.Len())
}

func TestWindow_SweepEvictsStaleBuffers(t *testing.T) {
	w := NewWindow("1h", time.Hour, at(0))
	stale := series.NewIdentity("cpu", map[string]string{"host": "a"})
	fresh := series.NewIdentity("cpu", map[string]string{"host": "b"})

	w.Ingest(stale, testRule, series.Point{Value: 1, Timestamp: at(0)}, at(0))
	w.Ingest(stale, testRule, series.Point{Value: 2, Timestamp: at(1)}, at(1))
	w.Ingest(fresh, testRule, series.Point{Value: 1, Timestamp: at(3000)}, at(3000))

	// staleAfter is raised to two intervals
	buffers, pts := w.Sweep(at(3500), time.Minute)
	assert.Equal(t, 0, buffers)
	assert.Equal(t, 0, pts)

	buffers, pts = w.Sweep(at(7300), time.Minute)
	assert.Equal(t, 1, buffers)
	assert.Equal(t, 2, pts)
	assert.Equal(t, 1, w.Len())
}

func TestWindow_SweepUsesArrivalTime(t *testing.T) {
	w := NewWindow("1m", time.Minute, at(0))
	cpu := series.NewIdentity("cpu", nil)

	// a point stamped at the window start that arrives much later
	w.Ingest(cpu, testRule, series.Point{Value: 1, Timestamp: at(0)}, at(50))
	w.Ingest(cpu, testRule, series.Point{Value: 2, Timestamp: at(1)}, at(500))

	snapBuf := w.Drain().Buffers
	require.Len(t, snapBuf, 1)
	assert.True(t, snapBuf[0].LastSeen().Equal(at(500)))

	w.Ingest(cpu, testRule, series.Point{Value: 1, Timestamp: at(2)}, at(500))
	buffers, _ := w.Sweep(at(600), time.Minute)
	assert.Equal(t, 0, buffers, "arrival 100s ago is within two intervals")

	buffers, _ = w.Sweep(at(700), time.Minute)
	assert.Equal(t, 1, buffers)
}
