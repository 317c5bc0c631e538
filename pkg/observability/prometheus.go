package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tinyrollup"

// Collector exposes Stats as Prometheus counters. It reads the atomics at
// scrape time so the hot path never touches the Prometheus client.
type Collector struct {
	stats   *Stats
	tracked func() float64

	ingested    *prometheus.Desc
	dropped     *prometheus.Desc
	emitted     *prometheus.Desc
	evicted     *prometheus.Desc
	batchDrops  *prometheus.Desc
	sinkFails   *prometheus.Desc
	trackedDesc *prometheus.Desc
}

// NewCollector builds a collector over stats. tracked, if non-nil, reports
// the number of series currently held by the cardinality guard.
func NewCollector(stats *Stats, tracked func() float64) *Collector {
	return &Collector{
		stats:   stats,
		tracked: tracked,
		ingested: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "points_ingested_total"),
			"Raw points accepted into at least one rollup window.", nil, nil),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "points_dropped_total"),
			"Raw points dropped before aggregation, by reason.", []string{"reason"}, nil),
		emitted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "records_emitted_total"),
			"Rollup records published, by interval.", []string{"interval"}, nil),
		evicted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "buffers_evicted_total"),
			"Series buffers removed by the stale sweep.", nil, nil),
		batchDrops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "batches_dropped_total"),
			"Rollup batches dropped because a sink queue was full.", nil, nil),
		sinkFails: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sink_failures_total"),
			"Rollup batches a sink failed to write after retries.", nil, nil),
		trackedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tracked_series"),
			"Series identities currently tracked by the cardinality guard.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ingested
	ch <- c.dropped
	ch <- c.emitted
	ch <- c.evicted
	ch <- c.batchDrops
	ch <- c.sinkFails
	if c.tracked != nil {
		ch <- c.trackedDesc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.ingested, prometheus.CounterValue, float64(s.PointsIngested))

	for reason, n := range map[string]uint64{
		"malformed":   s.Malformed,
		"ttl":         s.DroppedTTL,
		"cardinality": s.DroppedCardinality,
		"late":        s.DroppedLate,
		"closed":      s.DroppedClosed,
	} {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(n), reason)
	}

	for iv, n := range s.RecordsEmitted {
		ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(n), iv)
	}

	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(s.BuffersEvicted))
	ch <- prometheus.MustNewConstMetric(c.batchDrops, prometheus.CounterValue, float64(s.BatchesDropped))
	ch <- prometheus.MustNewConstMetric(c.sinkFails, prometheus.CounterValue, float64(s.SinkFailures))

	if c.tracked != nil {
		ch <- prometheus.MustNewConstMetric(c.trackedDesc, prometheus.GaugeValue, c.tracked())
	}
}

var _ prometheus.Collector = (*Collector)(nil)
