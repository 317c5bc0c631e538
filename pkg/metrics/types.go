package metrics

import "time"

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Metric represents a single raw sample as it arrives from a producer.
// Every type is rolled up the same way; Type is carried for producers
// that want to tag their samples.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type,omitempty"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
