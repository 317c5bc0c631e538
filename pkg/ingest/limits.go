package ingest

import (
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/tinyrollup/pkg/metrics"
)

// Validation limits
const (
	// Per-metric limits
	MaxLabelsPerMetric  = 20   // Maximum labels per metric
	MaxLabelKeyLength   = 256  // Maximum label key length
	MaxLabelValueLength = 1024 // Maximum label value length
	MaxMetricNameLength = 256  // Maximum metric name length

	// Request limits
	MaxMetricsPerRequest = 10000 // Maximum samples in single ingest request
)

var (
	// ErrMalformed is the parent of every input validation error
	ErrMalformed = errors.New("malformed sample")

	// ErrTooManyLabels is returned when a metric has too many labels
	ErrTooManyLabels = fmt.Errorf("%w: too many labels (max %d)", ErrMalformed, MaxLabelsPerMetric)

	// ErrLabelKeyTooLong is returned when a label key is too long
	ErrLabelKeyTooLong = fmt.Errorf("%w: label key too long (max %d chars)", ErrMalformed, MaxLabelKeyLength)

	// ErrLabelValueTooLong is returned when a label value is too long
	ErrLabelValueTooLong = fmt.Errorf("%w: label value too long (max %d chars)", ErrMalformed, MaxLabelValueLength)

	// ErrMetricNameTooLong is returned when a metric name is too long
	ErrMetricNameTooLong = fmt.Errorf("%w: metric name too long (max %d chars)", ErrMalformed, MaxMetricNameLength)

	// ErrMetricNameEmpty is returned when a metric name is empty
	ErrMetricNameEmpty = fmt.Errorf("%w: metric name cannot be empty", ErrMalformed)

	// ErrValueNotFinite is returned for NaN or infinite values
	ErrValueNotFinite = fmt.Errorf("%w: value must be finite", ErrMalformed)

	// ErrMissingTimestamp is returned when a sample carries no timestamp
	ErrMissingTimestamp = fmt.Errorf("%w: timestamp is required", ErrMalformed)

	// ErrTooManyMetrics is returned when an ingest request contains too many samples
	ErrTooManyMetrics = fmt.Errorf("too many metrics in request (max %d)", MaxMetricsPerRequest)
)

// ValidateMetric validates a raw sample before it enters the pipeline.
func ValidateMetric(m metrics.Metric) error {
	// Validate metric name
	if m.Name == "" {
		return ErrMetricNameEmpty
	}
	if len(m.Name) > MaxMetricNameLength {
		return fmt.Errorf("%w: %q has %d chars", ErrMetricNameTooLong, m.Name, len(m.Name))
	}

	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("%w: metric %q", ErrValueNotFinite, m.Name)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: metric %q", ErrMissingTimestamp, m.Name)
	}

	// Validate number of labels
	if len(m.Labels) > MaxLabelsPerMetric {
		return fmt.Errorf("%w: metric %q has %d labels", ErrTooManyLabels, m.Name, len(m.Labels))
	}

	// Validate each label
	for k, v := range m.Labels {
		if len(k) > MaxLabelKeyLength {
			return fmt.Errorf("%w: key %q in metric %q", ErrLabelKeyTooLong, k, m.Name)
		}
		if len(v) > MaxLabelValueLength {
			return fmt.Errorf("%w: value for key %q in metric %q", ErrLabelValueTooLong, k, m.Name)
		}
	}

	return nil
}
