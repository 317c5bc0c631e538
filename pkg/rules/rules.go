// Package rules compiles rollup rules and resolves a metric name to the
// rule that governs it. A compiled Table is immutable; policy updates build
// a new Table and swap it in atomically.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinyrollup/pkg/config"
)

// AggKind names one aggregate function.
type AggKind string

const (
	Min   AggKind = "min"
	Max   AggKind = "max"
	Avg   AggKind = "avg"
	Sum   AggKind = "sum"
	Count AggKind = "count"
	P50   AggKind = "p50"
	P95   AggKind = "p95"
	P99   AggKind = "p99"
)

// RawTier is the retention key for unaggregated points.
const RawTier = "raw"

var (
	// ErrUnknownAggregation is returned for an aggregation name outside the supported set
	ErrUnknownAggregation = errors.New("unknown aggregation")

	// ErrUnknownInterval is returned when a rule targets an interval that is not configured
	ErrUnknownInterval = errors.New("interval not configured")

	// ErrInvalidPattern is returned when a rule pattern does not compile
	ErrInvalidPattern = errors.New("invalid match pattern")
)

var quantiles = map[AggKind]float64{
	P50: 0.50,
	P95: 0.95,
	P99: 0.99,
}

// ParseAggKind validates an aggregation name.
func ParseAggKind(s string) (AggKind, error) {
	switch k := AggKind(s); k {
	case Min, Max, Avg, Sum, Count, P50, P95, P99:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAggregation, s)
}

// Quantile returns the percentile fraction for p50/p95/p99.
func (k AggKind) Quantile() (float64, bool) {
	q, ok := quantiles[k]
	return q, ok
}

// Rule maps a metric-name pattern to aggregations and target intervals.
type Rule struct {
	Pattern      string
	Aggregations []AggKind
	Intervals    []string

	// Retention overrides per tier ("raw" or an interval name).
	Retention map[string]time.Duration
}

// AppliesTo reports whether the rule targets the given interval.
func (r *Rule) AppliesTo(interval string) bool {
	for _, iv := range r.Intervals {
		if iv == interval {
			return true
		}
	}
	return false
}

// RetentionFor returns the rule's override for a tier, if any.
func (r *Rule) RetentionFor(tier string) (time.Duration, bool) {
	d, ok := r.Retention[tier]
	return d, ok && d > 0
}

// NeedsSort is true when any aggregation is a percentile.
func (r *Rule) NeedsSort() bool {
	for _, k := range r.Aggregations {
		if _, ok := k.Quantile(); ok {
			return true
		}
	}
	return false
}

// FromConfig converts wire-form rules into Rules.
func FromConfig(rcs []config.RuleConfig) ([]Rule, error) {
	out := make([]Rule, 0, len(rcs))
	for i, rc := range rcs {
		if rc.Match == "" {
			return nil, fmt.Errorf("rule %d: match pattern is required", i)
		}
		aggs, err := parseAggs(rc.Aggregations)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rc.Match, err)
		}
		r := Rule{
			Pattern:      rc.Match,
			Aggregations: aggs,
			Intervals:    append([]string(nil), rc.Intervals...),
		}
		if len(rc.Retention) > 0 {
			r.Retention = make(map[string]time.Duration, len(rc.Retention))
			for tier, d := range rc.Retention {
				r.Retention[tier] = d.D()
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// DefaultRule builds the fallback rule for unmatched metrics.
func DefaultRule(aggs []string, intervals []string) (Rule, error) {
	kinds, err := parseAggs(aggs)
	if err != nil {
		return Rule{}, fmt.Errorf("default rule: %w", err)
	}
	if len(kinds) == 0 {
		return Rule{}, fmt.Errorf("default rule: at least one aggregation is required")
	}
	return Rule{
		Pattern:      "*",
		Aggregations: kinds,
		Intervals:    append([]string(nil), intervals...),
	}, nil
}

func parseAggs(names []string) ([]AggKind, error) {
	kinds := make([]AggKind, 0, len(names))
	seen := make(map[AggKind]bool, len(names))
	for _, n := range names {
		k, err := ParseAggKind(n)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}
