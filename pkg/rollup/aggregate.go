package rollup

import (
	"math"
	"sort"

	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/series"
)

// Summary holds the reductions of one series over one window.
type Summary struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64

	// sorted holds the values in ascending order, only when percentiles
	// were requested
	sorted []float64
}

// Summarize reduces points in a single pass. When withValues is set the
// values are also copied and sorted for percentile lookups.
func Summarize(points []series.Point, withValues bool) Summary {
	s := Summary{Count: len(points)}
	if len(points) == 0 {
		return s
	}

	s.Min = points[0].Value
	s.Max = points[0].Value
	if withValues {
		s.sorted = make([]float64, 0, len(points))
	}

	for _, p := range points {
		s.Sum += p.Value
		if p.Value < s.Min {
			s.Min = p.Value
		}
		if p.Value > s.Max {
			s.Max = p.Value
		}
		if withValues {
			s.sorted = append(s.sorted, p.Value)
		}
	}

	if withValues {
		sort.Float64s(s.sorted)
	}
	return s
}

// Average calculates the mean value
func (s Summary) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Percentile returns the nearest-rank percentile. It requires a Summary
// built with values; otherwise it returns 0.
func (s Summary) Percentile(p float64) float64 {
	if len(s.sorted) == 0 {
		return 0
	}
	return s.sorted[NearestRank(len(s.sorted), p)]
}

// Value returns the aggregate for one kind.
func (s Summary) Value(kind rules.AggKind) (float64, bool) {
	switch kind {
	case rules.Min:
		return s.Min, true
	case rules.Max:
		return s.Max, true
	case rules.Avg:
		return s.Average(), true
	case rules.Sum:
		return s.Sum, true
	case rules.Count:
		return float64(s.Count), true
	}
	if q, ok := kind.Quantile(); ok {
		return s.Percentile(q), true
	}
	return 0, false
}

// Aggregate computes each requested aggregate over points. An empty point
// set yields nil: empty buffers are skipped, never aggregated as zero.
func Aggregate(points []series.Point, kinds []rules.AggKind) map[rules.AggKind]float64 {
	if len(points) == 0 {
		return nil
	}

	s := Summarize(points, needsValues(kinds))
	out := make(map[rules.AggKind]float64, len(kinds))
	for _, k := range kinds {
		if v, ok := s.Value(k); ok {
			out[k] = v
		}
	}
	return out
}

// NearestRank returns the 0-based index of the p-th percentile in a sorted
// slice of n values: ceil(n*p)-1 clamped to [0, n-1].
func NearestRank(n int, p float64) int {
	if n <= 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*p)) - 1
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

func needsValues(kinds []rules.AggKind) bool {
	for _, k := range kinds {
		if _, ok := k.Quantile(); ok {
			return true
		}
	}
	return false
}
