package rollup

import "time"

// TTLFilter rejects points that already fall outside the raw retention tier.
type TTLFilter struct {
	retention time.Duration
	clock     func() time.Time
}

// NewTTLFilter creates a filter for the given raw retention.
func NewTTLFilter(retention time.Duration, clock func() time.Time) *TTLFilter {
	if clock == nil {
		clock = time.Now
	}
	return &TTLFilter{retention: retention, clock: clock}
}

// IsExpired reports whether now - ts exceeds the raw retention.
func (f *TTLFilter) IsExpired(ts time.Time) bool {
	return f.expiredAt(f.clock(), ts, f.retention)
}

// Retention returns the raw retention duration.
func (f *TTLFilter) Retention() time.Duration { return f.retention }

func (f *TTLFilter) expiredAt(now, ts time.Time, retention time.Duration) bool {
	return now.Sub(ts) > retention
}
