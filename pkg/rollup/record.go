package rollup

import (
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/series"
)

// Record is one aggregated value for one series, aggregation and interval.
type Record struct {
	Metric      string            `json:"metric"`
	Interval    string            `json:"interval"`
	Aggregation rules.AggKind     `json:"aggregation"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`

	// Timestamp is the end of the window the value summarizes.
	Timestamp time.Time `json:"timestamp"`

	// ExpiresAt is when the record leaves its retention tier. Zero means
	// no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Name returns the rollup series name: <metric>_<agg>_<interval>.
func (r Record) Name() string {
	return RollupName(r.Metric, r.Aggregation, r.Interval)
}

// Key identifies the rollup series, labels included.
func (r Record) Key() string {
	return series.Key(r.Name(), r.Labels)
}

// Line renders the record in line format:
//
//	cpu_usage_avg_1m,host=a value=12.5 1700000060000000000
func (r Record) Line() string {
	var b strings.Builder
	b.WriteString(escapeLine(r.Name()))
	for _, k := range series.SortedLabelKeys(r.Labels) {
		b.WriteByte(',')
		b.WriteString(escapeLine(k))
		b.WriteByte('=')
		b.WriteString(escapeLine(r.Labels[k]))
	}
	b.WriteString(" value=")
	b.WriteString(strconv.FormatFloat(r.Value, 'g', -1, 64))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(r.Timestamp.UnixNano(), 10))
	return b.String()
}

// Expired reports whether the record is past its retention at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// RollupName builds the output series name for a metric.
func RollupName(metric string, agg rules.AggKind, interval string) string {
	return metric + "_" + string(agg) + "_" + interval
}

// Batch is the output of one flush of one interval window.
type Batch struct {
	Interval    string    `json:"interval"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	EmittedAt   time.Time `json:"emitted_at"`
	Records     []Record  `json:"records"`
}

// Lines renders every record in line format.
func (b Batch) Lines() []string {
	lines := make([]string, len(b.Records))
	for i, r := range b.Records {
		lines[i] = r.Line()
	}
	return lines
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

var lineEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, " ", `\ `, "=", `\=`)

func escapeLine(s string) string {
	if !strings.ContainsAny(s, `\, =`) {
		return s
	}
	return lineEscaper.Replace(s)
}
