package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyrollup/pkg/metrics"
	"github.com/nicktill/tinyrollup/pkg/observability"
)

// valueField is the field name that keeps the bare metric name.
const valueField = "value"

// maxLineLength bounds a single line record, newline included.
const maxLineLength = 64 * 1024

// ErrLineTooLong marks a line record over maxLineLength.
var ErrLineTooLong = fmt.Errorf("%w: line longer than %d bytes", ErrMalformed, maxLineLength)

// ParseLine parses one line record:
//
//	metric,label1=v1,label2=v2 field=value [timestamp_ns]
//
// Commas, spaces and equals signs inside names, keys and values may be
// escaped with a backslash. The field "value" keeps the metric name; any
// other field becomes <metric>_<field>. A missing timestamp means now.
// Blank lines and lines starting with '#' yield no samples and no error.
func ParseLine(line string, now time.Time) ([]metrics.Metric, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil, nil
	}

	parts := splitEscaped(line, ' ')
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("%w: expected \"series fields [timestamp]\", got %d sections", ErrMalformed, len(parts))
	}

	name, labels, err := parseSeries(parts[0])
	if err != nil {
		return nil, err
	}

	ts := now
	if len(parts) == 3 {
		ns, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timestamp %q", ErrMalformed, parts[2])
		}
		ts = time.Unix(0, ns)
	}

	fields := splitEscaped(parts[1], ',')
	out := make([]metrics.Metric, 0, len(fields))
	for _, f := range fields {
		k, v, ok := cutEscaped(f, '=')
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%w: invalid field %q", ErrMalformed, f)
		}
		value, err := parseFieldValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrMalformed, k, err)
		}

		metricName := name
		if k != valueField {
			metricName = name + "_" + k
		}

		m := metrics.Metric{
			Name:      metricName,
			Type:      metrics.GaugeType,
			Value:     value,
			Labels:    labels,
			Timestamp: ts,
		}
		if err := ValidateMetric(m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ParseLines parses a body of newline separated records. Malformed lines,
// including lines longer than maxLineLength, are dropped and counted; they
// never fail the whole body. Only read errors are returned.
func ParseLines(r io.Reader, now time.Time) ([]metrics.Metric, int, error) {
	br := bufio.NewReaderSize(r, maxLineLength)

	var out []metrics.Metric
	malformed := 0
	lineNo := 0
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			lineNo++
			malformed++
			observability.Debugf("Dropping line %d: %v", lineNo, ErrLineTooLong)
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return out, malformed, fmt.Errorf("read line records: %w", err)
			}
			continue
		}
		if err != nil && err != io.EOF {
			return out, malformed, fmt.Errorf("read line records: %w", err)
		}

		if len(line) > 0 {
			lineNo++
			ms, perr := ParseLine(string(line), now)
			if perr != nil {
				malformed++
				observability.Debugf("Dropping malformed line %d: %v", lineNo, perr)
			} else {
				out = append(out, ms...)
			}
		}
		if err == io.EOF {
			break
		}
	}
	return out, malformed, nil
}

func parseSeries(s string) (string, map[string]string, error) {
	parts := splitEscaped(s, ',')
	name := unescape(parts[0])
	if name == "" {
		return "", nil, ErrMetricNameEmpty
	}

	var labels map[string]string
	if len(parts) > 1 {
		labels = make(map[string]string, len(parts)-1)
	}
	for _, p := range parts[1:] {
		k, v, ok := cutEscaped(p, '=')
		if !ok || k == "" || v == "" {
			return "", nil, fmt.Errorf("%w: invalid label %q", ErrMalformed, p)
		}
		labels[k] = v
	}
	return name, labels, nil
}

// parseFieldValue accepts floats and integers with an optional "i" or "u"
// suffix.
func parseFieldValue(v string) (float64, error) {
	if n := len(v); n > 1 && (v[n-1] == 'i' || v[n-1] == 'u') {
		i, err := strconv.ParseInt(v[:n-1], 10, 64)
		if err != nil {
			return 0, err
		}
		return float64(i), nil
	}
	return strconv.ParseFloat(v, 64)
}

// splitEscaped splits s on sep, ignoring separators preceded by a backslash.
// Escapes are kept in the returned parts.
func splitEscaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			if sep == ' ' && i == start {
				// collapse runs of spaces
				start = i + 1
				continue
			}
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) || sep != ' ' {
		parts = append(parts, s[start:])
	}
	return parts
}

// cutEscaped splits s around the first unescaped sep and unescapes both halves.
func cutEscaped(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			return unescape(s[:i]), unescape(s[i+1:]), true
		}
	}
	return unescape(s), "", false
}

func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
