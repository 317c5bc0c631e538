package server

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// writeRollupsCSV writes records as CSV. Every label key seen in the result
// gets its own column so rows line up.
func writeRollupsCSV(w io.Writer, records []rollup.Record) error {
	writer := csv.NewWriter(w)

	labelKeys := collectLabelKeys(records)
	header := append([]string{"timestamp", "name", "metric", "aggregation", "interval", "value"}, labelKeys...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Name(),
			rec.Metric,
			string(rec.Aggregation),
			rec.Interval,
			strconv.FormatFloat(rec.Value, 'f', -1, 64),
		}
		for _, key := range labelKeys {
			row = append(row, rec.Labels[key])
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func collectLabelKeys(records []rollup.Record) []string {
	keySet := make(map[string]struct{})
	for _, rec := range records {
		for key := range rec.Labels {
			keySet[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func csvFilename(now time.Time) string {
	return "rollups-" + now.UTC().Format("20060102-150405") + ".csv"
}
