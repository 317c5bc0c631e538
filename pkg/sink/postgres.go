package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// maxRowsPerInsert keeps a statement below the 65535 bind parameter limit
const maxRowsPerInsert = 1000

const columnsPerRow = 7

// PostgresSink inserts rollup records into a table. Rows are unique on
// (series_key, ts), so redelivered batches are ignored.
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, tableName: table}
}

func (p *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the rollup table if it does not exist.
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+p.tableName+` (
	series_key TEXT NOT NULL,
	metric TEXT NOT NULL,
	aggregation TEXT NOT NULL,
	rollup_interval TEXT NOT NULL,
	labels JSONB,
	value DOUBLE PRECISION NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (series_key, ts)
)`)
	return err
}

func (p *PostgresSink) WriteBatch(ctx context.Context, b rollup.Batch) error {
	for start := 0; start < len(b.Records); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(b.Records) {
			end = len(b.Records)
		}
		if err := p.insert(ctx, b.Records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresSink) insert(ctx context.Context, records []rollup.Record) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (series_key, metric, aggregation, rollup_interval, labels, value, ts) VALUES ")

	args := make([]any, 0, len(records)*columnsPerRow)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7))

		labels, err := json.Marshal(r.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels: %w", err)
		}
		args = append(args,
			r.Key(),
			r.Metric,
			string(r.Aggregation),
			r.Interval,
			labels,
			r.Value,
			r.Timestamp,
		)
	}

	b.WriteString(" ON CONFLICT (series_key, ts) DO NOTHING")

	_, err := p.db.ExecContext(ctx, b.String(), args...)
	return err
}

var _ rollup.Sink = (*PostgresSink)(nil)
