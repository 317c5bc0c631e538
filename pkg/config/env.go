package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TINYROLLUP_"

// ApplyEnv overrides fields from TINYROLLUP_* environment variables, read
// through lookup (os.LookupEnv in production). PORT is honored for the
// listen address when TINYROLLUP_ADDR is unset. Call Finalize afterwards.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("ADDR"); ok {
		c.HTTP.Addr = v
	} else if port, ok := lookup("PORT"); ok && port != "" {
		c.HTTP.Addr = ":" + port
	}
	if v, ok := get("INTERVALS"); ok {
		c.Rollup.Intervals = splitList(v)
	}
	if v, ok := get("AGGREGATIONS"); ok {
		c.Rollup.DefaultAggregations = splitList(v)
	}
	if v, ok := get("STORAGE"); ok {
		c.Storage.Backend = v
	}
	if v, ok := get("DATA_DIR"); ok {
		c.Storage.Path = v
	}
	if v, ok := get("MAX_MEMORY_MB"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_MEMORY_MB: %w", EnvPrefix, err)
		}
		c.Storage.MaxMemoryMB = n
	}
	if v, ok := get("CARDINALITY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCARDINALITY_LIMIT: %w", EnvPrefix, err)
		}
		c.Cardinality.Limit = n
	}
	if v, ok := get("RAW_RETENTION"); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sRAW_RETENTION: %w", EnvPrefix, err)
		}
		c.Retention.Raw = Duration(d)
	}
	if v, ok := get("FLUSH_TICK"); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sFLUSH_TICK: %w", EnvPrefix, err)
		}
		c.Scheduler.FlushTick = Duration(d)
	}
	if v, ok := get("POSTGRES_DSN"); ok {
		c.Postgres.ConnString = v
	}
	if v, ok := get("DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", EnvPrefix, err)
		}
		c.Debug = b
	}
	return nil
}

// Finalize fills defaults for anything overrides left unset, such as the
// retention of a newly added interval, and validates the result.
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
