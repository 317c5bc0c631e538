package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server defaults
const (
	DefaultAddr        = ":8080"
	DefaultMaxMemoryMB = 48
	DefaultDataDir     = "./data/tinyrollup"
)

// Rollup defaults
const (
	DefaultCardinalityLimit = 100000
	DefaultAlertCooldown    = 60 * time.Second
	DefaultPruneWatermark   = 0.9
	DefaultSeriesIdleAfter  = 1 * time.Hour
)

// Scheduler defaults
const (
	DefaultFlushTick      = 30 * time.Second
	DefaultCleanupTick    = 5 * time.Minute
	DefaultReportInterval = 60 * time.Second
	DefaultStaleAfter     = 10 * time.Minute
)

// Emitter defaults
const (
	DefaultQueueSize    = 256
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 1 * time.Second
)

// Retention defaults, one per tier
const (
	DefaultRawRetention = 14 * 24 * time.Hour
	Default1mRetention  = 90 * 24 * time.Hour
	Default5mRetention  = 90 * 24 * time.Hour
	Default1hRetention  = 365 * 24 * time.Hour
)

// HTTP timeouts
const (
	ReadTimeout     = 10 * time.Second
	WriteTimeout    = 10 * time.Second
	ShutdownTimeout = 30 * time.Second
	QueryTimeout    = 10 * time.Second
	MaxBodyBytes    = 8 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// DefaultIntervals are the rollup windows used when none are configured.
var DefaultIntervals = []string{"1m", "5m", "1h"}

// DefaultAggregations are applied to series no rule matches.
var DefaultAggregations = []string{"min", "max", "avg", "sum", "count", "p50", "p95", "p99"}

// Config is the full process configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Rollup      RollupConfig      `yaml:"rollup"`
	Retention   RetentionConfig   `yaml:"retention"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Cardinality CardinalityConfig `yaml:"cardinality"`
	Emitter     EmitterConfig     `yaml:"emitter"`
	Storage     StorageConfig     `yaml:"storage"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Rules       []RuleConfig      `yaml:"rules"`
	Debug       bool              `yaml:"debug"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RollupConfig struct {
	Intervals           []string `yaml:"intervals"`
	DefaultAggregations []string `yaml:"default_aggregations"`
}

// RetentionConfig holds the raw tier and one entry per rollup interval.
type RetentionConfig struct {
	Raw   Duration            `yaml:"raw"`
	Tiers map[string]Duration `yaml:"tiers"`
}

type SchedulerConfig struct {
	FlushTick      Duration `yaml:"flush_tick"`
	CleanupTick    Duration `yaml:"cleanup_tick"`
	ReportInterval Duration `yaml:"report_interval"`
	StaleAfter     Duration `yaml:"stale_after"`
}

type CardinalityConfig struct {
	Limit          int      `yaml:"limit"`
	AlertCooldown  Duration `yaml:"alert_cooldown"`
	IdleAfter      Duration `yaml:"idle_after"`
	PruneWatermark float64  `yaml:"prune_watermark"`
}

type EmitterConfig struct {
	QueueSize    int      `yaml:"queue_size"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// StorageConfig selects where emitted rollups are kept.
// Backend is one of "memory", "badger" or "none".
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`
}

// PostgresConfig enables the PostgreSQL sink when ConnString is set.
type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

// RuleConfig is the wire form of a rollup rule, shared by the config
// file and policy-update requests.
type RuleConfig struct {
	Match        string              `yaml:"match" json:"match"`
	Aggregations []string            `yaml:"aggregations" json:"aggregations"`
	Intervals    []string            `yaml:"intervals" json:"intervals"`
	Retention    map[string]Duration `yaml:"retention" json:"retention"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML config bytes, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if len(c.Rollup.Intervals) == 0 {
		c.Rollup.Intervals = append([]string(nil), DefaultIntervals...)
	}
	if len(c.Rollup.DefaultAggregations) == 0 {
		c.Rollup.DefaultAggregations = append([]string(nil), DefaultAggregations...)
	}
	if c.Retention.Raw == 0 {
		c.Retention.Raw = Duration(DefaultRawRetention)
	}
	if c.Retention.Tiers == nil {
		c.Retention.Tiers = make(map[string]Duration)
	}
	for _, iv := range c.Rollup.Intervals {
		if _, ok := c.Retention.Tiers[iv]; !ok {
			c.Retention.Tiers[iv] = Duration(defaultTierRetention(iv))
		}
	}
	if c.Scheduler.FlushTick == 0 {
		c.Scheduler.FlushTick = Duration(DefaultFlushTick)
	}
	if c.Scheduler.CleanupTick == 0 {
		c.Scheduler.CleanupTick = Duration(DefaultCleanupTick)
	}
	if c.Scheduler.ReportInterval == 0 {
		c.Scheduler.ReportInterval = Duration(DefaultReportInterval)
	}
	if c.Scheduler.StaleAfter == 0 {
		c.Scheduler.StaleAfter = Duration(DefaultStaleAfter)
	}
	if c.Cardinality.Limit == 0 {
		c.Cardinality.Limit = DefaultCardinalityLimit
	}
	if c.Cardinality.AlertCooldown == 0 {
		c.Cardinality.AlertCooldown = Duration(DefaultAlertCooldown)
	}
	if c.Cardinality.IdleAfter == 0 {
		c.Cardinality.IdleAfter = Duration(DefaultSeriesIdleAfter)
	}
	if c.Cardinality.PruneWatermark == 0 {
		c.Cardinality.PruneWatermark = DefaultPruneWatermark
	}
	if c.Emitter.QueueSize == 0 {
		c.Emitter.QueueSize = DefaultQueueSize
	}
	if c.Emitter.MaxRetries == 0 {
		c.Emitter.MaxRetries = DefaultMaxRetries
	}
	if c.Emitter.RetryBackoff == 0 {
		c.Emitter.RetryBackoff = Duration(DefaultRetryBackoff)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultDataDir
	}
	if c.Storage.MaxMemoryMB == 0 {
		c.Storage.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.Postgres.Table == "" {
		c.Postgres.Table = "rollups"
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Rollup.Intervals))
	for _, iv := range c.Rollup.Intervals {
		d, err := ParseDuration(iv)
		if err != nil {
			return fmt.Errorf("rollup.intervals: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("rollup.intervals: %q must be positive", iv)
		}
		if seen[iv] {
			return fmt.Errorf("rollup.intervals: duplicate interval %q", iv)
		}
		seen[iv] = true
	}
	if c.Cardinality.Limit < 0 {
		return fmt.Errorf("cardinality.limit must not be negative")
	}
	if c.Cardinality.PruneWatermark <= 0 || c.Cardinality.PruneWatermark > 1 {
		return fmt.Errorf("cardinality.prune_watermark must be in (0, 1]")
	}
	if c.Retention.Raw <= 0 {
		return fmt.Errorf("retention.raw must be positive")
	}
	if c.Scheduler.FlushTick <= 0 || c.Scheduler.CleanupTick <= 0 || c.Scheduler.ReportInterval <= 0 {
		return fmt.Errorf("scheduler ticks must be positive")
	}
	switch c.Storage.Backend {
	case "memory", "badger", "none":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	return nil
}

func defaultTierRetention(interval string) time.Duration {
	switch interval {
	case "1m":
		return Default1mRetention
	case "5m":
		return Default5mRetention
	case "1h":
		return Default1hRetention
	}
	return Default5mRetention
}

// Duration is a time.Duration that decodes from strings such as "30s",
// "14d" or "2w" in both YAML and JSON.
type Duration time.Duration

// D returns the plain time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ParseDuration extends time.ParseDuration with day ("d") and week ("w")
// suffixes, e.g. "14d", "90d", "365d", "2w".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}
