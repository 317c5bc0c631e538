package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"TINYROLLUP_INTERVALS":         "1m, 15m",
		"TINYROLLUP_STORAGE":           "badger",
		"TINYROLLUP_DATA_DIR":          "/var/lib/tinyrollup",
		"TINYROLLUP_MAX_MEMORY_MB":     "64",
		"TINYROLLUP_CARDINALITY_LIMIT": "500",
		"TINYROLLUP_RAW_RETENTION":     "7d",
		"TINYROLLUP_DEBUG":             "true",
		"PORT":                         "9090",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Finalize())

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"1m", "15m"}, cfg.Rollup.Intervals)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/tinyrollup", cfg.Storage.Path)
	assert.Equal(t, int64(64), cfg.Storage.MaxMemoryMB)
	assert.Equal(t, 500, cfg.Cardinality.Limit)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Raw.D())
	assert.True(t, cfg.Debug)

	// the new interval picks up a default tier retention
	assert.Equal(t, Default5mRetention, cfg.Retention.Tiers["15m"].D())
}

func TestApplyEnv_AddrWinsOverPort(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"TINYROLLUP_ADDR": "127.0.0.1:7000",
		"PORT":            "9090",
	})))
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTP.Addr)
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"TINYROLLUP_MAX_MEMORY_MB":     "lots",
		"TINYROLLUP_CARDINALITY_LIMIT": "1e9x",
		"TINYROLLUP_RAW_RETENTION":     "forever",
		"TINYROLLUP_DEBUG":             "maybe",
	}
	for k, v := range tests {
		t.Run(k, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(envMap(map[string]string{k: v}))
			assert.Error(t, err)
		})
	}
}

func TestFinalize_RejectsBadOverride(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"TINYROLLUP_STORAGE": "s3"})))
	assert.Error(t, cfg.Finalize())
}
