package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinyrollup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
storage:
  backend: none
cardinality:
  limit: 10
`), 0644))

	env := func(k string) (string, bool) {
		if k == "TINYROLLUP_CARDINALITY_LIMIT" {
			return "20", true
		}
		if k == "TINYROLLUP_ADDR" {
			return ":7001", true
		}
		return "", false
	}

	f, fs, err := parseFlags([]string{"--config", path, "--addr", ":7002", "--intervals", "1m,10m"})
	require.NoError(t, err)

	cfg, err := loadConfig(f, fs, env)
	require.NoError(t, err)

	assert.Equal(t, ":7002", cfg.HTTP.Addr, "flag beats env and file")
	assert.Equal(t, 20, cfg.Cardinality.Limit, "env beats file")
	assert.Equal(t, "none", cfg.Storage.Backend, "file beats defaults")
	assert.Equal(t, []string{"1m", "10m"}, cfg.Rollup.Intervals)
	assert.Contains(t, cfg.Retention.Tiers, "10m")
}

func TestLoadConfig_Defaults(t *testing.T) {
	f, fs, err := parseFlags(nil)
	require.NoError(t, err)

	cfg, err := loadConfig(f, fs, noEnv)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, []string{"1m", "5m", "1h"}, cfg.Rollup.Intervals)
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	f, fs, err := parseFlags([]string{"--storage", "cassandra"})
	require.NoError(t, err)

	_, err = loadConfig(f, fs, noEnv)
	assert.Error(t, err)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, _, err := parseFlags([]string{"--no-such-flag"})
	assert.Error(t, err)
}
