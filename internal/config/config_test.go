package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LIPU_DATA_DIR", "")
	t.Setenv("LIPU_LOG_LEVEL", "")
	t.Setenv("LIPU_STORAGE_BACKEND", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Storage.Backend)
	assert.Equal(t, 1, cfg.Refresh.Concurrency)
	assert.False(t, cfg.Refresh.IsolateFailures)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout())
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/srv/lipu"

[log]
level = "DEBUG"
format = "json"

[storage]
backend = "sqlite"

[refresh]
concurrency = 4
isolate_failures = true
domain_delay_ms = 0

[server]
poll_interval_minutes = 15
`), 0o644))

	t.Setenv("LIPU_DATA_DIR", "/tmp/override")
	t.Setenv("LIPU_LOG_LEVEL", "")
	t.Setenv("LIPU_STORAGE_BACKEND", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Refresh.Concurrency)
	assert.True(t, cfg.Refresh.IsolateFailures)
	assert.Equal(t, time.Duration(0), cfg.DomainDelay())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Bind)
	assert.Equal(t, 15*time.Minute, cfg.PollInterval())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LIPU_STORAGE_BACKEND", "")
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\nbackend = \"postgres\"\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "storage.backend")

	require.NoError(t, os.WriteFile(path, []byte("[server]\npoll_interval_minutes = -1\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "poll_interval_minutes")

	require.NoError(t, os.WriteFile(path, []byte("data_dir = [1, 2"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := Encode(Default())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Setenv("LIPU_DATA_DIR", "")
	t.Setenv("LIPU_LOG_LEVEL", "")
	t.Setenv("LIPU_STORAGE_BACKEND", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
