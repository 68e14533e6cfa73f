package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18990", cfg.BindAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(100), cfg.SignupBonus)
	assert.Equal(t, int64(5), cfg.ReserveCost)
	assert.Equal(t, 10*time.Minute, cfg.DedupTTL())
	assert.Equal(t, 30*time.Minute, cfg.DebitTimeout())
	assert.Equal(t, filepath.Join(cfg.HomeDir, "quotagate.db"), cfg.DBPath)
}

func TestLoadFrom_ParsesYAML(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(ConfigPath(home), []byte(`
bind_addr: "0.0.0.0:9000"
reserve_cost: 12
limits:
  queue_max: 64
  model_max: 4
  user_ttl_seconds: 120
routes:
  paid:
    resource_id: alpha-xl
    queue_id: q-alpha
redis:
  enabled: true
`), 0o644))

	cfg, err := LoadFrom(home)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.BindAddr)
	assert.Equal(t, int64(12), cfg.ReserveCost)
	assert.Equal(t, int64(64), cfg.Limits.QueueMax)
	assert.Equal(t, "alpha-xl", cfg.Routes.Paid.ResourceID)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr, "redis addr defaulted when enabled")

	limits := cfg.Limits.Guard()
	assert.Equal(t, 2*time.Minute, limits.UserTTL)
	assert.Equal(t, int64(4), limits.ModelMax)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("QUOTAGATE_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("QUOTAGATE_TOKEN", "sekrit")
	t.Setenv("QUOTAGATE_RESERVE_COST", "9")
	t.Setenv("QUOTAGATE_REDIS_ADDR", "cache:6379")

	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.BindAddr)
	assert.Equal(t, "sekrit", cfg.AuthToken)
	assert.Equal(t, int64(9), cfg.ReserveCost)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
}

func TestLoadFrom_RejectsBadExporter(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(ConfigPath(home), []byte(`
otel:
  enabled: true
  exporter: jaeger
`), 0o644))

	_, err := LoadFrom(home)
	assert.Error(t, err)
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(ConfigPath(home), []byte("bind_addr: [broken"), 0o644))
	_, err := LoadFrom(home)
	assert.Error(t, err)
}

func TestFingerprint_TracksLoadBearingFields(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	b := a
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.ReserveCost = 99
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
