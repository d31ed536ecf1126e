package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aryangodara/abuse_guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "STORE_BACKEND", "REDIS_URL", "REDIS_KEY_PREFIX", "STORE_TIMEOUT_MS",
		"REDIS_MAX_RETRIES", "POLICY_FILE", "LOG_LEVEL", "ALERT_WORKERS", "ALERT_QUEUE_SIZE", "ENV"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreConfig{
		Backend:    BackendRedis,
		RedisURL:   "redis://localhost:6379/0",
		Timeout:    250 * time.Millisecond,
		MaxRetries: 2,
	}, cfg.Store)
	assert.Equal(t, AlertsConfig{Workers: 4, QueueSize: 256}, cfg.Alerts)
	assert.Equal(t, abuse_guard.StrictPolicy, cfg.Policies.Limits[abuse_guard.GroupAuthStrict])
	assert.Equal(t, int64(15), cfg.Policies.Alerts[abuse_guard.GroupPayments].Threshold)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("STORE_TIMEOUT_MS", "100")
	t.Setenv("REDIS_MAX_RETRIES", "-1")
	t.Setenv("ALERT_WORKERS", "2")
	t.Setenv("ALERT_QUEUE_SIZE", "16")
	t.Setenv("POLICY_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.Timeout)
	assert.Equal(t, -1, cfg.Store.MaxRetries)
	assert.Equal(t, AlertsConfig{Workers: 2, QueueSize: 16}, cfg.Alerts)
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"STORE_BACKEND", "etcd"},
		{"STORE_TIMEOUT_MS", "0"},
		{"STORE_TIMEOUT_MS", "soon"},
		{"REDIS_MAX_RETRIES", "many"},
		{"ALERT_WORKERS", "-3"},
		{"ALERT_QUEUE_SIZE", "x"},
		{"POLICY_FILE", "/does/not/exist.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
groups:
  admin:
    window: 30s
    max: 10
    message: slow down
  payments:
    window: 1h
    max: 3
    alert:
      threshold: 2
      severity: critical
      cooldown: 1m
      channels: [slack]
  reports:
    window: 1m
    max: 5
`), 0o600))
	t.Setenv("POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, map[abuse_guard.Group]abuse_guard.Policy{
		abuse_guard.GroupAdmin:    {Window: 30 * time.Second, Max: 10, Message: "slow down"},
		abuse_guard.GroupPayments: {Window: time.Hour, Max: 3},
		"reports":                 {Window: time.Minute, Max: 5},
	}, cfg.Policies.Limits)

	assert.Equal(t, abuse_guard.DefaultAlertPolicies()[abuse_guard.GroupAdmin], cfg.Policies.Alerts[abuse_guard.GroupAdmin])
	assert.Equal(t, abuse_guard.AlertPolicy{
		Threshold: 2,
		Severity:  abuse_guard.SeverityCritical,
		Cooldown:  time.Minute,
		Channels:  []string{"slack"},
	}, cfg.Policies.Alerts[abuse_guard.GroupPayments])

	_, ok := cfg.Policies.Alerts["reports"]
	assert.False(t, ok)
}

func TestParsePolicies_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "groups: {}"},
		{"zero max", "groups:\n  admin:\n    window: 1m\n    max: 0\n"},
		{"missing window", "groups:\n  admin:\n    max: 3\n"},
		{"bad duration", "groups:\n  admin:\n    window: soon\n    max: 3\n"},
		{"unknown field", "groups:\n  admin:\n    window: 1m\n    max: 3\n    burst: 9\n"},
		{"bad severity", "groups:\n  admin:\n    window: 1m\n    max: 3\n    alert:\n      severity: urgent\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestStoreConfig_RedisOptions(t *testing.T) {
	cfg := StoreConfig{RedisURL: "redis://:secret@cache.internal:6380/2", Timeout: 250 * time.Millisecond, MaxRetries: 1}

	opts, err := cfg.RedisOptions()
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 1, opts.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, opts.ReadTimeout)
	assert.True(t, opts.ContextTimeoutEnabled)

	_, err = StoreConfig{RedisURL: "http://nope"}.RedisOptions()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("development", "debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	logger, err = NewLogger("production", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(0))

	_, err = NewLogger("production", "loud")
	assert.Error(t, err)
}
