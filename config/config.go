// Package config loads the guard server's settings from the environment and
// an optional YAML policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aryangodara/abuse_guard"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr string
	Env      string
	LogLevel string
	Store    StoreConfig
	Alerts   AlertsConfig
	Policies PolicySet
}

type StoreConfig struct {
	Backend    string
	RedisURL   string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
}

type AlertsConfig struct {
	Workers   int
	QueueSize int
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	store, err := buildStoreConfig()
	if err != nil {
		return Config{}, err
	}

	alerts, err := buildAlertsConfig()
	if err != nil {
		return Config{}, err
	}

	policies := DefaultPolicySet()
	if path := getEnv("POLICY_FILE", ""); path != "" {
		policies, err = LoadPolicyFile(path)
		if err != nil {
			return Config{}, err
		}
	}

	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		Env:      getEnv("ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Store:    store,
		Alerts:   alerts,
		Policies: policies,
	}, nil
}

func buildStoreConfig() (StoreConfig, error) {
	backend := strings.ToLower(getEnv("STORE_BACKEND", BackendRedis))
	if backend != BackendRedis && backend != BackendMemory {
		return StoreConfig{}, fmt.Errorf("invalid STORE_BACKEND: %q", backend)
	}

	timeoutMs, err := strconv.Atoi(getEnv("STORE_TIMEOUT_MS", "250"))
	if err != nil || timeoutMs <= 0 {
		return StoreConfig{}, fmt.Errorf("invalid STORE_TIMEOUT_MS: %q", os.Getenv("STORE_TIMEOUT_MS"))
	}

	maxRetries, err := strconv.Atoi(getEnv("REDIS_MAX_RETRIES", "2"))
	if err != nil {
		return StoreConfig{}, fmt.Errorf("invalid REDIS_MAX_RETRIES: %w", err)
	}

	return StoreConfig{
		Backend:    backend,
		RedisURL:   getEnv("REDIS_URL", "redis://localhost:6379/0"),
		KeyPrefix:  getEnv("REDIS_KEY_PREFIX", ""),
		Timeout:    time.Duration(timeoutMs) * time.Millisecond,
		MaxRetries: maxRetries,
	}, nil
}

func buildAlertsConfig() (AlertsConfig, error) {
	workers, err := strconv.Atoi(getEnv("ALERT_WORKERS", "4"))
	if err != nil || workers <= 0 {
		return AlertsConfig{}, fmt.Errorf("invalid ALERT_WORKERS: %q", os.Getenv("ALERT_WORKERS"))
	}
	queueSize, err := strconv.Atoi(getEnv("ALERT_QUEUE_SIZE", "256"))
	if err != nil || queueSize <= 0 {
		return AlertsConfig{}, fmt.Errorf("invalid ALERT_QUEUE_SIZE: %q", os.Getenv("ALERT_QUEUE_SIZE"))
	}

	return AlertsConfig{Workers: workers, QueueSize: queueSize}, nil
}

// RedisOptions builds client options from the URL. Retries stay bounded and
// socket timeouts never exceed the per-call store timeout, so a dead server
// costs a request at most one timeout.
func (c StoreConfig) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	opts.MaxRetries = c.MaxRetries
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 64 * time.Millisecond
	opts.DialTimeout = c.Timeout
	opts.ReadTimeout = c.Timeout
	opts.WriteTimeout = c.Timeout
	opts.ContextTimeoutEnabled = true

	return opts, nil
}

// NewLogger builds a production JSON logger, or a console one when env is
// "development".
func NewLogger(env, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if env == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// PolicySet is the quota and alert configuration for every group.
type PolicySet struct {
	Limits map[abuse_guard.Group]abuse_guard.Policy
	Alerts abuse_guard.AlertPolicies
}

func DefaultPolicySet() PolicySet {
	return PolicySet{
		Limits: abuse_guard.DefaultPolicies(),
		Alerts: abuse_guard.DefaultAlertPolicies(),
	}
}
