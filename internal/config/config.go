// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level, one of debug/info/warn/error
//     (default "info").
//   - ADMIN_TOKEN: static bearer token granting full API access. When unset
//     the API requires no authentication.
//   - AUTH_RATE_LIMIT: max failed authentication attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultLogLevel                  = "info"
	defaultAuthRateLimit             = 10
	defaultStreamPollInterval        = time.Second
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultEventBatchSize            = 1000
	defaultCacheResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the gradual server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	AdminToken          string
	AuthRateLimit       int
	StreamPollInterval  time.Duration
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if DATABASE_URL is missing or any
// optional value fails validation.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:    envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:    envOrDefault("LOG_LEVEL", defaultLogLevel),
		AdminToken:  strings.TrimSpace(os.Getenv("ADMIN_TOKEN")),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.AuthRateLimit, err = positiveIntEnv("AUTH_RATE_LIMIT", defaultAuthRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.StreamPollInterval, err = positiveDurationEnv("STREAM_POLL_INTERVAL", defaultStreamPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxJSONBodySize, err = positiveInt64Env("MAX_JSON_BODY_SIZE", defaultMaxJSONBodySize); err != nil {
		return Config{}, err
	}
	if cfg.EventBatchSize, err = positiveIntEnv("EVENT_BATCH_SIZE", defaultEventBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.CacheResyncInterval, err = positiveDurationEnv("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func positiveIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func positiveInt64Env(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func positiveDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}
