// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net registry refresh interval
//     (default "1m", must be > 0 if set).
//   - EXPOSURE_BUFFER_SIZE: exposure recorder channel capacity
//     (default "4096", must be > 0 if set).
//   - EXPOSURE_FLUSH_INTERVAL: max time an exposure batch waits before it is
//     written (default "5s", must be > 0 if set).
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - LOG_LEVEL: slog level name (default "info").
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
	defaultHTTPAddr                    = ":8080"
	defaultGRPCAddr                    = ":9090"
	defaultStreamPollInterval          = time.Second
	defaultAuthRateLimit               = 10
	defaultMaxJSONBodySize       int64 = 1 << 20 // 1MB
	defaultEventBatchSize              = 1000
	defaultCacheResyncInterval         = time.Minute
	defaultExposureBufferSize          = 4096
	defaultExposureFlushInterval       = 5 * time.Second
)

// Config holds the runtime configuration for the rollout server.
type Config struct {
	DatabaseURL           string
	HTTPAddr              string
	GRPCAddr              string
	StreamPollInterval    time.Duration
	LogLevel              string
	AuthRateLimit         int
	MaxJSONBodySize       int64
	EventBatchSize        int
	CacheResyncInterval   time.Duration
	ExposureBufferSize    int
	ExposureFlushInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	streamPollInterval, err := durationEnv("STREAM_POLL_INTERVAL", defaultStreamPollInterval)
	if err != nil {
		return Config{}, err
	}

	cacheResyncInterval, err := durationEnv("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	exposureFlushInterval, err := durationEnv("EXPOSURE_FLUSH_INTERVAL", defaultExposureFlushInterval)
	if err != nil {
		return Config{}, err
	}

	authRateLimit, err := positiveIntEnv("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	eventBatchSize, err := positiveIntEnv("EVENT_BATCH_SIZE", defaultEventBatchSize)
	if err != nil {
		return Config{}, err
	}

	exposureBufferSize, err := positiveIntEnv("EXPOSURE_BUFFER_SIZE", defaultExposureBufferSize)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:           databaseURL,
		HTTPAddr:              envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:              envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		StreamPollInterval:    streamPollInterval,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:         authRateLimit,
		MaxJSONBodySize:       maxJSONBodySize,
		EventBatchSize:        eventBatchSize,
		CacheResyncInterval:   cacheResyncInterval,
		ExposureBufferSize:    exposureBufferSize,
		ExposureFlushInterval: exposureFlushInterval,
	}, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
