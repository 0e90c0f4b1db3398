package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by RUNSTREAM_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	HTTPAddr  string // RUNSTREAM_HTTP_ADDR (default ":8080")
	AuthToken string // RUNSTREAM_AUTH_TOKEN (optional, empty = auth disabled)
	LogLevel  slog.Level

	Backend     string // RUNSTREAM_BACKEND ("memory" or "redis", default "memory")
	RedisURL    string // RUNSTREAM_REDIS_URL (required when Backend is redis)
	RedisPrefix string // RUNSTREAM_REDIS_PREFIX (default "rs")
	NATSURL     string // RUNSTREAM_NATS_URL (optional, empty = no events and no relay)

	// Durable sequence sources. At most one is used; Mongo wins when both are set.
	MongoURI        string // RUNSTREAM_MONGO_URI
	MongoDB         string // RUNSTREAM_MONGO_DB (default "runstream")
	MongoCollection string // RUNSTREAM_MONGO_COLLECTION (default "group_messages")
	DatabaseURL     string // RUNSTREAM_DATABASE_URL (postgres)

	// Worker pool
	Kinds          []string      // RUNSTREAM_KINDS (comma-separated, default "echo")
	Workers        int           // RUNSTREAM_WORKERS (default 4; 0 = web tier only)
	RunTTL         time.Duration // RUNSTREAM_RUN_TTL (default 24h)
	DequeueTimeout time.Duration // RUNSTREAM_DEQUEUE_TIMEOUT (default 5s)
	CancelPoll     time.Duration // RUNSTREAM_CANCEL_POLL (default 500ms)

	// Admission defaults, used when no global config is stored.
	RateRPM        int // RUNSTREAM_RATE_RPM (default 60)
	RateConcurrent int // RUNSTREAM_RATE_CONCURRENT (default 10)

	// Archive settings
	ArchiveS3Bucket   string // RUNSTREAM_ARCHIVE_S3_BUCKET (enables archiving when set)
	ArchiveS3Endpoint string // RUNSTREAM_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string // RUNSTREAM_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string // RUNSTREAM_ARCHIVE_S3_PREFIX (default "runs")
}

func Load() (*Config, error) {
	c := &Config{
		HTTPAddr:          envOrDefault("RUNSTREAM_HTTP_ADDR", ":8080"),
		AuthToken:         os.Getenv("RUNSTREAM_AUTH_TOKEN"),
		Backend:           envOrDefault("RUNSTREAM_BACKEND", BackendMemory),
		RedisURL:          os.Getenv("RUNSTREAM_REDIS_URL"),
		RedisPrefix:       envOrDefault("RUNSTREAM_REDIS_PREFIX", "rs"),
		NATSURL:           os.Getenv("RUNSTREAM_NATS_URL"),
		MongoURI:          os.Getenv("RUNSTREAM_MONGO_URI"),
		MongoDB:           envOrDefault("RUNSTREAM_MONGO_DB", "runstream"),
		MongoCollection:   envOrDefault("RUNSTREAM_MONGO_COLLECTION", "group_messages"),
		DatabaseURL:       os.Getenv("RUNSTREAM_DATABASE_URL"),
		ArchiveS3Bucket:   os.Getenv("RUNSTREAM_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("RUNSTREAM_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("RUNSTREAM_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("RUNSTREAM_ARCHIVE_S3_PREFIX", "runs"),
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return nil, fmt.Errorf("RUNSTREAM_REDIS_URL is required when RUNSTREAM_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("RUNSTREAM_BACKEND: unknown backend %q", c.Backend)
	}

	for _, k := range strings.Split(envOrDefault("RUNSTREAM_KINDS", "echo"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			c.Kinds = append(c.Kinds, k)
		}
	}

	var err error
	if c.Workers, err = envInt("RUNSTREAM_WORKERS", 4); err != nil {
		return nil, err
	}
	if c.RateRPM, err = envInt("RUNSTREAM_RATE_RPM", 60); err != nil {
		return nil, err
	}
	if c.RateConcurrent, err = envInt("RUNSTREAM_RATE_CONCURRENT", 10); err != nil {
		return nil, err
	}
	if c.RunTTL, err = envDuration("RUNSTREAM_RUN_TTL", "24h"); err != nil {
		return nil, err
	}
	if c.DequeueTimeout, err = envDuration("RUNSTREAM_DEQUEUE_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if c.CancelPoll, err = envDuration("RUNSTREAM_CANCEL_POLL", "500ms"); err != nil {
		return nil, err
	}

	if err := c.LogLevel.UnmarshalText([]byte(envOrDefault("RUNSTREAM_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("RUNSTREAM_LOG_LEVEL: %w", err)
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must be non-negative, got %d", key, n)
	}
	return n, nil
}

func envDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
