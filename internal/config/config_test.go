package config

import (
	"log/slog"
	"testing"
	"time"
)

var allEnvVars = []string{
	"RUNSTREAM_HTTP_ADDR", "RUNSTREAM_AUTH_TOKEN", "RUNSTREAM_LOG_LEVEL",
	"RUNSTREAM_BACKEND", "RUNSTREAM_REDIS_URL", "RUNSTREAM_REDIS_PREFIX", "RUNSTREAM_NATS_URL",
	"RUNSTREAM_MONGO_URI", "RUNSTREAM_MONGO_DB", "RUNSTREAM_MONGO_COLLECTION", "RUNSTREAM_DATABASE_URL",
	"RUNSTREAM_KINDS", "RUNSTREAM_WORKERS", "RUNSTREAM_RUN_TTL", "RUNSTREAM_DEQUEUE_TIMEOUT",
	"RUNSTREAM_CANCEL_POLL", "RUNSTREAM_RATE_RPM", "RUNSTREAM_RATE_CONCURRENT",
	"RUNSTREAM_ARCHIVE_S3_BUCKET", "RUNSTREAM_ARCHIVE_S3_ENDPOINT",
	"RUNSTREAM_ARCHIVE_S3_REGION", "RUNSTREAM_ARCHIVE_S3_PREFIX",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantHTTPAddr string
		wantBackend  string
		wantNATSURL  string
	}{
		{
			name:         "Defaults",
			env:          map[string]string{},
			wantHTTPAddr: ":8080",
			wantBackend:  BackendMemory,
		},
		{
			name: "RedisBackend",
			env: map[string]string{
				"RUNSTREAM_BACKEND":   "redis",
				"RUNSTREAM_REDIS_URL": "redis://localhost:6379/0",
				"RUNSTREAM_HTTP_ADDR": ":3000",
				"RUNSTREAM_NATS_URL":  "nats://localhost:4222",
			},
			wantHTTPAddr: ":3000",
			wantBackend:  BackendRedis,
			wantNATSURL:  "nats://localhost:4222",
		},
		{
			name:    "RedisBackendWithoutURL",
			env:     map[string]string{"RUNSTREAM_BACKEND": "redis"},
			wantErr: true,
		},
		{
			name:    "UnknownBackend",
			env:     map[string]string{"RUNSTREAM_BACKEND": "etcd"},
			wantErr: true,
		},
		{
			name:    "InvalidWorkers",
			env:     map[string]string{"RUNSTREAM_WORKERS": "many"},
			wantErr: true,
		},
		{
			name:    "NegativeRate",
			env:     map[string]string{"RUNSTREAM_RATE_RPM": "-1"},
			wantErr: true,
		},
		{
			name:    "InvalidTTL",
			env:     map[string]string{"RUNSTREAM_RUN_TTL": "forever"},
			wantErr: true,
		},
		{
			name:    "InvalidLogLevel",
			env:     map[string]string{"RUNSTREAM_LOG_LEVEL": "loud"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.Backend != tc.wantBackend {
				t.Errorf("Backend = %q, want %q", cfg.Backend, tc.wantBackend)
			}
			if cfg.NATSURL != tc.wantNATSURL {
				t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, tc.wantNATSURL)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedisPrefix != "rs" {
		t.Errorf("RedisPrefix = %q, want %q", cfg.RedisPrefix, "rs")
	}
	if len(cfg.Kinds) != 1 || cfg.Kinds[0] != "echo" {
		t.Errorf("Kinds = %v, want [echo]", cfg.Kinds)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.RunTTL != 24*time.Hour {
		t.Errorf("RunTTL = %v, want 24h", cfg.RunTTL)
	}
	if cfg.DequeueTimeout != 5*time.Second {
		t.Errorf("DequeueTimeout = %v, want 5s", cfg.DequeueTimeout)
	}
	if cfg.CancelPoll != 500*time.Millisecond {
		t.Errorf("CancelPoll = %v, want 500ms", cfg.CancelPoll)
	}
	if cfg.RateRPM != 60 || cfg.RateConcurrent != 10 {
		t.Errorf("rate defaults = %d/%d, want 60/10", cfg.RateRPM, cfg.RateConcurrent)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.ArchiveS3Bucket != "" {
		t.Errorf("ArchiveS3Bucket = %q, want empty (archiving disabled)", cfg.ArchiveS3Bucket)
	}
	if cfg.ArchiveS3Region != "us-east-1" || cfg.ArchiveS3Prefix != "runs" {
		t.Errorf("archive defaults = %q/%q", cfg.ArchiveS3Region, cfg.ArchiveS3Prefix)
	}
}

func TestLoadWorkerSettings(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("RUNSTREAM_KINDS", "echo, summarize ,,translate")
	t.Setenv("RUNSTREAM_WORKERS", "0")
	t.Setenv("RUNSTREAM_RUN_TTL", "2h")
	t.Setenv("RUNSTREAM_DEQUEUE_TIMEOUT", "1s")
	t.Setenv("RUNSTREAM_CANCEL_POLL", "100ms")
	t.Setenv("RUNSTREAM_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"echo", "summarize", "translate"}
	if len(cfg.Kinds) != len(want) {
		t.Fatalf("Kinds = %v, want %v", cfg.Kinds, want)
	}
	for i := range want {
		if cfg.Kinds[i] != want[i] {
			t.Errorf("Kinds[%d] = %q, want %q", i, cfg.Kinds[i], want[i])
		}
	}
	if cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0", cfg.Workers)
	}
	if cfg.RunTTL != 2*time.Hour || cfg.DequeueTimeout != time.Second || cfg.CancelPoll != 100*time.Millisecond {
		t.Errorf("durations = %v/%v/%v", cfg.RunTTL, cfg.DequeueTimeout, cfg.CancelPoll)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestEnvOrDefault(t *testing.T) {
	for _, tc := range []struct {
		name     string
		key      string
		envVal   string
		fallback string
		want     string
	}{
		{"EmptyUsesDefault", "TEST_ENVDEFAULT_EMPTY", "", "default-val", "default-val"},
		{"SetUsesEnv", "TEST_ENVDEFAULT_SET", "custom", "default-val", "custom"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.envVal)
			got := envOrDefault(tc.key, tc.fallback)
			if got != tc.want {
				t.Errorf("envOrDefault(%q, %q) = %q, want %q", tc.key, tc.fallback, got, tc.want)
			}
		})
	}
}
