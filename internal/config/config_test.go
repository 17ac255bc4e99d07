package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
engine:
  requests_per_minute: 12
  min_interval: 2s
  max_concurrent: 2
  jitter: false
  max_attempts: 5
  base_delay: 500ms
  max_delay: 10s
  exponential_base: 3
  non_retryable_kinds: ["rejected", "rate_signal"]
  fatal_kinds: ["extraction"]
worker:
  concurrency: 6
  blob_prefix: raw
headless:
  enabled: true
  max_parallel: 2
  selector_timeout: 5s
storage:
  backend: local
  local_dir: /tmp/pages
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.BlobPrefix != "raw" {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Headless.SelectorTimeout != 5*time.Second {
		t.Fatalf("expected selector timeout 5s, got %v", cfg.Headless.SelectorTimeout)
	}
	if cfg.Engine.Window != time.Minute {
		t.Fatalf("expected default window to survive partial override, got %v", cfg.Engine.Window)
	}

	rc, err := cfg.ResilienceConfig()
	if err != nil {
		t.Fatalf("ResilienceConfig() error = %v", err)
	}
	if rc.Limiter.RequestsPerMinute != 12 || rc.Limiter.MinInterval != 2*time.Second || rc.Limiter.Jitter {
		t.Fatalf("unexpected limiter config: %+v", rc.Limiter)
	}
	if rc.Retry.MaxAttempts != 5 || rc.Retry.ExponentialBase != 3 || rc.Retry.BaseDelay != 500*time.Millisecond {
		t.Fatalf("unexpected retry policy: %+v", rc.Retry)
	}
	want := []resilience.Kind{resilience.KindRejected, resilience.KindRateSignal}
	if len(rc.Retry.NonRetryableKinds) != 2 || rc.Retry.NonRetryableKinds[0] != want[0] || rc.Retry.NonRetryableKinds[1] != want[1] {
		t.Fatalf("unexpected non-retryable kinds: %v", rc.Retry.NonRetryableKinds)
	}
	if len(rc.FatalKinds) != 1 || rc.FatalKinds[0] != resilience.KindExtraction {
		t.Fatalf("unexpected fatal kinds: %v", rc.FatalKinds)
	}
}

func TestLoadDefaultsMatchEngineDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rc, err := cfg.ResilienceConfig()
	if err != nil {
		t.Fatalf("ResilienceConfig() error = %v", err)
	}
	def := resilience.DefaultConfig()
	if rc.Limiter != def.Limiter {
		t.Fatalf("limiter defaults drifted: got %+v want %+v", rc.Limiter, def.Limiter)
	}
	if rc.Retry.MaxAttempts != def.Retry.MaxAttempts || rc.Retry.MaxDelay != def.Retry.MaxDelay {
		t.Fatalf("retry defaults drifted: got %+v want %+v", rc.Retry, def.Retry)
	}
	if cfg.Queue.Backend != "memory" || cfg.Database.Backend != "memory" || cfg.Storage.Backend != "none" {
		t.Fatalf("expected in-process backends by default: %+v %+v %+v", cfg.Queue, cfg.Database, cfg.Storage)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.TTL != time.Hour {
		t.Fatalf("expected a one-hour in-memory result cache by default: %+v", cfg.Cache)
	}
	if cfg.Engine.MaxDomainLabels != 100 {
		t.Fatalf("expected 100 domain labels by default, got %d", cfg.Engine.MaxDomainLabels)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPEGATE_SERVER_PORT", "7070")
	t.Setenv("SCRAPEGATE_ENGINE_MAX_CONCURRENT", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Engine.MaxConcurrent != 7 {
		t.Fatalf("expected env max_concurrent 7, got %d", cfg.Engine.MaxConcurrent)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read config error, got %v", err)
	}
}

func TestResilienceConfigRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Engine.NonRetryableKinds = []string{"teapot"}
	if _, err := cfg.ResilienceConfig(); err == nil || !strings.Contains(err.Error(), "non_retryable_kinds") {
		t.Fatalf("expected non_retryable_kinds error, got %v", err)
	}
}

func TestValidateSurfacesEngineConfigError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Engine.RequestsPerMinute = 0
	err := cfg.Validate()
	var cfgErr *resilience.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "requests_per_minute" {
		t.Fatalf("expected ConfigError for requests_per_minute, got %v", err)
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Engine: EngineConfig{
			RequestsPerMinute: 30,
			Window:            time.Minute,
			MinInterval:       time.Second,
			MaxConcurrent:     3,
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          time.Minute,
			ExponentialBase:   2,
		},
		Worker:   WorkerConfig{Enabled: true, Concurrency: 1, QueueDepth: 8},
		Fetcher:  FetcherConfig{Timeout: 10 * time.Second},
		Queue:    QueueConfig{Backend: "memory"},
		Storage:  StorageConfig{Backend: "none"},
		Database: DatabaseConfig{Backend: "memory"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := validConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mut: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "invalid timeout", mut: func(c *Config) { c.Fetcher.Timeout = 0 }, want: "fetcher.timeout"},
		{
			name: "headless missing max parallel",
			mut: func(c *Config) {
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
			},
			want: "headless.max_parallel",
		},
		{name: "auth missing api key", mut: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "interval", mut: func(c *Config) { c.Engine.MinInterval = -time.Second }, want: "min_interval"},
		{name: "unknown queue", mut: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{
			name: "pubsub queue without project",
			mut: func(c *Config) {
				c.Queue.Backend = "pubsub"
				c.PubSub.TaskTopic = "tasks"
				c.PubSub.TaskSubscription = "tasks-sub"
			},
			want: "pubsub.project_id",
		},
		{name: "gcs without bucket", mut: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs_bucket"},
		{name: "postgres without dsn", mut: func(c *Config) { c.Database.Backend = "postgres" }, want: "database.dsn"},
		{name: "unknown cache", mut: func(c *Config) { c.Cache.Backend = "memcached" }, want: "cache.backend"},
		{name: "cache without ttl", mut: func(c *Config) { c.Cache.Backend = "memory" }, want: "cache.ttl"},
		{
			name: "redis cache without address",
			mut: func(c *Config) {
				c.Cache.Backend = "redis"
				c.Cache.TTL = time.Hour
			},
			want: "cache.redis.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
