// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EngineConfig holds the per-domain gate and retry curve. RequestsPerMinute
// is the start ceiling per Window; it only means "per minute" while Window
// keeps its one-minute default. MaxDomainLabels bounds per-domain metric
// series.
type EngineConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	Jitter            bool          `mapstructure:"jitter"`
	JitterMax         time.Duration `mapstructure:"jitter_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	ExponentialBase   float64       `mapstructure:"exponential_base"`
	NonRetryableKinds []string      `mapstructure:"non_retryable_kinds"`
	FatalKinds        []string      `mapstructure:"fatal_kinds"`
	MaxDomainLabels   int           `mapstructure:"max_domain_labels"`
}

// WorkerConfig governs the subscriber pool.
type WorkerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Concurrency   int           `mapstructure:"concurrency"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	ContentType   string        `mapstructure:"content_type"`
	BlobPrefix    string        `mapstructure:"blob_prefix"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// FetcherConfig configures the HTTP fetcher. BlockedDomains lists hosts that
// submissions may not target.
type FetcherConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	ExecPath        string        `mapstructure:"exec_path"`
	PromotionThresh int           `mapstructure:"promotion_threshold"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// PublisherConfig selects where task events go.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// PubSubConfig holds Google Pub/Sub identifiers.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TaskTopic        string `mapstructure:"task_topic"`
	TaskSubscription string `mapstructure:"task_subscription"`
}

// StorageConfig sets where raw pages are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DatabaseConfig controls task persistence.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	TasksTable      string        `mapstructure:"tasks_table"`
	ResultsTable    string        `mapstructure:"results_table"`
}

// CacheConfig selects the result cache that lets repeated requests skip the
// fetch for TTL after a success.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("engine.requests_per_minute", 30)
	v.SetDefault("engine.window", time.Minute)
	v.SetDefault("engine.min_interval", time.Second)
	v.SetDefault("engine.max_concurrent", 3)
	v.SetDefault("engine.jitter", true)
	v.SetDefault("engine.jitter_max", 200*time.Millisecond)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.base_delay", time.Second)
	v.SetDefault("engine.max_delay", time.Minute)
	v.SetDefault("engine.exponential_base", 2.0)
	v.SetDefault("engine.non_retryable_kinds", []string{string(resilience.KindRejected)})
	v.SetDefault("engine.max_domain_labels", 100)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.content_type", "text/html; charset=utf-8")
	v.SetDefault("worker.blob_prefix", "pages")
	v.SetDefault("worker.stats_interval", time.Minute)

	v.SetDefault("fetcher.user_agent", "scrapegate/0.1")
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.respect_robots", false)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.selector_timeout", 10*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.promotion_threshold", 512)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "scrape-results")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "./data/pages")
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.tasks_table", "scrape_tasks")
	v.SetDefault("database.results_table", "scrape_results")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.key_prefix", "scrapegate:result:")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := c.ResilienceConfig(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Worker.Enabled && c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return nil
}

func (c Config) validateBackends() error {
	usesPubSub := false
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		usesPubSub = true
		if c.PubSub.TaskTopic == "" || c.PubSub.TaskSubscription == "" {
			return fmt.Errorf("pubsub.task_topic and pubsub.task_subscription are required for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Publisher.Backend {
	case "", "none", "memory":
	case "pubsub":
		usesPubSub = true
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic is required for the pubsub publisher")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	if usesPubSub && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a pubsub backend is used")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	switch c.Cache.Backend {
	case "", "none":
	case "memory", "redis":
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be > 0 when the result cache is enabled")
		}
		if c.Cache.Backend == "redis" && c.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required for the redis cache")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	return nil
}

// ResilienceConfig converts the engine section into a validated engine configuration.
func (c Config) ResilienceConfig() (resilience.Config, error) {
	e := c.Engine
	nonRetryable, err := parseKinds(e.NonRetryableKinds)
	if err != nil {
		return resilience.Config{}, fmt.Errorf("non_retryable_kinds: %w", err)
	}
	fatal, err := parseKinds(e.FatalKinds)
	if err != nil {
		return resilience.Config{}, fmt.Errorf("fatal_kinds: %w", err)
	}
	out := resilience.Config{
		Limiter: resilience.LimiterConfig{
			RequestsPerMinute: e.RequestsPerMinute,
			Window:            e.Window,
			MinInterval:       e.MinInterval,
			MaxConcurrent:     e.MaxConcurrent,
			Jitter:            e.Jitter,
			JitterMax:         e.JitterMax,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:       e.MaxAttempts,
			BaseDelay:         e.BaseDelay,
			MaxDelay:          e.MaxDelay,
			ExponentialBase:   e.ExponentialBase,
			Jitter:            e.Jitter,
			NonRetryableKinds: nonRetryable,
		},
		FatalKinds: fatal,
	}
	if err := out.Validate(); err != nil {
		return resilience.Config{}, err
	}
	return out, nil
}

func parseKinds(raw []string) ([]resilience.Kind, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kinds := make([]resilience.Kind, 0, len(raw))
	for _, s := range raw {
		k, err := resilience.ParseKind(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
