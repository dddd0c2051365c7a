// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	fscache "github.com/imagecrawl/imagecrawl/internal/cache/fs"
	gcscache "github.com/imagecrawl/imagecrawl/internal/cache/gcs"
	rediscache "github.com/imagecrawl/imagecrawl/internal/cache/redis"
	"github.com/imagecrawl/imagecrawl/internal/executor"
	"github.com/imagecrawl/imagecrawl/internal/imaging"
	"github.com/imagecrawl/imagecrawl/internal/logging"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheFS     = "fs"
	CacheGCS    = "gcs"
	CacheRedis  = "redis"
)

// History backends.
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherPubSub = "pubsub"
	PublisherKafka  = "kafka"
)

// Renderer modes.
const (
	RendererAuto   = "auto"
	RendererOff    = "off"
	RendererAlways = "always"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Cache     CacheConfig     `mapstructure:"cache"`
	History   HistoryConfig   `mapstructure:"history"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

// ServerConfig controls HTTP server behavior. A non-empty APIKey turns on
// key auth for every route.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
}

// LoggingConfig selects the zap level and encoder family.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CrawlConfig governs the crawl pipeline: traversal bounds, politeness, and
// download limits.
type CrawlConfig struct {
	MaxDepth           int             `mapstructure:"max_depth"`
	Strategy           string          `mapstructure:"strategy"`
	PoolSize           int             `mapstructure:"pool_size"`
	UserAgent          string          `mapstructure:"user_agent"`
	FetchTimeout       time.Duration   `mapstructure:"fetch_timeout"`
	MaxBodyBytes       int             `mapstructure:"max_body_bytes"`
	MaxImageBytes      int64           `mapstructure:"max_image_bytes"`
	DownloadAttempts   int             `mapstructure:"download_attempts"`
	RespectRobots      bool            `mapstructure:"respect_robots"`
	SameHostOnly       bool            `mapstructure:"same_host_only"`
	ImageExtensions    []string        `mapstructure:"allowed_image_exts"`
	BlockedHosts       []string        `mapstructure:"blocklist"`
	ForbiddenThreshold int             `mapstructure:"forbidden_threshold"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	ProxyURL           string          `mapstructure:"proxy_url"`
	// Transforms names the derived-image pipelines to run per download.
	// Names resolve against the built-in registry; empty means none.
	Transforms []string `mapstructure:"transforms"`
}

// RateLimitConfig is the per-host politeness budget.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CacheConfig selects the artifact cache backend and its settings.
type CacheConfig struct {
	Backend string            `mapstructure:"backend"`
	FS      fscache.Config    `mapstructure:"fs"`
	GCS     gcscache.Config   `mapstructure:"gcs"`
	Redis   rediscache.Config `mapstructure:"redis"`
}

// HistoryConfig selects the run history backend. Path applies to sqlite,
// DSN to postgres.
type HistoryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// PublisherConfig selects the completion-event backend. ProjectID applies to
// pubsub, Brokers to kafka.
type PublisherConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"brokers"`
}

// RendererConfig configures headless rendering. Mode auto promotes on the
// detection heuristic, always renders every page, off disables the browser.
type RendererConfig struct {
	Mode          string        `mapstructure:"mode"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	BodyThreshold int           `mapstructure:"body_threshold"`
}

// QueueConfig sizes the run queue and the worker pool that drains it.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
	Workers  int `mapstructure:"workers"`
}

// Load builds a Config from defaults, an optional file, and IMAGECRAWL_*
// environment variables, highest precedence last.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMAGECRAWL")
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
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.strategy", executor.NamePooled)
	v.SetDefault("crawl.pool_size", 8)
	v.SetDefault("crawl.user_agent", "imagecrawl-bot/0.1")
	v.SetDefault("crawl.fetch_timeout", "15s")
	v.SetDefault("crawl.max_body_bytes", 10<<20)
	v.SetDefault("crawl.max_image_bytes", 32<<20)
	v.SetDefault("crawl.download_attempts", 3)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.same_host_only", false)
	v.SetDefault("crawl.forbidden_threshold", 3)
	v.SetDefault("crawl.rate_limit.rps", 2.0)
	v.SetDefault("crawl.rate_limit.burst", 1)
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("history.backend", HistoryMemory)
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("renderer.mode", RendererAuto)
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("renderer.nav_timeout", "45s")
	v.SetDefault("renderer.body_threshold", 2048)
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.workers", 4)
}

// Validate enforces required values and rejects unknown backend and strategy
// names.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Crawl.MaxDepth < 1 {
		return fmt.Errorf("crawl.max_depth must be >= 1")
	}
	if _, err := executor.New(c.Crawl.Strategy, c.Crawl.PoolSize); err != nil {
		return fmt.Errorf("crawl.strategy: %w", err)
	}
	if c.Crawl.FetchTimeout <= 0 {
		return fmt.Errorf("crawl.fetch_timeout must be > 0")
	}
	if _, err := imaging.BuiltIn().Resolve(c.Crawl.Transforms); err != nil {
		return fmt.Errorf("crawl.transforms: %w", err)
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheFS:
	case CacheGCS:
		if c.Cache.GCS.Bucket == "" {
			return fmt.Errorf("cache.gcs.bucket must be set for the gcs backend")
		}
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q (have memory, fs, gcs, redis)", c.Cache.Backend)
	}

	switch c.History.Backend {
	case HistoryMemory, HistorySQLite:
	case HistoryPostgres:
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown history backend %q (have memory, sqlite, postgres)", c.History.Backend)
	}

	switch c.Publisher.Backend {
	case PublisherNone:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub backend")
		}
	case PublisherKafka:
		if len(c.Publisher.Brokers) == 0 || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.brokers and publisher.topic must be set for the kafka backend")
		}
	default:
		return fmt.Errorf("unknown publisher backend %q (have none, pubsub, kafka)", c.Publisher.Backend)
	}

	switch c.Renderer.Mode {
	case RendererOff:
	case RendererAuto, RendererAlways:
		if c.Renderer.MaxParallel < 1 {
			return fmt.Errorf("renderer.max_parallel must be >= 1 when rendering is on")
		}
	default:
		return fmt.Errorf("unknown renderer mode %q (have auto, off, always)", c.Renderer.Mode)
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be >= 1")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be >= 1")
	}
	return nil
}
