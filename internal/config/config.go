// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	CSV       CSVConfig       `mapstructure:"csv"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// RateLimitConfig tunes the inbound per-client limiter.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"max_requests"`
	TrustProxy    bool          `mapstructure:"trust_proxy"`
	EvictSchedule string        `mapstructure:"evict_schedule"`
}

// BrowserConfig selects and tunes the session driver.
type BrowserConfig struct {
	Driver       string        `mapstructure:"driver"`
	Headless     bool          `mapstructure:"headless"`
	MaxSessions  int           `mapstructure:"max_sessions"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	WindowWidth  int           `mapstructure:"window_width"`
	WindowHeight int           `mapstructure:"window_height"`
	BlockImages  bool          `mapstructure:"block_images"`
	DomainQPS    float64       `mapstructure:"domain_qps"`
	ChromePath   string        `mapstructure:"chrome_path"`
	// PromoteThreshold bounds the page size below which a script-heavy
	// static response is re-rendered by the auto driver.
	PromoteThreshold int `mapstructure:"promote_threshold"`
}

// ExtractConfig selects how candidates are parsed from a page.
type ExtractConfig struct {
	Mode       string        `mapstructure:"mode"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ServiceURL string        `mapstructure:"service_url"`
	Claude     ClaudeConfig  `mapstructure:"claude"`
}

// ClaudeConfig configures the Anthropic-backed parser.
type ClaudeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	Markdown  bool   `mapstructure:"markdown"`
}

// BatchConfig tunes the per-job processing loop.
type BatchConfig struct {
	Throttle        time.Duration `mapstructure:"throttle"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
	SnapshotEvery   int           `mapstructure:"snapshot_every"`
	TopN            int           `mapstructure:"top_n"`
	DefaultCurrency string        `mapstructure:"default_currency"`
}

// WorkerConfig sizes the background worker pool.
type WorkerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	QueueDepth    int    `mapstructure:"queue_depth"`
	ResumeOnStart bool   `mapstructure:"resume_on_start"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// CSVConfig controls upload parsing.
type CSVConfig struct {
	TermColumn string `mapstructure:"term_column"`
}

// DBConfig controls access to the job store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	BadgerPath      string        `mapstructure:"badger_path"`
}

// StorageConfig sets where snapshot artifacts are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features. Level overrides the
// preset minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window", 60*time.Second)
	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.trust_proxy", false)
	v.SetDefault("rate_limit.evict_schedule", "@every 1m")
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_sessions", 2)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.block_images", true)
	v.SetDefault("browser.domain_qps", 0.5)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.promote_threshold", 2048)
	v.SetDefault("extract.mode", "selectors")
	v.SetDefault("extract.timeout", 60*time.Second)
	v.SetDefault("extract.service_url", "")
	v.SetDefault("extract.claude.api_key", "")
	v.SetDefault("extract.claude.model", "claude-sonnet-4-5")
	v.SetDefault("extract.claude.max_tokens", 4096)
	v.SetDefault("extract.claude.markdown", true)
	v.SetDefault("batch.throttle", 10*time.Second)
	v.SetDefault("batch.checkpoint_every", 10)
	v.SetDefault("batch.snapshot_every", 10)
	v.SetDefault("batch.top_n", 3)
	v.SetDefault("batch.default_currency", "RUB")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.resume_on_start", true)
	v.SetDefault("worker.sweep_schedule", "@every 5m")
	v.SetDefault("csv.term_column", "List")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db.badger_path", "data/badger")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.local.base_dir", "data/snapshots")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be > 0")
		}
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.max_requests must be > 0")
		}
	}
	switch c.Browser.Driver {
	case "chromedp", "colly", "auto":
	default:
		return fmt.Errorf("browser.driver must be chromedp, colly or auto, got %q", c.Browser.Driver)
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0")
	}
	if c.Browser.NavTimeout <= 0 {
		return fmt.Errorf("browser.nav_timeout must be > 0")
	}
	switch c.Extract.Mode {
	case "service":
		if c.Extract.ServiceURL == "" {
			return fmt.Errorf("extract.service_url must be set when extract.mode is service")
		}
	case "claude":
		if c.Extract.Claude.APIKey == "" {
			return fmt.Errorf("extract.claude.api_key must be set when extract.mode is claude")
		}
	case "selectors":
	default:
		return fmt.Errorf("extract.mode must be service, claude or selectors, got %q", c.Extract.Mode)
	}
	if c.Batch.Throttle < 0 {
		return fmt.Errorf("batch.throttle must be >= 0")
	}
	if c.Batch.TopN <= 0 {
		return fmt.Errorf("batch.top_n must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	case "badger":
		if c.DB.BadgerPath == "" {
			return fmt.Errorf("db.badger_path must be set when db.driver is badger")
		}
	default:
		return fmt.Errorf("db.driver must be memory, postgres or badger, got %q", c.DB.Driver)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
