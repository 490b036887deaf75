package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.Window != time.Minute || cfg.RateLimit.MaxRequests != 100 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Batch.Throttle != 10*time.Second || cfg.Batch.CheckpointEvery != 10 ||
		cfg.Batch.SnapshotEvery != 10 || cfg.Batch.TopN != 3 {
		t.Fatalf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.CSV.TermColumn != "List" {
		t.Fatalf("expected term column List, got %q", cfg.CSV.TermColumn)
	}
	if cfg.Browser.NavTimeout != 45*time.Second || cfg.Browser.WindowWidth != 1920 || cfg.Browser.WindowHeight != 1080 {
		t.Fatalf("unexpected browser defaults: %+v", cfg.Browser)
	}
	if !strings.Contains(cfg.Browser.UserAgent, "Chrome/91.0.4472.124") {
		t.Fatalf("unexpected user agent %q", cfg.Browser.UserAgent)
	}
	if cfg.Extract.Timeout != time.Minute {
		t.Fatalf("expected 60s extraction timeout, got %v", cfg.Extract.Timeout)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 30s
auth:
  enabled: true
  api_key: secret
rate_limit:
  window: 2m
  max_requests: 10
  trust_proxy: true
browser:
  driver: colly
  max_sessions: 4
  nav_timeout: 20s
extract:
  mode: service
  service_url: http://extract.internal/parse
  timeout: 15s
batch:
  throttle: 1s
  top_n: 5
worker:
  concurrency: 6
  queue_depth: 128
csv:
  term_column: Query
db:
  driver: postgres
  dsn: postgres://localhost/scraper
  max_conns: 20
storage:
  backend: gcs
  bucket: snapshots-bucket
  prefix: runs
pubsub:
  project_id: proj
  topic_name: job-events
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.RateLimit.Window != 2*time.Minute || cfg.RateLimit.MaxRequests != 10 || !cfg.RateLimit.TrustProxy {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.RateLimit)
	}
	if cfg.Browser.Driver != "colly" || cfg.Browser.MaxSessions != 4 {
		t.Fatalf("expected browser overrides, got %+v", cfg.Browser)
	}
	if cfg.Extract.Mode != "service" || cfg.Extract.Timeout != 15*time.Second {
		t.Fatalf("expected extract overrides, got %+v", cfg.Extract)
	}
	if cfg.Batch.TopN != 5 || cfg.Batch.CheckpointEvery != 10 {
		t.Fatalf("expected batch overrides merged with defaults, got %+v", cfg.Batch)
	}
	if cfg.CSV.TermColumn != "Query" {
		t.Fatalf("expected term column Query, got %q", cfg.CSV.TermColumn)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.MaxConns != 20 || cfg.DB.MinConns != 1 {
		t.Fatalf("expected db overrides, got %+v", cfg.DB)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.Bucket != "snapshots-bucket" || cfg.Storage.Prefix != "runs" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.PubSub.TopicName != "job-events" || cfg.Logging.Development {
		t.Fatalf("expected pubsub and logging overrides")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPER_WORKER_CONCURRENCY", "9")
	t.Setenv("SCRAPER_DB_DRIVER", "badger")
	t.Setenv("SCRAPER_DB_BADGER_PATH", "/tmp/scraper")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Concurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", cfg.Worker.Concurrency)
	}
	if cfg.DB.Driver != "badger" || cfg.DB.BadgerPath != "/tmp/scraper" {
		t.Fatalf("expected badger env overrides, got %+v", cfg.DB)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "rate window", mutate: func(c *Config) { c.RateLimit.Window = 0 }, want: "rate_limit.window"},
		{name: "rate limit", mutate: func(c *Config) { c.RateLimit.MaxRequests = 0 }, want: "rate_limit.max_requests"},
		{name: "unknown driver", mutate: func(c *Config) { c.Browser.Driver = "playwright" }, want: "browser.driver"},
		{name: "session ceiling", mutate: func(c *Config) { c.Browser.MaxSessions = 0 }, want: "browser.max_sessions"},
		{name: "service url", mutate: func(c *Config) { c.Extract.Mode = "service" }, want: "extract.service_url"},
		{name: "claude key", mutate: func(c *Config) { c.Extract.Mode = "claude" }, want: "extract.claude.api_key"},
		{name: "unknown mode", mutate: func(c *Config) { c.Extract.Mode = "regex" }, want: "extract.mode"},
		{name: "top n", mutate: func(c *Config) { c.Batch.TopN = 0 }, want: "batch.top_n"},
		{name: "concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "postgres dsn", mutate: func(c *Config) { c.DB.Driver = "postgres" }, want: "db.dsn"},
		{name: "unknown db", mutate: func(c *Config) { c.DB.Driver = "sqlite" }, want: "db.driver"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "pubsub project", mutate: func(c *Config) { c.PubSub.TopicName = "events" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
