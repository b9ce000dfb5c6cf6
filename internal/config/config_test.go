package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
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
db:
  dsn: postgres://db/urlfetch
  table: records
pubsub:
  project_id: test-project
scrape:
  interval_minutes: 30
  max_retries: 5
  concurrent_scrapers: 2
  stale_timeout_minutes: 90
headless:
  wait_strategy: moderate
  disable_images: false
logging:
  development: true
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
	if cfg.DB.DSN != "postgres://db/urlfetch" || cfg.DB.Table != "records" {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if cfg.Scrape.MaxRetries != 5 || cfg.Scrape.ConcurrentScrapers != 2 {
		t.Fatalf("expected scrape overrides to apply: %+v", cfg.Scrape)
	}
	if cfg.Headless.WaitStrategy != WaitModerate || cfg.Headless.DisableImages {
		t.Fatalf("expected headless overrides to apply: %+v", cfg.Headless)
	}
}

func TestLoadBindsEnvironmentVariables(t *testing.T) {
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("WAIT_STRATEGY", "comprehensive")
	t.Setenv("FETCHER_DB_DSN", "postgres://env/urlfetch")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scrape.MaxRetries != 7 {
		t.Fatalf("expected MAX_RETRIES to bind, got %d", cfg.Scrape.MaxRetries)
	}
	if cfg.Headless.WaitStrategy != WaitComprehensive {
		t.Fatalf("expected WAIT_STRATEGY to bind, got %q", cfg.Headless.WaitStrategy)
	}
	if cfg.DB.DSN != "postgres://env/urlfetch" {
		t.Fatalf("expected FETCHER_DB_DSN to bind, got %q", cfg.DB.DSN)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080, MetricsPort: 9090},
		DB:     DBConfig{Provider: "postgres", DSN: "postgres://x"},
		PubSub: PubSubConfig{Provider: "pubsub", ProjectID: "proj"},
		Scrape: ScrapeConfig{MaxRetries: 3, ConcurrentScrapers: 1, IntervalMinutes: 60},
		Headless: HeadlessConfig{
			WaitStrategy: WaitFast,
		},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid metrics port",
			cfg: func() Config {
				c := base
				c.Server.MetricsPort = 0
				return c
			}(),
			want: "server.metrics_port",
		},
		{
			name: "missing dsn",
			cfg: func() Config {
				c := base
				c.DB.DSN = ""
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "missing project id",
			cfg: func() Config {
				c := base
				c.PubSub.ProjectID = ""
				return c
			}(),
			want: "pubsub.project_id",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Scrape.ConcurrentScrapers = 0
				return c
			}(),
			want: "scrape.concurrent_scrapers",
		},
		{
			name: "unrecognized wait strategy",
			cfg: func() Config {
				c := base
				c.Headless.WaitStrategy = "turbo"
				return c
			}(),
			want: "wait_strategy",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
