// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob the control plane and
// scraper worker binaries share.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API listener and the scraper
// worker's operational listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MetricsPort is where the scraper worker serves /healthz and
	// /metrics; the API server exposes the same routes on Port
	// alongside /api/url-content, so it never binds this one.
	MetricsPort int `mapstructure:"metrics_port"`
}

// AuthConfig gates the HTTP API behind a static API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls the document-store connection. Provider selects
// between the real Postgres adapter and the in-process memory
// adapter, the way the teacher's storage/database/queue sections each
// carry their own "provider" switch.
type DBConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig controls the message bus connection. Provider selects
// between the real Pub/Sub adapter and the in-process memory adapter.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Prefix    string `mapstructure:"prefix"`
}

// ScrapeConfig governs submission dedup, retry, and worker
// concurrency — the knobs named directly in the specification's
// environment variable table.
type ScrapeConfig struct {
	IntervalMinutes        int     `mapstructure:"interval_minutes"`
	MaxRetries             int     `mapstructure:"max_retries"`
	ConcurrentScrapers     int     `mapstructure:"concurrent_scrapers"`
	StaleTimeoutMinutes    int     `mapstructure:"stale_timeout_minutes"`
	MaintenanceIntervalSec int     `mapstructure:"maintenance_interval_seconds"`
	RateLimitRPS           float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst         int     `mapstructure:"rate_limit_burst"`
}

// WaitStrategy selects the chromedp navigation wait condition.
type WaitStrategy string

// Wait strategies, per the navigation table.
const (
	WaitFast          WaitStrategy = "fast"
	WaitBasic         WaitStrategy = "basic"
	WaitModerate      WaitStrategy = "moderate"
	WaitComprehensive WaitStrategy = "comprehensive"
)

// HeadlessConfig governs the browser attempt.
type HeadlessConfig struct {
	NavTimeoutMS  int          `mapstructure:"nav_timeout_ms"`
	WaitStrategy  WaitStrategy `mapstructure:"wait_strategy"`
	DisableImages bool         `mapstructure:"disable_images"`
	DisableCSS    bool         `mapstructure:"disable_css"`
	DynamicWaitMS int          `mapstructure:"dynamic_wait_ms"`
	UserAgent     string       `mapstructure:"user_agent"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// envBindings maps each spec-literal environment variable to the
// dotted Viper key it populates. Kept explicit (rather than relying
// on a prefix + replacer) because the specification mandates these
// exact variable names.
var envBindings = map[string]string{
	"FETCHER_HTTP_PORT":                 "server.port",
	"FETCHER_METRICS_PORT":              "server.metrics_port",
	"FETCHER_AUTH_ENABLED":              "auth.enabled",
	"FETCHER_API_KEY":                   "auth.api_key",
	"FETCHER_DB_PROVIDER":               "db.provider",
	"FETCHER_DB_DSN":                    "db.dsn",
	"FETCHER_DB_TABLE":                  "db.table",
	"FETCHER_DB_MAX_CONNS":              "db.max_conns",
	"FETCHER_PUBSUB_PROVIDER":           "pubsub.provider",
	"FETCHER_PUBSUB_PROJECT_ID":         "pubsub.project_id",
	"FETCHER_PUBSUB_PREFIX":             "pubsub.prefix",
	"SCRAPE_INTERVAL_MINUTES":           "scrape.interval_minutes",
	"MAX_RETRIES":                       "scrape.max_retries",
	"CONCURRENT_SCRAPERS":               "scrape.concurrent_scrapers",
	"STALE_REQUEST_TIMEOUT_MINUTES":     "scrape.stale_timeout_minutes",
	"FETCHER_MAINTENANCE_INTERVAL_SECS": "scrape.maintenance_interval_seconds",
	"FETCHER_RATE_LIMIT_RPS":            "scrape.rate_limit_rps",
	"FETCHER_RATE_LIMIT_BURST":          "scrape.rate_limit_burst",
	"PUPPETEER_TIMEOUT":                 "headless.nav_timeout_ms",
	"WAIT_STRATEGY":                     "headless.wait_strategy",
	"DISABLE_IMAGES":                    "headless.disable_images",
	"DISABLE_CSS":                       "headless.disable_css",
	"DYNAMIC_WAIT_MS":                   "headless.dynamic_wait_ms",
	"FETCHER_USER_AGENT":                "headless.user_agent",
	"FETCHER_LOG_DEVELOPMENT":           "logging.development",
}

// Load builds a Config from an optional config file plus environment
// variables bound per envBindings, then validates it.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	for env, key := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

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
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("db.provider", "postgres")
	v.SetDefault("db.dsn", "postgres://localhost:5432/urlfetch?sslmode=disable")
	v.SetDefault("db.table", "fetch_records")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("pubsub.provider", "pubsub")
	v.SetDefault("pubsub.project_id", "local-dev")
	v.SetDefault("scrape.interval_minutes", 60)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.concurrent_scrapers", 3)
	v.SetDefault("scrape.stale_timeout_minutes", 120)
	v.SetDefault("scrape.maintenance_interval_seconds", 300)
	v.SetDefault("scrape.rate_limit_rps", 1.0)
	v.SetDefault("scrape.rate_limit_burst", 2)
	v.SetDefault("headless.nav_timeout_ms", 15000)
	v.SetDefault("headless.wait_strategy", string(WaitFast))
	v.SetDefault("headless.disable_images", true)
	v.SetDefault("headless.disable_css", false)
	v.SetDefault("headless.dynamic_wait_ms", 0)
	v.SetDefault("headless.user_agent", "Mozilla/5.0 (compatible; urlfetch/1.0)")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MetricsPort <= 0 {
		return fmt.Errorf("server.metrics_port must be > 0")
	}
	switch c.DB.Provider {
	case "postgres", "memory":
	default:
		return fmt.Errorf("db.provider %q is not recognized", c.DB.Provider)
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	switch c.PubSub.Provider {
	case "pubsub", "memory":
	default:
		return fmt.Errorf("pubsub.provider %q is not recognized", c.PubSub.Provider)
	}
	if c.PubSub.Provider == "pubsub" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required")
	}
	if c.Scrape.MaxRetries < 0 {
		return fmt.Errorf("scrape.max_retries must be >= 0")
	}
	if c.Scrape.ConcurrentScrapers <= 0 {
		return fmt.Errorf("scrape.concurrent_scrapers must be > 0")
	}
	if c.Scrape.IntervalMinutes <= 0 {
		return fmt.Errorf("scrape.interval_minutes must be > 0")
	}
	switch c.Headless.WaitStrategy {
	case WaitFast, WaitBasic, WaitModerate, WaitComprehensive:
	default:
		return fmt.Errorf("headless.wait_strategy %q is not recognized", c.Headless.WaitStrategy)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// NavTimeout converts the millisecond navigation timeout to a
// time.Duration for use with context.WithTimeout.
func (h HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(h.NavTimeoutMS) * time.Millisecond
}

// DedupWindow converts the dedup interval to a time.Duration.
func (s ScrapeConfig) DedupWindow() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// StaleTimeout converts the stale-pending threshold to a
// time.Duration.
func (s ScrapeConfig) StaleTimeout() time.Duration {
	return time.Duration(s.StaleTimeoutMinutes) * time.Minute
}

// MaintenanceInterval converts the maintenance sweep cadence to a
// time.Duration.
func (s ScrapeConfig) MaintenanceInterval() time.Duration {
	return time.Duration(s.MaintenanceIntervalSec) * time.Second
}
