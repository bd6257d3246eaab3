// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. CATALOG_SERVER_PORT.
const EnvPrefix = "CATALOG"

// Storage, archive, and publish drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
)

// DefaultSourceKey names the built-in demo catalog.
const DefaultSourceKey = "books_toscrape"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig                         `mapstructure:"server"`
	Auth      AuthConfig                           `mapstructure:"auth"`
	Logging   LoggingConfig                        `mapstructure:"logging"`
	Fetch     FetchConfig                          `mapstructure:"fetch"`
	Storage   StorageConfig                        `mapstructure:"storage"`
	Archive   ArchiveConfig                        `mapstructure:"archive"`
	Publish   PublishConfig                        `mapstructure:"publish"`
	Scheduler SchedulerConfig                      `mapstructure:"scheduler"`
	Sources   map[string]crawler.SourceDescription `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	APIKeys         []string `mapstructure:"api_keys"`
	RequestsPerHour int      `mapstructure:"requests_per_hour"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig governs retrieval: the shared concurrency ceiling, retries,
// per-host pacing, and collector settings.
type FetchConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	// RatePerHost is requests per second per host; zero disables pacing.
	RatePerHost  float64 `mapstructure:"rate_per_host"`
	BurstPerHost int     `mapstructure:"burst_per_host"`
	// BlockedHosts lists exact hosts or "*.suffix" patterns never fetched.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// StorageConfig selects the persistence gateway.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where raw item pages are kept.
type ArchiveConfig struct {
	Driver      string `mapstructure:"driver"`
	BaseDir     string `mapstructure:"base_dir"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublishConfig selects where change events are announced.
type PublishConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SchedulerConfig controls periodic runs. RunTime ("HH:MM") wins over IntervalMinutes.
type SchedulerConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Timezone        string   `mapstructure:"timezone"`
	RunTime         string   `mapstructure:"run_time"`
	IntervalMinutes int      `mapstructure:"interval_minutes"`
	Sources         []string `mapstructure:"sources"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, an optional file, and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	for key, src := range cfg.Sources {
		cfg.Sources[key] = src.WithDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.requests_per_hour", 100)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("fetch.concurrency", 10)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.initial_backoff", "500ms")
	v.SetDefault("fetch.backoff_factor", 2.0)
	v.SetDefault("fetch.max_backoff", "30s")
	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.user_agent", "catalog-watch/0.1 (+https://github.com/JakeFAU/catalog-watch)")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_per_host", 0)
	v.SetDefault("fetch.burst_per_host", 1)
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("archive.driver", DriverNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publish.driver", DriverNone)
	v.SetDefault("publish.topic", "catalog-changes")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.run_time", "")
	v.SetDefault("scheduler.interval_minutes", 1440)
	v.SetDefault("scheduler.sources", []string{DefaultSourceKey})
	v.SetDefault("sources."+DefaultSourceKey, booksToScrape())
}

// booksToScrape describes the public demo bookstore. It answers 404 past its
// last listing page, so that status ends pagination.
func booksToScrape() map[string]any {
	const table = "table.table.table-striped tr"
	return map[string]any{
		"start_url": "http://books.toscrape.com/catalogue/page-1.html",
		"pagination": map[string]any{
			"kind":             string(crawler.PaginationPattern),
			"template":         "http://books.toscrape.com/catalogue/page-{page}.html",
			"start_page":       1,
			"max_pages":        0,
			"end_on_not_found": true,
		},
		"selectors": map[string]any{
			"item_card":           "article.product_pod",
			"item_link":           "h3 > a",
			"name":                "div.product_main > h1",
			"price_including_tax": table + ":contains('Price (incl. tax)') td",
			"price_excluding_tax": table + ":contains('Price (excl. tax)') td",
			"availability":        "div.product_main > p.availability",
			"description":         "#product_description ~ p",
			"category":            "ul.breadcrumb li:nth-last-child(2) a",
			"review_count":        table + ":contains('Number of reviews') td",
			"rating":              "div.product_main > p.star-rating",
			"image":               "div.carousel-inner img",
		},
		"normalization": map[string]any{
			"strategy": string(crawler.NormalizeResolve),
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	if c.Auth.RequestsPerHour <= 0 {
		return fmt.Errorf("auth.requests_per_hour must be > 0")
	}
	if err := c.Fetch.validate(); err != nil {
		return err
	}
	if err := c.validateDrivers(); err != nil {
		return err
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for key, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources.%s: %w", key, err)
		}
	}
	if c.Scheduler.Enabled {
		if err := c.validateScheduler(); err != nil {
			return err
		}
	}
	return nil
}

func (f FetchConfig) validate() error {
	switch {
	case f.Concurrency <= 0:
		return fmt.Errorf("fetch.concurrency must be > 0")
	case f.MaxRetries < 0:
		return fmt.Errorf("fetch.max_retries must be >= 0")
	case f.InitialBackoff <= 0:
		return fmt.Errorf("fetch.initial_backoff must be > 0")
	case f.BackoffFactor < 1:
		return fmt.Errorf("fetch.backoff_factor must be >= 1")
	case f.Timeout <= 0:
		return fmt.Errorf("fetch.timeout must be > 0")
	case f.RatePerHost < 0:
		return fmt.Errorf("fetch.rate_per_host must be >= 0")
	}
	return nil
}

func (c Config) validateDrivers() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch c.Archive.Driver {
	case DriverNone, DriverMemory:
	case DriverLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for driver %q", DriverLocal)
		}
	case DriverGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for driver %q", DriverGCS)
		}
	default:
		return fmt.Errorf("archive.driver: unknown driver %q", c.Archive.Driver)
	}

	switch c.Publish.Driver {
	case DriverNone, DriverMemory:
	case DriverPubSub:
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return fmt.Errorf("publish.project_id and publish.topic are required for driver %q", DriverPubSub)
		}
	default:
		return fmt.Errorf("publish.driver: unknown driver %q", c.Publish.Driver)
	}
	return nil
}

func (c Config) validateScheduler() error {
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if c.Scheduler.RunTime == "" && c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.interval_minutes must be > 0 when run_time is empty")
	}
	if _, err := scheduler.Spec(c.Scheduler.RunTime, c.SchedulerInterval()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if len(c.Scheduler.Sources) == 0 {
		return fmt.Errorf("scheduler.sources must name at least one source")
	}
	for _, key := range c.Scheduler.Sources {
		if _, ok := c.Sources[key]; !ok {
			return fmt.Errorf("scheduler.sources: %w: %q", crawler.ErrUnknownSource, key)
		}
	}
	return nil
}

// Source returns the description registered under key.
func (c Config) Source(key string) (crawler.SourceDescription, error) {
	src, ok := c.Sources[key]
	if !ok {
		return crawler.SourceDescription{}, fmt.Errorf("%w: %q", crawler.ErrUnknownSource, key)
	}
	return src, nil
}

// SourceKeys lists configured source keys in sorted order.
func (c Config) SourceKeys() []string {
	keys := make([]string, 0, len(c.Sources))
	for key := range c.Sources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RetryConfig converts the fetch knobs into a retry policy configuration.
func (c Config) RetryConfig() crawler.RetryConfig {
	retries := c.Fetch.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return crawler.RetryConfig{
		MaxRetries:     retries,
		InitialBackoff: c.Fetch.InitialBackoff,
		Factor:         c.Fetch.BackoffFactor,
		MaxBackoff:     c.Fetch.MaxBackoff,
	}
}

// SchedulerInterval is the fixed trigger period.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMinutes) * time.Minute
}

// SchedulerLocation resolves the timezone used for daily triggers.
func (c Config) SchedulerLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}
