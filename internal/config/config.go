// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Store     StoreConfig     `mapstructure:"store"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Mail      MailConfig      `mapstructure:"mail"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// RequestTimeout converts the request timeout into a duration.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout converts the shutdown grace period into a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs frontier expansion and lease sizing.
type CrawlConfig struct {
	MaxDepth          int `mapstructure:"max_depth"`
	DefaultLeaseLimit int `mapstructure:"default_lease_limit"`
	MaxLeaseLimit     int `mapstructure:"max_lease_limit"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Provider is "memory" or "postgres".
	Provider string                    `mapstructure:"provider"`
	Postgres PostgresConfig            `mapstructure:"postgres"`
	Tables   map[string]crawl.TableSet `mapstructure:"tables"`
}

// TableMap resolves the configured tables into platform keys.
func (c StoreConfig) TableMap() (map[crawl.Platform]crawl.TableSet, error) {
	tables := make(map[crawl.Platform]crawl.TableSet, len(c.Tables))
	for name, set := range c.Tables {
		platform, err := crawl.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("store.tables: %w", err)
		}
		tables[platform] = set
	}
	return tables, nil
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int    `mapstructure:"max_conns"`
	MinConns            int    `mapstructure:"min_conns"`
	ConnLifetimeMinutes int    `mapstructure:"conn_lifetime_minutes"`
}

// ConnLifetime converts the connection lifetime into a duration.
func (c PostgresConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinutes) * time.Minute
}

// EventsConfig sizes the event hub.
type EventsConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchEvents     int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// MaxBatchWait converts the batch wait into a duration.
func (c EventsConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout converts the per-sink timeout into a duration.
func (c EventsConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutSeconds) * time.Second
}

// PubSubConfig selects the event publisher backend.
type PubSubConfig struct {
	// Provider is "pubsub", "memory" or "noop".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects the raw payload archive backend.
type ArchiveConfig struct {
	// Provider is "none", "memory", "local" or "gcs".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// MailConfig configures the Mandrill error reporter.
type MailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	APIKey     string   `mapstructure:"api_key"`
	FromEmail  string   `mapstructure:"from_email"`
	FromName   string   `mapstructure:"from_name"`
	Recipients []string `mapstructure:"recipients"`
}

// ProvidersConfig holds the external provider credentials.
type ProvidersConfig struct {
	SERP    SERPProviderConfig    `mapstructure:"serp"`
	ProAPIs ProAPIsProviderConfig `mapstructure:"proapis"`
}

// SERPProviderConfig configures the keyword search provider.
type SERPProviderConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	APIKey   string  `mapstructure:"api_key"`
	Location string  `mapstructure:"location"`
	Domain   string  `mapstructure:"domain"`
	GL       string  `mapstructure:"gl"`
	HL       string  `mapstructure:"hl"`
	PageSize int     `mapstructure:"page_size"`
	RPS      float64 `mapstructure:"rps"`
	Burst    int     `mapstructure:"burst"`
}

// ProAPIsProviderConfig configures the profile enrichment provider.
type ProAPIsProviderConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	APIKey  string  `mapstructure:"api_key"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// WorkerConfig sizes the server-side keyword search pool.
type WorkerConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Concurrency       int      `mapstructure:"concurrency"`
	Owner             string   `mapstructure:"owner"`
	Platforms         []string `mapstructure:"platforms"`
	PollSeconds       int      `mapstructure:"poll_seconds"`
	LeaseLimit        int      `mapstructure:"lease_limit"`
	QueueSize         int      `mapstructure:"queue_size"`
	StaleAfterMinutes int      `mapstructure:"stale_after_minutes"`
}

// PollInterval converts the poll cadence into a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// StaleAfter converts the orphaned-claim takeover age into a duration.
func (c WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// PlatformList resolves the configured platform names.
func (c WorkerConfig) PlatformList() ([]crawl.Platform, error) {
	platforms := make([]crawl.Platform, 0, len(c.Platforms))
	for _, name := range c.Platforms {
		platform, err := crawl.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("worker.platforms: %w", err)
		}
		platforms = append(platforms, platform)
	}
	return platforms, nil
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig toggles the Prometheus surface.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMPASS")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)

	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.default_lease_limit", 10)
	v.SetDefault("crawl.max_lease_limit", 100)

	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.min_conns", 2)
	v.SetDefault("store.postgres.conn_lifetime_minutes", 30)
	v.SetDefault("store.tables.linkedin.units", "linkedin_units")
	v.SetDefault("store.tables.linkedin.keywords", "linkedin_keywords")
	v.SetDefault("store.tables.linkedin.profiles", "linkedin_profiles")
	v.SetDefault("store.tables.facebook.units", "facebook_units")
	v.SetDefault("store.tables.facebook.seeds", "facebook_seeds")
	v.SetDefault("store.tables.facebook.profiles", "facebook_profiles")

	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 500)
	v.SetDefault("events.max_batch_wait_ms", 1000)
	v.SetDefault("events.sink_timeout_seconds", 10)

	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("pubsub.topic", "compass-crawl-events")

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.from_name", "Compass Crawl")

	v.SetDefault("providers.serp.page_size", 10)
	v.SetDefault("providers.serp.rps", 1)
	v.SetDefault("providers.serp.burst", 1)
	v.SetDefault("providers.proapis.rps", 2)
	v.SetDefault("providers.proapis.burst", 2)

	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.owner", "serp-worker")
	v.SetDefault("worker.platforms", []string{"linkedin"})
	v.SetDefault("worker.poll_seconds", 30)
	v.SetDefault("worker.lease_limit", 10)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.stale_after_minutes", 10)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.MaxDepth < 1 {
		return fmt.Errorf("crawl.max_depth must be >= 1")
	}
	if c.Crawl.DefaultLeaseLimit <= 0 || c.Crawl.MaxLeaseLimit <= 0 {
		return fmt.Errorf("crawl lease limits must be > 0")
	}
	if c.Crawl.DefaultLeaseLimit > c.Crawl.MaxLeaseLimit {
		return fmt.Errorf("crawl.default_lease_limit must not exceed crawl.max_lease_limit")
	}

	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("store.provider must be memory or postgres, got %q", c.Store.Provider)
	}
	if _, err := c.Store.TableMap(); err != nil {
		return err
	}

	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0")
	}

	switch c.PubSub.Provider {
	case "noop", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub.provider is pubsub")
		}
	default:
		return fmt.Errorf("pubsub.provider must be pubsub, memory or noop, got %q", c.PubSub.Provider)
	}

	switch c.Archive.Provider {
	case "none", "memory":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.provider is local")
		}
	default:
		return fmt.Errorf("archive.provider must be none, memory, local or gcs, got %q", c.Archive.Provider)
	}

	if c.Mail.Enabled {
		if c.Mail.APIKey == "" {
			return fmt.Errorf("mail.api_key must be set when mail is enabled")
		}
		if c.Mail.FromEmail == "" {
			return fmt.Errorf("mail.from_email must be set when mail is enabled")
		}
		if len(c.Mail.Recipients) == 0 {
			return fmt.Errorf("mail.recipients must be set when mail is enabled")
		}
	}

	if c.Providers.SERP.Enabled && c.Providers.SERP.APIKey == "" {
		return fmt.Errorf("providers.serp.api_key must be set when the serp provider is enabled")
	}
	if c.Providers.ProAPIs.Enabled && c.Providers.ProAPIs.APIKey == "" {
		return fmt.Errorf("providers.proapis.api_key must be set when the proapis provider is enabled")
	}

	if c.Worker.Enabled {
		if c.Worker.Concurrency <= 0 {
			return fmt.Errorf("worker.concurrency must be > 0 when the worker is enabled")
		}
		if c.Worker.QueueSize <= 0 {
			return fmt.Errorf("worker.queue_size must be > 0 when the worker is enabled")
		}
		if c.Worker.PollSeconds <= 0 {
			return fmt.Errorf("worker.poll_seconds must be > 0 when the worker is enabled")
		}
		if !c.Providers.SERP.Enabled {
			return fmt.Errorf("providers.serp must be enabled when the worker is enabled")
		}
		if _, err := c.Worker.PlatformList(); err != nil {
			return err
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}
