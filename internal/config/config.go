// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. EVENTS_SERVER_PORT.
const EnvPrefix = "EVENTS"

// MaxExtractorAttempts caps provider retries per extraction.
const MaxExtractorAttempts = 10

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Orgs      OrgsConfig      `mapstructure:"orgs"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OrgsConfig points at the org profile YAML.
type OrgsConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

// HTTPConfig configures outbound HTTP clients.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// FetchConfig governs the static fetcher and politeness.
type FetchConfig struct {
	RespectRobots   bool    `mapstructure:"respect_robots"`
	PerHostRPS      float64 `mapstructure:"per_host_rps"`
	PerHostBurst    int     `mapstructure:"per_host_burst"`
	MaxContentChars int     `mapstructure:"max_content_chars"`
	// BlockedDomains lists hosts never fetched; "*.example.com" covers subdomains.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleMs      int  `mapstructure:"settle_ms"`
	Screenshot    bool `mapstructure:"screenshot"`
}

// TasksConfig sizes the async worker pool.
type TasksConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	QueueDepth       int `mapstructure:"queue_depth"`
	EnqueueTimeoutMs int `mapstructure:"enqueue_timeout_ms"`
}

// ExtractorConfig tunes provider retries.
type ExtractorConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
}

// CallbackConfig bounds callback delivery.
type CallbackConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StorageConfig sets the blob bucket for the gcs backend.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig sizes the pgx pools used by the postgres backend.
type DBConfig struct {
	MaxConns           int `mapstructure:"max_conns"`
	MinConns           int `mapstructure:"min_conns"`
	MaxConnLifetimeMin int `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
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

	// Hosting platforms inject PORT without the prefix.
	if raw, ok := os.LookupEnv("PORT"); ok && raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("PORT must be an integer: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("orgs.config_path", "orgs.yaml")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "event-scraper/0.2")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.per_host_rps", 1.0)
	v.SetDefault("fetch.per_host_burst", 2)
	v.SetDefault("fetch.max_content_chars", 30000)
	v.SetDefault("fetch.blocked_domains", []string{})
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_ms", 3000)
	v.SetDefault("headless.screenshot", true)
	v.SetDefault("tasks.concurrency", 4)
	v.SetDefault("tasks.queue_depth", 100)
	v.SetDefault("tasks.enqueue_timeout_ms", 5000)
	v.SetDefault("extractor.max_attempts", 3)
	v.SetDefault("extractor.base_delay_ms", 2000)
	v.SetDefault("callback.timeout_seconds", 30)
	v.SetDefault("storage.prefix", "events")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	// Registered so env-only overrides unmarshal.
	v.SetDefault("server.api_key", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Fetch.PerHostRPS < 0 {
		return fmt.Errorf("fetch.per_host_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.SettleMs < 0 {
		return fmt.Errorf("headless.settle_ms must be >= 0")
	}
	if c.Tasks.Concurrency <= 0 {
		return fmt.Errorf("tasks.concurrency must be > 0")
	}
	if c.Tasks.QueueDepth <= 0 {
		return fmt.Errorf("tasks.queue_depth must be > 0")
	}
	if c.Extractor.MaxAttempts <= 0 || c.Extractor.MaxAttempts > MaxExtractorAttempts {
		return fmt.Errorf("extractor.max_attempts must be between 1 and %d", MaxExtractorAttempts)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// HTTPTimeout returns the outbound HTTP client timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout returns the headless navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// Settle returns the default headless settle delay.
func (c Config) Settle() time.Duration {
	return time.Duration(c.Headless.SettleMs) * time.Millisecond
}

// EnqueueTimeout returns how long submissions wait for queue space.
func (c Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Tasks.EnqueueTimeoutMs) * time.Millisecond
}

// ExtractorBaseDelay returns the first provider retry delay.
func (c Config) ExtractorBaseDelay() time.Duration {
	return time.Duration(c.Extractor.BaseDelayMs) * time.Millisecond
}

// CallbackTimeout returns the per-delivery callback timeout.
func (c Config) CallbackTimeout() time.Duration {
	return time.Duration(c.Callback.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request HTTP handler timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// PubSubEnabled reports whether outcome fan-out is configured.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}
