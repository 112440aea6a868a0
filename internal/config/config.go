// Package config loads and validates the searchsync service
// configuration.
//
// Configuration is read from a YAML file (searchsync.yaml) merged with
// SEARCHSYNC_* environment variables; environment variables take
// precedence. All options are typed and validated up front rather than
// consulted lazily, so a bad deployment fails at startup instead of
// mid-sync.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option the engine recognizes.
type Config struct {
	// SourceDSN is the Postgres connection string for the relational
	// source-of-record (read-only from the engine's perspective).
	SourceDSN string `mapstructure:"source_dsn"`

	// IndexDSN is the Postgres connection string for the pgvector
	// index. May equal SourceDSN when both live in one cluster.
	IndexDSN string `mapstructure:"index_dsn"`

	// ChangeChannel is the LISTEN/NOTIFY channel carrying change
	// notifications from the source store.
	ChangeChannel string `mapstructure:"change_channel"`

	// StatePath is the local sqlite file holding the dead-letter log
	// and the reconciliation checkpoint.
	StatePath string `mapstructure:"state_path"`

	// Embedding provider.
	EmbedBaseURL string `mapstructure:"embed_base_url"`
	EmbedAPIKey  string `mapstructure:"embed_api_key"`
	EmbedModel   string `mapstructure:"embed_model"`

	// BatchSize is the maximum number of texts per provider call.
	BatchSize int `mapstructure:"batch_size"`

	// BatchMaxWait bounds how long a partial batch waits before being
	// flushed to the provider.
	BatchMaxWait time.Duration `mapstructure:"batch_max_wait"`

	// ReconciliationInterval is the period between drift-repair sweeps.
	ReconciliationInterval time.Duration `mapstructure:"reconciliation_interval"`

	// MaxRetryAttempts caps retries per job before dead-lettering.
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`

	// RetryBackoffBase is the first retry delay; subsequent delays
	// double, with jitter.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`

	// WorkerConcurrency is the size of the sync worker pool.
	WorkerConcurrency int `mapstructure:"worker_concurrency"`

	// CacheTTL bounds the lifetime of embedding and read-through cache
	// entries.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// QueueDepth is the per-worker bounded queue size. Intake blocks
	// when a queue is full (backpressure, never drop).
	QueueDepth int `mapstructure:"queue_depth"`

	// ReconcilePageSize is the scan page size for sweeps.
	ReconcilePageSize int `mapstructure:"reconcile_page_size"`

	// ListenerUnhealthyAfter is how long the change listener may stay
	// disconnected before the health endpoint reports degraded. The
	// listener keeps reconnecting regardless.
	ListenerUnhealthyAfter time.Duration `mapstructure:"listener_unhealthy_after"`

	// DashboardAddr is the listen address for the operator
	// health/stats/websocket endpoint. Empty disables it.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Default returns the built-in defaults, suitable for local
// development against a single Postgres instance.
func Default() *Config {
	return &Config{
		ChangeChannel:          "entity_changes",
		StatePath:              ".searchsync/state.db",
		EmbedBaseURL:           "http://localhost:11434/v1",
		EmbedModel:             "text-embedding-3-small",
		BatchSize:              16,
		BatchMaxWait:           200 * time.Millisecond,
		ReconciliationInterval: 5 * time.Minute,
		MaxRetryAttempts:       5,
		RetryBackoffBase:       500 * time.Millisecond,
		WorkerConcurrency:      8,
		CacheTTL:               time.Hour,
		QueueDepth:             256,
		ReconcilePageSize:      500,
		ListenerUnhealthyAfter: time.Minute,
		DashboardAddr:          ":8930",
		LogLevel:               "info",
	}
}

// Load reads configuration from the given file (optional; empty means
// search the working directory and /etc/searchsync) plus the
// environment, layered over Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	bindDefaults(v, Default())

	v.SetConfigName("searchsync")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/searchsync")
	}

	v.SetEnvPrefix("SEARCHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env must suffice.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges and required fields.
func (c *Config) Validate() error {
	if c.SourceDSN == "" {
		return fmt.Errorf("config: source_dsn is required")
	}
	if c.IndexDSN == "" {
		return fmt.Errorf("config: index_dsn is required")
	}
	if c.ChangeChannel == "" {
		return fmt.Errorf("config: change_channel is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.BatchMaxWait <= 0 {
		return fmt.Errorf("config: batch_max_wait must be positive, got %s", c.BatchMaxWait)
	}
	if c.ReconciliationInterval <= 0 {
		return fmt.Errorf("config: reconciliation_interval must be positive, got %s", c.ReconciliationInterval)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: max_retry_attempts must be >= 0, got %d", c.MaxRetryAttempts)
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("config: retry_backoff_base must be positive, got %s", c.RetryBackoffBase)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: worker_concurrency must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: cache_ttl must be positive, got %s", c.CacheTTL)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("config: queue_depth must be >= 1, got %d", c.QueueDepth)
	}
	if c.ReconcilePageSize < 1 {
		return fmt.Errorf("config: reconcile_page_size must be >= 1, got %d", c.ReconcilePageSize)
	}
	return nil
}

// bindDefaults registers every field's default so viper.Unmarshal sees
// a complete key set even with no config file present.
func bindDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source_dsn", d.SourceDSN)
	v.SetDefault("index_dsn", d.IndexDSN)
	v.SetDefault("change_channel", d.ChangeChannel)
	v.SetDefault("state_path", d.StatePath)
	v.SetDefault("embed_base_url", d.EmbedBaseURL)
	v.SetDefault("embed_api_key", d.EmbedAPIKey)
	v.SetDefault("embed_model", d.EmbedModel)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("batch_max_wait", d.BatchMaxWait)
	v.SetDefault("reconciliation_interval", d.ReconciliationInterval)
	v.SetDefault("max_retry_attempts", d.MaxRetryAttempts)
	v.SetDefault("retry_backoff_base", d.RetryBackoffBase)
	v.SetDefault("worker_concurrency", d.WorkerConcurrency)
	v.SetDefault("cache_ttl", d.CacheTTL)
	v.SetDefault("queue_depth", d.QueueDepth)
	v.SetDefault("reconcile_page_size", d.ReconcilePageSize)
	v.SetDefault("listener_unhealthy_after", d.ListenerUnhealthyAfter)
	v.SetDefault("dashboard_addr", d.DashboardAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
}
