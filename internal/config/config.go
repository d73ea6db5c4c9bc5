// Package config loads and validates analyzer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/discovery/fs"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pool"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/local"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/s3"
)

// EnvPrefix prefixes every environment override, e.g. ANALYZER_POOL_MAX_WORKERS.
const EnvPrefix = "ANALYZER"

// Storage backends accepted by the output and snapshot sections.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
)

// Run repository backends.
const (
	DatabaseNone     = "none"
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderDryRun    = "dryrun"
)

// Config captures all analyzer configuration knobs loaded via Viper.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Discovery fs.Config       `mapstructure:"discovery"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Model     ModelConfig     `mapstructure:"model"`
	Output    BlobConfig      `mapstructure:"output"`
	Snapshot  BlobConfig      `mapstructure:"snapshot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Run       RunConfig       `mapstructure:"run"`
}

// PoolConfig sizes the adaptive worker pool.
type PoolConfig struct {
	MaxWorkers          int           `mapstructure:"max_workers"`
	InitialWorkers      int           `mapstructure:"initial_workers"`
	UseDynamicPool      bool          `mapstructure:"use_dynamic_pool"`
	ShutdownJoinTimeout time.Duration `mapstructure:"shutdown_join_timeout"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	DequeueTimeout      time.Duration `mapstructure:"dequeue_timeout"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
}

// RateLimitConfig expresses the upstream budget as calls per minute.
type RateLimitConfig struct {
	APIRateLimit      int `mapstructure:"api_rate_limit"`
	RateWindowSeconds int `mapstructure:"rate_window_seconds"`
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
}

// MetadataConfig locates the durable per-group documents.
type MetadataConfig struct {
	Dir             string        `mapstructure:"dir"`
	StaleLockAfter  time.Duration `mapstructure:"stale_lock_after"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
}

// TasksConfig picks the catalog file and the task types to run.
type TasksConfig struct {
	// Catalog is a YAML file; empty uses the built-in catalog.
	Catalog  string   `mapstructure:"catalog"`
	Selected []string `mapstructure:"selected"`
}

// ModelConfig selects the model client and its default profile.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// BlobConfig selects a blob backend and carries the settings of each.
type BlobConfig struct {
	Backend     string       `mapstructure:"backend"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
	GCS         gcs.Config   `mapstructure:"gcs"`
	S3          s3.Config    `mapstructure:"s3"`
}

// DatabaseConfig selects where run summaries are recorded.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ProjectID  string `mapstructure:"project_id"`
	ItemsTopic string `mapstructure:"items_topic"`
	RunsTopic  string `mapstructure:"runs_topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Buffer      int           `mapstructure:"buffer"`
	Batch       int           `mapstructure:"batch"`
	Wait        time.Duration `mapstructure:"wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEvents   bool          `mapstructure:"log_events"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunConfig holds per-run switches.
type RunConfig struct {
	Force bool `mapstructure:"force"`
}

// EngineOptions is the flat option set the processing core recognizes.
type EngineOptions struct {
	MaxWorkers          int
	InitialWorkers      int
	APIRateLimit        int
	RateWindowSeconds   int
	MaxRetries          int
	InitialRetryDelay   time.Duration
	MaxRetryDelay       time.Duration
	UseDynamicPool      bool
	ShutdownJoinTimeout time.Duration
}

// Load builds a Config from disk/environment. Environment overrides only
// apply to keys that carry a default.
func Load(path string) (Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with explicit key overrides, typically from
// command-line flags, which win over the file and the environment.
func LoadWithOverrides(path string, overrides map[string]any) (Config, error) {
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
	for key, value := range overrides {
		v.Set(key, value)
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
	v.SetDefault("pool.max_workers", 4)
	v.SetDefault("pool.initial_workers", 1)
	v.SetDefault("pool.use_dynamic_pool", true)
	v.SetDefault("pool.shutdown_join_timeout", "30s")
	v.SetDefault("pool.monitor_interval", "5s")
	v.SetDefault("pool.dequeue_timeout", "2s")
	v.SetDefault("pool.queue_capacity", 1024)
	v.SetDefault("rate_limit.api_rate_limit", 50)
	v.SetDefault("rate_limit.rate_window_seconds", 10)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_retry_delay", "1s")
	v.SetDefault("retry.max_retry_delay", "60s")
	v.SetDefault("metadata.dir", "data/metadata")
	v.SetDefault("metadata.stale_lock_after", "6h")
	v.SetDefault("metadata.checkpoint_every", 25)
	v.SetDefault("discovery.root", "data/input")
	v.SetDefault("discovery.extensions", []string{".txt", ".md"})
	v.SetDefault("discovery.max_bytes", 1<<20)
	v.SetDefault("model.provider", ProviderAnthropic)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.model", "claude-3-5-sonnet-latest")
	v.SetDefault("model.max_tokens", 1024)
	v.SetDefault("model.temperature", 0.2)
	v.SetDefault("output.backend", BackendLocal)
	v.SetDefault("output.content_type", "text/plain; charset=utf-8")
	v.SetDefault("output.local.base_dir", "data/output")
	v.SetDefault("snapshot.backend", BackendNone)
	v.SetDefault("snapshot.content_type", "application/json")
	v.SetDefault("snapshot.local.prefix", "snapshots")
	v.SetDefault("snapshot.gcs.prefix", "snapshots")
	v.SetDefault("snapshot.s3.prefix", "snapshots")
	v.SetDefault("snapshot.s3.use_ssl", true)
	v.SetDefault("database.backend", DatabaseMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.items_topic", "analysis-items")
	v.SetDefault("pubsub.runs_topic", "analysis-runs")
	v.SetDefault("progress.buffer", 4096)
	v.SetDefault("progress.batch", 200)
	v.SetDefault("progress.wait", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "realtime-cpi-analyzer")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("run.force", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be > 0")
	}
	if c.Pool.InitialWorkers <= 0 || c.Pool.InitialWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.initial_workers must be between 1 and pool.max_workers")
	}
	if c.Pool.ShutdownJoinTimeout < 0 {
		return fmt.Errorf("pool.shutdown_join_timeout must be >= 0")
	}
	if c.RateLimit.APIRateLimit <= 0 {
		return fmt.Errorf("rate_limit.api_rate_limit must be > 0")
	}
	if c.RateLimit.RateWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.rate_window_seconds must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.InitialRetryDelay <= 0 {
		return fmt.Errorf("retry.initial_retry_delay must be > 0")
	}
	if c.Retry.MaxRetryDelay < c.Retry.InitialRetryDelay {
		return fmt.Errorf("retry.max_retry_delay must be >= retry.initial_retry_delay")
	}
	if c.Metadata.Dir == "" {
		return fmt.Errorf("metadata.dir must be set")
	}
	if c.Discovery.Root == "" {
		return fmt.Errorf("discovery.root must be set")
	}
	switch c.Model.Provider {
	case ProviderAnthropic:
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key must be set for the anthropic provider")
		}
	case ProviderDryRun:
	default:
		return fmt.Errorf("model.provider %q is not supported", c.Model.Provider)
	}
	if err := c.Output.validate("output"); err != nil {
		return err
	}
	if err := c.Snapshot.validate("snapshot"); err != nil {
		return err
	}
	switch c.Database.Backend {
	case DatabaseNone, DatabaseMemory:
	case DatabasePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (b BlobConfig) validate(section string) error {
	switch b.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if b.Local.BaseDir == "" {
			return fmt.Errorf("%s.local.base_dir must be set", section)
		}
	case BackendGCS:
		if b.GCS.Bucket == "" {
			return fmt.Errorf("%s.gcs.bucket must be set", section)
		}
	case BackendS3:
		if b.S3.Endpoint == "" || b.S3.Bucket == "" {
			return fmt.Errorf("%s.s3.endpoint and %s.s3.bucket must be set", section, section)
		}
	default:
		return fmt.Errorf("%s.backend %q is not supported", section, b.Backend)
	}
	return nil
}

// ToEngine flattens the core options.
func (c Config) ToEngine() EngineOptions {
	return EngineOptions{
		MaxWorkers:          c.Pool.MaxWorkers,
		InitialWorkers:      c.Pool.InitialWorkers,
		APIRateLimit:        c.RateLimit.APIRateLimit,
		RateWindowSeconds:   c.RateLimit.RateWindowSeconds,
		MaxRetries:          c.Retry.MaxRetries,
		InitialRetryDelay:   c.Retry.InitialRetryDelay,
		MaxRetryDelay:       c.Retry.MaxRetryDelay,
		UseDynamicPool:      c.Pool.UseDynamicPool,
		ShutdownJoinTimeout: c.Pool.ShutdownJoinTimeout,
	}
}

// PoolConfig builds the worker pool settings, falling back to pool defaults
// for the timing knobs left at zero.
func (c Config) PoolConfig() pool.Config {
	pc := pool.DefaultConfig()
	pc.MaxWorkers = c.Pool.MaxWorkers
	pc.InitialWorkers = c.Pool.InitialWorkers
	if c.Pool.QueueCapacity > 0 {
		pc.QueueCapacity = c.Pool.QueueCapacity
	}
	if c.Pool.MonitorInterval > 0 {
		pc.MonitorInterval = c.Pool.MonitorInterval
	}
	if c.Pool.DequeueTimeout > 0 {
		pc.DequeueTimeout = c.Pool.DequeueTimeout
	}
	if c.Pool.ShutdownJoinTimeout > 0 {
		pc.JoinTimeout = c.Pool.ShutdownJoinTimeout
	}
	return pc
}

// RateLimit converts calls per minute into a burst-window cap.
func (e EngineOptions) RateLimit() ratelimit.Config {
	window := time.Duration(e.RateWindowSeconds) * time.Second
	return ratelimit.Config{
		MaxCalls: ratelimit.MaxCallsFor(e.APIRateLimit, window),
		Window:   window,
	}
}

// Retry returns the retry policy settings.
func (e EngineOptions) Retry() retry.Config {
	return retry.Config{
		InitialDelay: e.InitialRetryDelay,
		MaxDelay:     e.MaxRetryDelay,
		MaxRetries:   e.MaxRetries,
	}
}
