// Package config loads and validates catalog service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/instrument-catalog/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig       `mapstructure:"application"`
	Server      ServerConfig            `mapstructure:"server"`
	Auth        AuthConfig              `mapstructure:"auth"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	Engine      EngineConfig            `mapstructure:"engine"`
	RateLimit   RateLimitConfig         `mapstructure:"rate_limit"`
	HTTP        HTTPConfig              `mapstructure:"http"`
	Headless    HeadlessConfig          `mapstructure:"headless"`
	Storage     StorageConfig           `mapstructure:"storage"`
	Database    DatabaseConfig          `mapstructure:"database"`
	PubSub      PubSubConfig            `mapstructure:"pubsub"`
	Progress    ProgressConfig          `mapstructure:"progress"`
	Sources     map[string]SourceConfig `mapstructure:"sources"`
}

// ApplicationConfig describes the service for telemetry resources.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EngineConfig governs run execution.
type EngineConfig struct {
	Workers         int      `mapstructure:"workers"`
	MaxAttempts     int      `mapstructure:"max_attempts"`
	RetryDelayMs    int      `mapstructure:"retry_delay_ms"`
	CheckpointEvery int      `mapstructure:"checkpoint_every"`
	QueueDepth      int      `mapstructure:"queue_depth"`
	DefaultCap      int      `mapstructure:"default_cap"`
	DefaultMaxDepth int      `mapstructure:"default_max_depth"`
	SourcePriority  []string `mapstructure:"source_priority"`
	ArchiveRaw      bool     `mapstructure:"archive_raw"`
	ShutdownGraceMs int      `mapstructure:"shutdown_grace_ms"`
}

// RateLimitConfig sets the default spacing between requests to one source.
type RateLimitConfig struct {
	DefaultIntervalMs int `mapstructure:"default_interval_ms"`
}

// HTTPConfig configures outbound HTTP requests.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// HeadlessConfig configures the browser rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects where raw payloads are archived.
type StorageConfig struct {
	Backend     string       `mapstructure:"backend"`
	Bucket      string       `mapstructure:"bucket"`
	Prefix      string       `mapstructure:"prefix"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
}

// DatabaseConfig selects and tunes the catalog store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig tunes hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// Source kinds understood by the composition root.
const (
	SourceKindJSONAPI = "json_api"
	SourceKindHTML    = "html"
)

// SourceConfig describes one external source: how to reach it, how to
// partition it, and how to map its payloads to catalog fields.
type SourceConfig struct {
	Kind string `mapstructure:"kind"`
	// EntityKind makes this source enrich entities identified under another
	// source's kind instead of creating its own.
	EntityKind    string        `mapstructure:"entity_kind"`
	MinIntervalMs int           `mapstructure:"min_interval_ms"`
	Cap           int           `mapstructure:"cap"`
	MaxDepth      *int          `mapstructure:"max_depth"`
	Alphabet      []string      `mapstructure:"alphabet"`
	JSONAPI       JSONAPIConfig `mapstructure:"json_api"`
	HTML          HTMLConfig    `mapstructure:"html"`
	Mapping       MappingConfig `mapstructure:"mapping"`
}

// JSONAPIConfig configures a paginated JSON search endpoint.
type JSONAPIConfig struct {
	Endpoint     string            `mapstructure:"endpoint"`
	Method       string            `mapstructure:"method"`
	BearerToken  string            `mapstructure:"bearer_token"`
	Headers      map[string]string `mapstructure:"headers"`
	BodyTemplate string            `mapstructure:"body_template"`
	PageSize     int               `mapstructure:"page_size"`
	PrefixPath   string            `mapstructure:"prefix_path"`
	OffsetPath   string            `mapstructure:"offset_path"`
	PageSizePath string            `mapstructure:"page_size_path"`
	ItemsPath    string            `mapstructure:"items_path"`
	TotalPath    string            `mapstructure:"total_path"`
	KeyPath      string            `mapstructure:"key_path"`
}

// HTMLConfig configures a server-rendered or browser-rendered catalog page.
type HTMLConfig struct {
	URLTemplate   string            `mapstructure:"url_template"`
	RowSelector   string            `mapstructure:"row_selector"`
	KeyField      string            `mapstructure:"key_field"`
	Fields        map[string]string `mapstructure:"fields"`
	CountSelector string            `mapstructure:"count_selector"`
	Render        bool              `mapstructure:"render"`
}

// MappingConfig maps payload paths to catalog fields.
type MappingConfig struct {
	KeyPath          string             `mapstructure:"key_path"`
	Confidence       float64            `mapstructure:"confidence"`
	Fields           map[string]string  `mapstructure:"fields"`
	UnderlyingsPath  string             `mapstructure:"underlyings_path"`
	UnderlyingFields map[string]string  `mapstructure:"underlying_fields"`
	FieldConfidence  map[string]float64 `mapstructure:"field_confidence"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
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
	v.SetDefault("application.service_name", "instrument-catalog")
	v.SetDefault("application.version", "dev")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("engine.workers", 12)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_delay_ms", 5000)
	v.SetDefault("engine.checkpoint_every", 25)
	v.SetDefault("engine.queue_depth", 256)
	v.SetDefault("engine.default_cap", 10000)
	v.SetDefault("engine.default_max_depth", 4)
	v.SetDefault("engine.archive_raw", false)
	v.SetDefault("engine.shutdown_grace_ms", 10000)
	v.SetDefault("rate_limit.default_interval_ms", 100)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "instrument-catalog/0.1")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "catalog.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be > 0")
	}
	if c.Engine.CheckpointEvery <= 0 {
		return fmt.Errorf("engine.checkpoint_every must be > 0")
	}
	if c.Engine.DefaultCap <= 0 {
		return fmt.Errorf("engine.default_cap must be > 0")
	}
	if c.Engine.DefaultMaxDepth < 0 {
		return fmt.Errorf("engine.default_max_depth must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "", "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	for name, src := range c.Sources {
		if err := src.validate(name, c.Headless.Enabled); err != nil {
			return err
		}
	}
	return nil
}

func (s SourceConfig) validate(name string, headless bool) error {
	prefix := "sources." + name
	switch s.Kind {
	case SourceKindJSONAPI:
		if s.JSONAPI.Endpoint == "" {
			return fmt.Errorf("%s.json_api.endpoint is required", prefix)
		}
		if s.JSONAPI.ItemsPath == "" || s.JSONAPI.TotalPath == "" {
			return fmt.Errorf("%s.json_api.items_path and total_path are required", prefix)
		}
	case SourceKindHTML:
		if s.HTML.URLTemplate == "" || s.HTML.RowSelector == "" {
			return fmt.Errorf("%s.html.url_template and row_selector are required", prefix)
		}
		if s.HTML.Render && !headless {
			return fmt.Errorf("%s.html.render requires headless.enabled", prefix)
		}
	default:
		return fmt.Errorf("%s.kind %q is not supported", prefix, s.Kind)
	}
	if s.Mapping.KeyPath == "" {
		return fmt.Errorf("%s.mapping.key_path is required", prefix)
	}
	if s.EntityKind == name {
		return fmt.Errorf("%s.entity_kind must name another source", prefix)
	}
	if s.Cap < 0 || (s.MaxDepth != nil && *s.MaxDepth < 0) || s.MinIntervalMs < 0 {
		return fmt.Errorf("%s cap, max_depth and min_interval_ms must be >= 0", prefix)
	}
	return nil
}

// EntityKinds maps each source that enriches another source's entities to
// that source's kind.
func (c Config) EntityKinds() map[string]string {
	out := make(map[string]string)
	for name, src := range c.Sources {
		if src.EntityKind != "" {
			out[name] = src.EntityKind
		}
	}
	return out
}

// RetryDelay converts the configured retry delay.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Engine.RetryDelayMs) * time.Millisecond
}

// RequestTimeout converts the outbound HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SourceInterval returns the minimum spacing for source, falling back to the
// rate limit default.
func (c Config) SourceInterval(name string) time.Duration {
	if src, ok := c.Sources[name]; ok && src.MinIntervalMs > 0 {
		return time.Duration(src.MinIntervalMs) * time.Millisecond
	}
	return time.Duration(c.RateLimit.DefaultIntervalMs) * time.Millisecond
}
