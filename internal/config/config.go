// Package config defines all configuration for the signal relay.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via RELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Destination DestinationConfig `mapstructure:"destination"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Ranking     RankingConfig     `mapstructure:"ranking"`
	Reprocess   ReprocessConfig   `mapstructure:"reprocess"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the ingress/admin HTTP server.
// AdminToken guards every /admin route and the WebSocket stream.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AdminToken     string   `mapstructure:"admin_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DestinationConfig holds the downstream webhook that approved signals are
// POSTed to.
//
//   - Timeout: hard per-request deadline; an elapsed timeout is a terminal
//     delivery failure, never retried.
//   - RewriteSideToAction: copy "side" into "action" in the outbound body for
//     destinations that only read "action".
type DestinationConfig struct {
	URL                 string        `mapstructure:"url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RewriteSideToAction bool          `mapstructure:"rewrite_side_to_action"`
}

// PipelineConfig tunes the queues and worker pools.
//
//   - InQueueSize: ingress buffer; a full buffer backpressures the webhook
//     before anything is persisted.
//   - DecisionWorkers / ForwardWorkers: pool sizes for admission and delivery.
//   - MaxTransientRetries: bounded re-queues for transient store failures.
//   - ShutdownTimeout: budget for draining both queues on shutdown.
type PipelineConfig struct {
	InQueueSize         int           `mapstructure:"in_queue_size"`
	ApprovedQueueSize   int           `mapstructure:"approved_queue_size"`
	DecisionWorkers     int           `mapstructure:"decision_workers"`
	ForwardWorkers      int           `mapstructure:"forward_workers"`
	MaxTransientRetries int           `mapstructure:"max_transient_retries"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig bounds outbound deliveries with a sliding window.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// RankingConfig tunes the screener fetcher. The screener URL, page depth and
// refresh cadence live on the active strategy row in the store; these are the
// transport-level knobs.
type RankingConfig struct {
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	SourceMaxRPS   float64       `mapstructure:"source_max_rps"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ReprocessConfig bounds one reprocessing cycle.
type ReprocessConfig struct {
	MaxSignalsPerTicker int           `mapstructure:"max_signals_per_ticker"`
	CycleDeadline       time.Duration `mapstructure:"cycle_deadline"`
}

// StoreConfig sets the database DSN. A postgres:// or postgresql:// prefix
// selects the Postgres driver; anything else is treated as a SQLite path.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: RELAY_ADMIN_TOKEN, RELAY_DESTINATION_URL,
// RELAY_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if token := os.Getenv("RELAY_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}
	if url := os.Getenv("RELAY_DESTINATION_URL"); url != "" {
		cfg.Destination.URL = url
	}
	if dsn := os.Getenv("RELAY_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("destination.timeout", 5*time.Second)
	v.SetDefault("pipeline.in_queue_size", 100000)
	v.SetDefault("pipeline.approved_queue_size", 10000)
	v.SetDefault("pipeline.decision_workers", 4)
	v.SetDefault("pipeline.forward_workers", 4)
	v.SetDefault("pipeline.max_transient_retries", 3)
	v.SetDefault("pipeline.shutdown_timeout", 20*time.Second)
	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("ranking.fetch_timeout", 30*time.Second)
	v.SetDefault("ranking.source_max_rps", 1.0)
	v.SetDefault("ranking.request_timeout", 10*time.Second)
	v.SetDefault("reprocess.max_signals_per_ticker", 10)
	v.SetDefault("reprocess.cycle_deadline", 30*time.Second)
	v.SetDefault("store.dsn", "data/relay.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.AdminToken == "" {
		return fmt.Errorf("server.admin_token is required (set RELAY_ADMIN_TOKEN)")
	}
	if c.Destination.URL == "" {
		return fmt.Errorf("destination.url is required (set RELAY_DESTINATION_URL)")
	}
	if c.Destination.Timeout <= 0 {
		return fmt.Errorf("destination.timeout must be > 0")
	}
	if c.Pipeline.InQueueSize <= 0 {
		return fmt.Errorf("pipeline.in_queue_size must be > 0")
	}
	if c.Pipeline.ApprovedQueueSize <= 0 {
		return fmt.Errorf("pipeline.approved_queue_size must be > 0")
	}
	if c.Pipeline.DecisionWorkers <= 0 {
		return fmt.Errorf("pipeline.decision_workers must be > 0")
	}
	if c.Pipeline.ForwardWorkers <= 0 {
		return fmt.Errorf("pipeline.forward_workers must be > 0")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}
