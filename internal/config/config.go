package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// Config holds the runtime configuration of the orchestrator daemon. It
// covers process-level concerns only; the scientific pipeline parameters
// live in the TOML document handled by internal/schema.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"TOMOPIPE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"TOMOPIPE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Pipeline configuration file
	PipelineConfig string `env:"TOMOPIPE_PIPELINE_CONFIG" envDefault:"pipeline.toml"`

	// Per-dataset work directories are created under WorkDir
	WorkDir string `env:"TOMOPIPE_WORK_DIR" envDefault:"work"`

	// State persistence
	State StateConfig

	// Redis configuration (state backend and event bus)
	Redis RedisConfig

	// Raw data watching
	Watcher WatcherConfig

	// Stage retry and timeout policy
	Stages StageConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// StateConfig selects and parameterizes the durable state backend.
type StateConfig struct {
	// Backend is one of "file", "redis" or "memory".
	Backend string `env:"TOMOPIPE_STATE_BACKEND" envDefault:"file"`
	Dir     string `env:"TOMOPIPE_STATE_DIR" envDefault:"state"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// WatcherConfig holds directory polling configuration.
type WatcherConfig struct {
	PollInterval time.Duration `env:"WATCHER_POLL_INTERVAL" envDefault:"30s"`
	// StablePolls is the number of consecutive polls a dataset's image
	// count must stay unchanged before it is considered fully arrived.
	StablePolls int `env:"WATCHER_STABLE_POLLS" envDefault:"2"`
	// OverwriteDuplicates controls how a rediscovered dataset name is
	// handled: overwrite its record or reject the new arrival.
	OverwriteDuplicates bool `env:"WATCHER_OVERWRITE_DUPLICATES" envDefault:"false"`
}

// StageConfig holds the retry policy applied to transient stage failures.
type StageConfig struct {
	MaxAttempts    int           `env:"STAGE_MAX_ATTEMPTS" envDefault:"3"`
	RetryBase      time.Duration `env:"STAGE_RETRY_BASE" envDefault:"5s"`
	RetryCeiling   time.Duration `env:"STAGE_RETRY_CEILING" envDefault:"5m"`
	DefaultTimeout time.Duration `env:"STAGE_DEFAULT_TIMEOUT" envDefault:"1h"`

	// Per-stage overrides for the long-running stages.
	MotionCorrTimeout time.Duration `env:"STAGE_MC_TIMEOUT" envDefault:"30m"`
	ReconTimeout      time.Duration `env:"STAGE_RECON_TIMEOUT" envDefault:"2h"`
}

// TimeoutFor returns the execution timeout for a stage.
func (s StageConfig) TimeoutFor(stage domain.Stage) time.Duration {
	switch stage {
	case domain.StageMotionCorrection:
		return s.MotionCorrTimeout
	case domain.StageReconstruction:
		return s.ReconTimeout
	default:
		return s.DefaultTimeout
	}
}

// TimeoutConfig holds process lifecycle timeouts.
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.State.Backend {
	case "file":
		if c.State.Dir == "" {
			return fmt.Errorf("state directory is required for the file backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid state backend: %s (must be file, redis, or memory)", c.State.Backend)
	}

	if c.WorkDir == "" {
		return fmt.Errorf("work directory is required")
	}

	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher poll interval must be positive")
	}
	if c.Watcher.StablePolls < 1 {
		return fmt.Errorf("watcher stable polls must be at least 1")
	}

	if c.Stages.MaxAttempts < 1 {
		return fmt.Errorf("stage max attempts must be at least 1")
	}
	if c.Stages.RetryBase <= 0 || c.Stages.RetryCeiling < c.Stages.RetryBase {
		return fmt.Errorf("stage retry base must be positive and at most the ceiling")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
