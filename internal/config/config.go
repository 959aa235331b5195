package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "GSYNC"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
	Release     string `mapstructure:"release"`
}

type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	ChunkSizeDays           int           `mapstructure:"chunk_size_days"`
	InterChunkDelay         time.Duration `mapstructure:"inter_chunk_delay"`
	IncrementalFallbackDays int           `mapstructure:"incremental_fallback_days"`
	FutureBufferDays        int           `mapstructure:"future_buffer_days"`
	MaxRangeDays            int           `mapstructure:"max_range_days"`
	MinutesPerChunk         float64       `mapstructure:"minutes_per_chunk"`

	// Runner is "local" or "temporal".
	Runner        string        `mapstructure:"runner"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	ServerPort  string `mapstructure:"server_port"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	// AllowedOrigins feeds the CORS handler.
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	Log            LogConfig      `mapstructure:"log"`
	Sentry         SentryConfig   `mapstructure:"sentry"`
	Provider       ProviderConfig `mapstructure:"provider"`
	Sync           SyncConfig     `mapstructure:"sync"`
	Temporal       TemporalConfig `mapstructure:"temporal"`
}

const (
	RunnerLocal    = "local"
	RunnerTemporal = "temporal"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("server_port", "8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.release", "")

	v.SetDefault("provider.name", "garmin")
	v.SetDefault("provider.base_url", "http://localhost:8000")
	v.SetDefault("provider.timeout", 120*time.Second)

	v.SetDefault("sync.chunk_size_days", 7)
	v.SetDefault("sync.inter_chunk_delay", 2*time.Second)
	v.SetDefault("sync.incremental_fallback_days", 7)
	v.SetDefault("sync.future_buffer_days", 1)
	v.SetDefault("sync.max_range_days", 3660)
	v.SetDefault("sync.minutes_per_chunk", 0.5)
	v.SetDefault("sync.runner", RunnerLocal)
	v.SetDefault("sync.stale_after", 15*time.Minute)
	v.SetDefault("sync.sweep_interval", time.Minute)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "GARMIN_SYNC")
}

// Load reads config.yaml from . or ./config when present, then applies
// GSYNC_ environment overrides (a .env file is loaded first).
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url must be set")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must be set")
	}
	if c.Sync.ChunkSizeDays < 1 {
		return fmt.Errorf("sync.chunk_size_days must be at least 1, got %d", c.Sync.ChunkSizeDays)
	}
	if c.Sync.InterChunkDelay < 0 {
		return errors.New("sync.inter_chunk_delay must not be negative")
	}
	switch c.Sync.Runner {
	case RunnerLocal, RunnerTemporal:
	default:
		return fmt.Errorf("sync.runner must be %q or %q, got %q", RunnerLocal, RunnerTemporal, c.Sync.Runner)
	}
	return nil
}
