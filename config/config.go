package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the autopilot system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// PlatformConfig points at the ad platform gateway used for ingestion and
// action execution.
type PlatformConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// PipelineConfig tunes the autopilot decision pipeline.
type PipelineConfig struct {
	Workers           int           `mapstructure:"workers"`
	InterCallPause    time.Duration `mapstructure:"inter_call_pause"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	WatchdogThreshold time.Duration `mapstructure:"watchdog_threshold"`

	BaselineWindowWeeks int     `mapstructure:"baseline_window_weeks"`
	PrimaryThresholdPct float64 `mapstructure:"primary_threshold_pct"`
	SecondaryThreshold  float64 `mapstructure:"secondary_threshold_pct"`
	MinWeeklySpend      float64 `mapstructure:"min_weekly_spend"`

	CorrelationMinSamples  int           `mapstructure:"correlation_min_samples"`
	CorrelationCacheTTL    time.Duration `mapstructure:"correlation_cache_ttl"`
	BurnoutActionThreshold float64       `mapstructure:"burnout_action_threshold"`
	DangerousThreshold     float64       `mapstructure:"dangerous_threshold"`

	ProposalTTL    time.Duration `mapstructure:"proposal_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// Validate checks pipeline bounds that would otherwise stall or flood the batch.
func (p PipelineConfig) Validate() error {
	if p.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if p.BaselineWindowWeeks < 2 {
		return fmt.Errorf("pipeline.baseline_window_weeks must be >= 2")
	}
	if p.PrimaryThresholdPct <= 0 || p.SecondaryThreshold <= 0 {
		return fmt.Errorf("pipeline thresholds must be > 0")
	}
	if p.BurnoutActionThreshold <= 0 || p.BurnoutActionThreshold > 1 {
		return fmt.Errorf("pipeline.burnout_action_threshold must be in (0,1]")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogFile     string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns the host:port address for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.inter_call_pause", "500ms")
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.retry_backoff", "2s")
	viper.SetDefault("pipeline.watchdog_threshold", "10m")
	viper.SetDefault("pipeline.baseline_window_weeks", 8)
	viper.SetDefault("pipeline.primary_threshold_pct", 30.0)
	viper.SetDefault("pipeline.secondary_threshold_pct", 15.0)
	viper.SetDefault("pipeline.min_weekly_spend", 5.0)
	viper.SetDefault("pipeline.correlation_min_samples", 20)
	viper.SetDefault("pipeline.correlation_cache_ttl", "6h")
	viper.SetDefault("pipeline.burnout_action_threshold", 0.7)
	viper.SetDefault("pipeline.dangerous_threshold", 0.85)
	viper.SetDefault("pipeline.proposal_ttl", "24h")
	viper.SetDefault("pipeline.idempotency_ttl", "24h")
	viper.SetDefault("platform.timeout", "30s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ADPILOT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (ADPILOT_*)

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
