// Package config loads the service configuration from YAML with
// environment overrides. Precedence is environment over file over
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Sources  []SourceConfig `yaml:"sources"`
	Assets   []AssetConfig  `yaml:"assets"`
	Refresh  RefreshConfig  `yaml:"refresh"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host              string `yaml:"host" env:"ORACLE_SERVER_HOST"`
	Port              int    `yaml:"port" env:"ORACLE_SERVER_PORT"`
	RequestsPerSecond int    `yaml:"requests_per_second" env:"ORACLE_SERVER_RPS"`
	Burst             int    `yaml:"burst" env:"ORACLE_SERVER_BURST"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"ORACLE_LOG_LEVEL"`
	Format     string `yaml:"format" env:"ORACLE_LOG_FORMAT"`
	Output     string `yaml:"output" env:"ORACLE_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"ORACLE_LOG_FILE_PREFIX"`
}

// DatabaseConfig selects the snapshot store backend. An empty DSN keeps
// the history in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"ORACLE_DATABASE_DSN"`
}

// AdminConfig carries the pre-shared administrative token. An empty
// token disables every administrative endpoint.
type AdminConfig struct {
	Token string `yaml:"token" env:"ORACLE_ADMIN_TOKEN"`
}

// OracleConfig seeds the engine's global settings.
type OracleConfig struct {
	MaxPriceAgeSeconds           int64  `yaml:"max_price_age_seconds" env:"ORACLE_MAX_PRICE_AGE_SECONDS"`
	StalenessCheckEnabled        bool   `yaml:"staleness_check_enabled" env:"ORACLE_STALENESS_CHECK"`
	DeviationThresholdBps        uint64 `yaml:"deviation_threshold_bps" env:"ORACLE_DEVIATION_BPS"`
	ExtremeDeviationThresholdBps uint64 `yaml:"extreme_deviation_threshold_bps" env:"ORACLE_EXTREME_DEVIATION_BPS"`
	CircuitBreakerEnabled        bool   `yaml:"circuit_breaker_enabled" env:"ORACLE_CIRCUIT_BREAKER"`
	CircuitBreakerCooldownSecs   int64  `yaml:"circuit_breaker_cooldown_seconds" env:"ORACLE_BREAKER_COOLDOWN_SECONDS"`
	MaxConvergenceSteps          uint64 `yaml:"max_convergence_steps" env:"ORACLE_MAX_CONVERGENCE_STEPS"`
	FreshCacheWindowSeconds      int64  `yaml:"fresh_cache_window_seconds" env:"ORACLE_FRESH_CACHE_SECONDS"`
}

// SourceConfig describes one upstream HTTP feed.
type SourceConfig struct {
	Name          string            `yaml:"name"`
	Endpoint      string            `yaml:"endpoint"`
	APIKey        string            `yaml:"api_key"`
	ValuePath     string            `yaml:"value_path"`
	ExponentPath  string            `yaml:"exponent_path"`
	TimestampPath string            `yaml:"timestamp_path"`
	Decimals      uint8             `yaml:"decimals"`
	Feeds         map[string]string `yaml:"feeds"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	TimeoutMS     int               `yaml:"timeout_ms"`
}

// AssetConfig routes an asset onto registered sources.
type AssetConfig struct {
	Asset   string `yaml:"asset"`
	Primary string `yaml:"primary"`
	Backup  string `yaml:"backup"`
	FeedID  string `yaml:"feed_id"`
}

// RefreshConfig controls the background refresher.
type RefreshConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ORACLE_REFRESH_ENABLED"`
	Schedule string `yaml:"schedule" env:"ORACLE_REFRESH_SCHEDULE"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Oracle: OracleConfig{
			MaxPriceAgeSeconds:           3600,
			DeviationThresholdBps:        1000,
			ExtremeDeviationThresholdBps: 2000,
			CircuitBreakerEnabled:        true,
			CircuitBreakerCooldownSecs:   3600,
			MaxConvergenceSteps:          10,
			FreshCacheWindowSeconds:      30,
		},
		Refresh: RefreshConfig{
			Schedule: "@every 15s",
		},
	}
}

// MaxPriceAge returns the staleness bound as a duration.
func (o OracleConfig) MaxPriceAge() time.Duration {
	return time.Duration(o.MaxPriceAgeSeconds) * time.Second
}

// CircuitBreakerCooldown returns the cooldown as a duration.
func (o OracleConfig) CircuitBreakerCooldown() time.Duration {
	return time.Duration(o.CircuitBreakerCooldownSecs) * time.Second
}

// FreshCacheWindow returns the smart-update window as a duration.
func (o OracleConfig) FreshCacheWindow() time.Duration {
	return time.Duration(o.FreshCacheWindowSeconds) * time.Second
}

// Load reads configuration from the file named by ORACLE_CONFIG (when
// set), then applies .env and environment overrides, then validates.
func Load() (*Config, error) {
	// .env is a local development convenience; a missing file is fine.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("ORACLE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML configuration file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate rejects configurations the engine would refuse at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Oracle.DeviationThresholdBps == 0 {
		return fmt.Errorf("deviation threshold must be positive")
	}
	if c.Oracle.ExtremeDeviationThresholdBps <= c.Oracle.DeviationThresholdBps {
		return fmt.Errorf("extreme threshold must exceed deviation threshold")
	}
	if c.Oracle.MaxPriceAgeSeconds < 60 || c.Oracle.MaxPriceAgeSeconds > 86400 {
		return fmt.Errorf("max price age %ds outside [60, 86400]", c.Oracle.MaxPriceAgeSeconds)
	}
	if c.Oracle.MaxConvergenceSteps == 0 {
		return fmt.Errorf("max convergence steps must be positive")
	}
	names := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source name required")
		}
		if _, dup := names[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		names[src.Name] = struct{}{}
	}
	for _, asset := range c.Assets {
		if asset.Asset == "" {
			return fmt.Errorf("asset key required")
		}
		if asset.Primary != "" {
			if _, ok := names[asset.Primary]; !ok {
				return fmt.Errorf("asset %s references unknown primary source %q", asset.Asset, asset.Primary)
			}
		}
		if asset.Backup != "" {
			if _, ok := names[asset.Backup]; !ok {
				return fmt.Errorf("asset %s references unknown backup source %q", asset.Asset, asset.Backup)
			}
		}
	}
	return nil
}
