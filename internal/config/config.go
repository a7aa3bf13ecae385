// Package config loads the YAML configuration for the bar archiver, with
// environment-specific files and environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the archiver.
type Config struct {
	Connection      Connection      `yaml:"connection"`
	Gateway         Gateway         `yaml:"gateway"`
	RateLimit       RateLimit       `yaml:"rate_limit"`
	Retry           Retry           `yaml:"retry"`
	Validation      Validation      `yaml:"validation"`
	FailureHandling FailureHandling `yaml:"failure_handling"`
	Logging         Logging         `yaml:"logging"`
	Storage         Storage         `yaml:"storage"`
	Calendar        Calendar        `yaml:"calendar"`
}

// Connection holds gateway endpoint and resilience settings.
type Connection struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ClientID             int    `yaml:"client_id"`
	TimeoutSeconds       int    `yaml:"timeout"`
	ReconnectionAttempts int    `yaml:"reconnection_attempts"`
}

// Timeout returns the connection timeout as a duration.
func (c Connection) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Gateway selects and configures the market-data provider.
type Gateway struct {
	Provider  string `yaml:"provider"` // "alpaca"
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// RateLimit controls the pacing of gateway requests.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Window derives the minimum interval between requests. Defaults to the
// gateway's historical-data pacing interval of 10s.
func (r RateLimit) Window() time.Duration {
	if r.RequestsPerSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(float64(time.Second) / r.RequestsPerSecond)
}

// Retry bounds the fetcher's in-request retry loop.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts"`
	WaitSeconds int `yaml:"wait_seconds"`
}

// Wait returns the inter-retry sleep as a duration.
func (r Retry) Wait() time.Duration {
	return time.Duration(r.WaitSeconds) * time.Second
}

// Validation configures expected bar counts per day type.
type Validation struct {
	ExpectedBars ExpectedBars `yaml:"expected_bars"`
}

// ExpectedBars holds the one-minute bar counts the validator accepts.
type ExpectedBars struct {
	RegularDay int   `yaml:"regular_day"`
	EarlyClose []int `yaml:"early_close"`
	Holiday    int   `yaml:"holiday"`
}

// FailureHandling configures the smart-retry policy.
type FailureHandling struct {
	MaxConsecutiveNoDataDays int `yaml:"max_consecutive_no_data_days"`
	MaxRetriesPerDate        int `yaml:"max_retries_per_date"`
}

// Logging configures the application logger.
type Logging struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	BackupCount int    `yaml:"backup_count"`
}

// Storage holds paths and the day-file format.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	LogDir      string `yaml:"log_dir"`
	TickersFile string `yaml:"tickers_file"`
	Format      string `yaml:"format"` // "csv" (default) or "parquet"
}

// Calendar selects the exchange calendar.
type Calendar struct {
	Exchange string `yaml:"exchange"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// DetectEnvironment resolves the target environment: IBD_ENVIRONMENT, then
// ENVIRONMENT, then "dev".
func DetectEnvironment() string {
	if v := os.Getenv("IBD_ENVIRONMENT"); v != "" {
		return v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "dev"
}

// LoadEnvironment reads config/settings-<env>.yaml from configDir, falling
// back to config/settings.yaml when the environment-specific file is absent.
func LoadEnvironment(configDir, env string) (*Config, error) {
	envPath := filepath.Join(configDir, fmt.Sprintf("settings-%s.yaml", env))
	if _, err := os.Stat(envPath); err == nil {
		return Load(envPath)
	}
	return Load(filepath.Join(configDir, "settings.yaml"))
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Connection.ReconnectionAttempts <= 0 {
		cfg.Connection.ReconnectionAttempts = 3
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.WaitSeconds <= 0 {
		cfg.Retry.WaitSeconds = 5
	}
	if cfg.Validation.ExpectedBars.RegularDay <= 0 {
		cfg.Validation.ExpectedBars.RegularDay = 390
	}
	if len(cfg.Validation.ExpectedBars.EarlyClose) == 0 {
		cfg.Validation.ExpectedBars.EarlyClose = []int{360, 210}
	}
	if cfg.FailureHandling.MaxConsecutiveNoDataDays <= 0 {
		cfg.FailureHandling.MaxConsecutiveNoDataDays = 10
	}
	if cfg.FailureHandling.MaxRetriesPerDate <= 0 {
		cfg.FailureHandling.MaxRetriesPerDate = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.LogDir == "" {
		cfg.Storage.LogDir = "logs"
	}
	if cfg.Storage.TickersFile == "" {
		cfg.Storage.TickersFile = filepath.Join("config", "tickers.csv")
	}
	if cfg.Storage.Format == "" {
		cfg.Storage.Format = "csv"
	}
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = "alpaca"
	}
	if cfg.Calendar.Exchange == "" {
		cfg.Calendar.Exchange = "NYSE"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IBD_HOST"); v != "" {
		cfg.Connection.Host = v
	}
	if v := os.Getenv("IBD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Connection.Port = port
		}
	}
	if v := os.Getenv("IBD_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Connection.ClientID = id
		}
	}
	if v := os.Getenv("IBD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IBD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Gateway.APISecret = v
	}
}
