// Package config loads and validates the YAML configuration for the saturn
// analytics platform, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the saturn analytics platform.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Logging  Logging  `yaml:"logging"`
	Engine   Engine   `yaml:"engine"`
	Schedule Schedule `yaml:"schedule"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	SQLitePath string `yaml:"sqlite_path" validate:"required"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// Alpaca holds credentials and endpoints for the Alpaca data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Engine controls backfill planning and pipeline execution.
type Engine struct {
	// DefaultLookbackDays bounds the first-ever global backfill when no
	// snapshot watermark exists yet.
	DefaultLookbackDays int `yaml:"default_lookback_days" validate:"gte=1"`
	// ReferenceSymbols are the factor/benchmark symbols always included in
	// the universe regardless of holdings.
	ReferenceSymbols []string `yaml:"reference_symbols" validate:"min=1"`
	BatchSize        int      `yaml:"batch_size" validate:"gte=1"`
	RateLimitPerMin  int      `yaml:"rate_limit_per_min" validate:"gte=1"`
	// RetentionMinutes is how long a finished run's outcome stays queryable
	// through the status endpoint.
	RetentionMinutes int `yaml:"retention_minutes" validate:"gte=1"`
	// RiskWindowDays is the trailing window for the correlation/risk stage.
	RiskWindowDays int `yaml:"risk_window_days" validate:"gte=2"`
}

// Schedule configures the automatic nightly refresh.
type Schedule struct {
	// RefreshCron is a cron expression for the nightly global refresh.
	// Empty disables scheduling.
	RefreshCron string `yaml:"refresh_cron"`
}

// Default returns a Config with development defaults. Load layers the YAML
// file on top of this, so a minimal file only overrides what differs.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/saturn.db",
		},
		Server: Server{Host: "0.0.0.0", Port: 8085},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Engine: Engine{
			DefaultLookbackDays: 90,
			ReferenceSymbols:    []string{"SPY", "QQQ", "IWM", "TLT", "GLD"},
			BatchSize:           200,
			RateLimitPerMin:     200,
			RetentionMinutes:    120,
			RiskWindowDays:      60,
		},
		Schedule: Schedule{RefreshCron: "30 2 * * *"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it over
// the defaults, applies environment variable overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints on the config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
