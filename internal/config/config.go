// Package config handles configuration for the ingestion service. Values
// are resolved from three sources in priority order: environment variables
// override the JSON config file, which overrides the built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete application configuration.
type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Exchange ExchangeConfig `json:"exchange"`
	Backfill BackfillConfig `json:"backfill"`
	Logging  LoggingConfig  `json:"logging"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Type is "postgres", "duckdb" or "memory".
	Type string `json:"type" env:"STORAGE_TYPE"`

	// DatabaseURL is the postgres connection string or the duckdb file
	// path, depending on Type.
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"`
}

// ExchangeConfig tunes the exchange gateway.
type ExchangeConfig struct {
	// BaseURL overrides the exchange API endpoint, mainly for tests.
	BaseURL string `json:"base_url" env:"EXCHANGE_BASE_URL"`

	// RequestInterval is the minimum delay between API requests.
	RequestInterval string `json:"request_interval" env:"EXCHANGE_REQUEST_INTERVAL"`

	// Timeout is the per-request HTTP timeout.
	Timeout string `json:"timeout" env:"EXCHANGE_TIMEOUT"`
}

// BackfillConfig tunes the backfill engine.
type BackfillConfig struct {
	PageSize               int    `json:"page_size" env:"BACKFILL_PAGE_SIZE"`
	CommitEveryPages       int    `json:"commit_every_pages" env:"BACKFILL_COMMIT_EVERY_PAGES"`
	ErrorSkip              string `json:"error_skip" env:"BACKFILL_ERROR_SKIP"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures" env:"BACKFILL_MAX_CONSECUTIVE_FAILURES"`
	Lookback               string `json:"lookback" env:"BACKFILL_LOOKBACK"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`             // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`           // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"`           // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`     // used when output is "file"
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"`       // MB per file
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"` // rotated files kept
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"`         // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Default returns the built-in defaults: a local DuckDB file and JSON
// logging to stdout.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "./data/ohlcv.db",
		},
		Exchange: ExchangeConfig{
			RequestInterval: "50ms",
			Timeout:         "30s",
		},
		Backfill: BackfillConfig{
			PageSize:               1000,
			CommitEveryPages:       10,
			ErrorSkip:              "24h",
			MaxConsecutiveFailures: 10,
			Lookback:               "720h", // 30 days
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load resolves the configuration from defaults, an optional JSON file and
// environment variables, then validates the result. An empty path skips the
// file layer; a path that does not exist is an error only when it was
// explicitly requested.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("DATABASE_URL", &cfg.Storage.DatabaseURL)

	setString("EXCHANGE_BASE_URL", &cfg.Exchange.BaseURL)
	setString("EXCHANGE_REQUEST_INTERVAL", &cfg.Exchange.RequestInterval)
	setString("EXCHANGE_TIMEOUT", &cfg.Exchange.Timeout)

	setInt("BACKFILL_PAGE_SIZE", &cfg.Backfill.PageSize)
	setInt("BACKFILL_COMMIT_EVERY_PAGES", &cfg.Backfill.CommitEveryPages)
	setString("BACKFILL_ERROR_SKIP", &cfg.Backfill.ErrorSkip)
	setInt("BACKFILL_MAX_CONSECUTIVE_FAILURES", &cfg.Backfill.MaxConsecutiveFailures)
	setString("BACKFILL_LOOKBACK", &cfg.Backfill.Lookback)

	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_OUTPUT", &cfg.Logging.Output)
	setString("LOG_FILE_PATH", &cfg.Logging.FilePath)
	if val := os.Getenv("LOG_COMPRESS"); val != "" {
		cfg.Logging.Compress = val == "true"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Type {
	case "postgres", "duckdb", "memory":
	case "":
		problems = append(problems, "storage.type is required")
	default:
		problems = append(problems, fmt.Sprintf("storage.type %q is not one of: postgres, duckdb, memory", c.Storage.Type))
	}
	if (c.Storage.Type == "postgres" || c.Storage.Type == "duckdb") && c.Storage.DatabaseURL == "" {
		problems = append(problems, "storage.database_url is required for "+c.Storage.Type)
	}

	if _, err := time.ParseDuration(c.Exchange.RequestInterval); err != nil {
		problems = append(problems, fmt.Sprintf("exchange.request_interval is not a valid duration: %v", err))
	}
	if _, err := time.ParseDuration(c.Exchange.Timeout); err != nil {
		problems = append(problems, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}

	if c.Backfill.PageSize <= 0 {
		problems = append(problems, "backfill.page_size must be greater than 0")
	}
	if c.Backfill.CommitEveryPages <= 0 {
		problems = append(problems, "backfill.commit_every_pages must be greater than 0")
	}
	if c.Backfill.MaxConsecutiveFailures <= 0 {
		problems = append(problems, "backfill.max_consecutive_failures must be greater than 0")
	}
	if _, err := time.ParseDuration(c.Backfill.ErrorSkip); err != nil {
		problems = append(problems, fmt.Sprintf("backfill.error_skip is not a valid duration: %v", err))
	}
	if _, err := time.ParseDuration(c.Backfill.Lookback); err != nil {
		problems = append(problems, fmt.Sprintf("backfill.lookback is not a valid duration: %v", err))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		problems = append(problems, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		problems = append(problems, "logging.file_path is required when output is 'file'")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// RequestIntervalDuration returns the parsed exchange request interval.
// Validate must have succeeded first.
func (c *ExchangeConfig) RequestIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.RequestInterval)
	return d
}

// TimeoutDuration returns the parsed HTTP timeout.
func (c *ExchangeConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// ErrorSkipDuration returns the parsed skip-ahead window.
func (c *BackfillConfig) ErrorSkipDuration() time.Duration {
	d, _ := time.ParseDuration(c.ErrorSkip)
	return d
}

// LookbackDuration returns the parsed default lookback window.
func (c *BackfillConfig) LookbackDuration() time.Duration {
	d, _ := time.ParseDuration(c.Lookback)
	return d
}
