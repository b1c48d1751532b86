// Package config provides configuration management for the bar manager.
// Configuration is loaded from a JSON file, overridden by environment
// variables, and validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Provider configuration
	Provider ProviderConfig `json:"provider"`

	// Timezone is the IANA name of the reference timezone all stored
	// datetimes are normalized to.
	Timezone string `json:"timezone" env:"BAR_TIMEZONE"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Type string `json:"type" env:"STORAGE_TYPE"` // "duckdb", "memory"
	Path string `json:"path" env:"STORAGE_PATH"` // database file path, or ":memory:"
}

// ProviderConfig configures the market-data provider.
type ProviderConfig struct {
	BaseURL   string `json:"base_url" env:"PROVIDER_BASE_URL"` // empty uses the provider default
	APIKey    string `json:"api_key" env:"API_KEY"`
	APISecret string `json:"api_secret" env:"API_SECRET"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`        // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`      // json, text
	FilePath   string `json:"file_path" env:"LOG_FILE"`     // empty logs to stderr
	MaxSizeMB  int    `json:"max_size_mb"`                  // rotate after this size
	MaxBackups int    `json:"max_backups"`                  // rotated files to keep
	MaxAgeDays int    `json:"max_age_days"`                 // rotated file retention
}

// Default returns a configuration with sensible defaults.
func Default() *AppConfig {
	return &AppConfig{
		Storage: StorageConfig{
			Type: "duckdb",
			Path: "bars.db",
		},
		Provider: ProviderConfig{},
		Timezone: "UTC",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load builds the configuration from defaults, then the JSON file at path
// (skipped when path is empty or missing), then environment variables,
// and validates the result.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *AppConfig) {
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("API_SECRET"); v != "" {
		cfg.Provider.APISecret = v
	}
	if v := os.Getenv("BAR_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.FilePath = v
	}
	if v := os.Getenv("LOG_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Logging.MaxSizeMB = n
		}
	}
}

// Validate checks the configuration for consistency.
func (c *AppConfig) Validate() error {
	var errs []string

	switch c.Storage.Type {
	case "duckdb":
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required for duckdb storage")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage.type %q must be one of: duckdb, memory", c.Storage.Type))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q is not a valid IANA name", c.Timezone))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// ReferenceLocation returns the configured reference timezone. Validate
// must have succeeded first.
func (c *AppConfig) ReferenceLocation() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
