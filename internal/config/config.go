// Package config provides configuration for arkidoc databases and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// JournalMode is the SQLite journaling mode.
type JournalMode string

const (
	JournalWAL    JournalMode = "WAL"
	JournalDelete JournalMode = "DELETE"
)

// Config holds the configuration for one database file.
type Config struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`

	// JournalMode is WAL (default) or DELETE (network filesystems)
	JournalMode JournalMode `json:"journal_mode" yaml:"journal_mode"`

	// BusyTimeout is how long SQLite waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// Retry controls transient DDL retries
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Advisor configuration for index suggestions
	Advisor AdvisorConfig `json:"advisor" yaml:"advisor"`

	// Backup storage configuration
	Backup BackupConfig `json:"backup" yaml:"backup"`
}

// RetryConfig holds the transient-error retry policy.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the first failure (0 disables)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Backoff is the pause before each retry
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Development switches to human-readable console output
	Development bool `json:"development" yaml:"development"`
}

// AdvisorConfig holds index advisor thresholds.
type AdvisorConfig struct {
	// Threshold is the minimum number of queries on a field before an index is suggested
	Threshold int64 `json:"threshold" yaml:"threshold"`

	// MaxSuggestions caps the number of suggestions per collection
	MaxSuggestions int `json:"max_suggestions" yaml:"max_suggestions"`
}

// BackupConfig holds backup storage configuration.
type BackupConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every backup object name
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Path:        "./data/arkidoc.db",
		JournalMode: JournalWAL,
		BusyTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 1,
			Backoff:     50 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Advisor: AdvisorConfig{
			Threshold:      50,
			MaxSuggestions: 5,
		},
		Backup: BackupConfig{
			Type:   "local",
			Prefix: "backups",
		},
	}
}

// Resolve fills derived defaults.
func (c *Config) Resolve() {
	if c.Path == "" {
		c.Path = "./data/arkidoc.db"
	}
	if c.JournalMode == "" {
		c.JournalMode = JournalWAL
	}
	c.JournalMode = JournalMode(strings.ToUpper(string(c.JournalMode)))
	if c.Backup.Type == "" {
		c.Backup.Type = "local"
	}
	if c.Backup.Path == "" && c.Path != ":memory:" {
		c.Backup.Path = filepath.Join(filepath.Dir(c.Path), "backups")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}

	switch c.JournalMode {
	case JournalWAL, JournalDelete:
	default:
		return fmt.Errorf("invalid journal_mode: %s (must be WAL or DELETE)", c.JournalMode)
	}

	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must not be negative")
	}

	if c.Retry.MaxAttempts < 0 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be between 0 and 10, got %d", c.Retry.MaxAttempts)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}

	if c.Backup.Type != "local" && c.Backup.Type != "s3" {
		return fmt.Errorf("invalid backup type: %s (must be local or s3)", c.Backup.Type)
	}

	if c.Backup.Type == "s3" && c.Backup.S3.Bucket == "" {
		return fmt.Errorf("backup.s3.bucket is required when backup type is s3")
	}

	return nil
}

// DSN returns the go-sqlite3 data source name for the configured database.
func (c *Config) DSN() string {
	params := url.Values{}
	params.Set("_journal_mode", string(c.JournalMode))
	params.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	params.Set("_txlock", "deferred")
	return "file:" + c.Path + "?" + params.Encode()
}

// EnsureDirectories creates the parent directory of the database file.
func (c *Config) EnsureDirectories() error {
	if c.Path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML, JSON, or JSONC file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json", ".jsonc", ".hujson":
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSONC config: %w", err)
		}
		if err := json.Unmarshal(standardized, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the ARKIDOC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ARKIDOC_PATH"); v != "" {
		cfg.Path = v
	}
	if v := os.Getenv("ARKIDOC_JOURNAL_MODE"); v != "" {
		cfg.JournalMode = JournalMode(v)
	}
	if v := os.Getenv("ARKIDOC_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BusyTimeout = d
		}
	}

	// Retry configuration
	if v := os.Getenv("ARKIDOC_RETRY_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retry.MaxAttempts)
	}
	if v := os.Getenv("ARKIDOC_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.Backoff = d
		}
	}

	// Log configuration
	if v := os.Getenv("ARKIDOC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ARKIDOC_LOG_DEVELOPMENT"); v != "" {
		cfg.Log.Development = v == "true" || v == "1"
	}

	// Advisor configuration
	if v := os.Getenv("ARKIDOC_ADVISOR_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Advisor.Threshold)
	}

	// Backup configuration
	if v := os.Getenv("ARKIDOC_BACKUP_TYPE"); v != "" {
		cfg.Backup.Type = v
	}
	if v := os.Getenv("ARKIDOC_BACKUP_PATH"); v != "" {
		cfg.Backup.Path = v
	}
	if v := os.Getenv("ARKIDOC_BACKUP_PREFIX"); v != "" {
		cfg.Backup.Prefix = v
	}
	if v := os.Getenv("ARKIDOC_S3_BUCKET"); v != "" {
		cfg.Backup.S3.Bucket = v
	}
	if v := os.Getenv("ARKIDOC_S3_REGION"); v != "" {
		cfg.Backup.S3.Region = v
	}
	if v := os.Getenv("ARKIDOC_S3_ENDPOINT"); v != "" {
		cfg.Backup.S3.Endpoint = v
	}
}
