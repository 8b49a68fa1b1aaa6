// Package config provides configuration management for Driftline.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_PATH, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Repair   RepairConfig   `mapstructure:"repair"`
	Drift    DriftConfig    `mapstructure:"drift"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	// Path is the sqlite database file. ":memory:" runs fully in-process.
	Path string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	OraclePoolSize  int `mapstructure:"oracle_pool_size"`
}

// RepairConfig contains repair workflow tunables.
//
// Thresholds are tier boundaries, inclusive at the lower edge:
// confidence >= AutoApplyThreshold auto-applies, >= ReviewThreshold queues
// for review, anything lower is rejected outright.
type RepairConfig struct {
	AutoApplyThreshold float64       `mapstructure:"auto_apply_threshold"`
	ReviewThreshold    float64       `mapstructure:"review_threshold"`
	OracleMaxAttempts  int           `mapstructure:"oracle_max_attempts"`
	OracleBackoffBase  time.Duration `mapstructure:"oracle_backoff_base"`
	OracleBackoffMax   time.Duration `mapstructure:"oracle_backoff_max"`
	ReviewTTL          time.Duration `mapstructure:"review_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SampleValueLimit   int           `mapstructure:"sample_value_limit"`
}

// DriftConfig contains drift detection tunables.
type DriftConfig struct {
	// RenameSimilarityThreshold is the minimum normalized similarity for a
	// removed/added field pair to be reported as a rename candidate.
	RenameSimilarityThreshold float64 `mapstructure:"rename_similarity_threshold"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix (DATABASE_PATH, SERVER_PORT, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/driftline")

	// Maps nested config: repair.review_ttl → REPAIR_REVIEW_TTL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	r := c.Repair
	if r.AutoApplyThreshold < 0 || r.AutoApplyThreshold > 1 {
		return fmt.Errorf("repair.auto_apply_threshold must be in [0,1], got %v", r.AutoApplyThreshold)
	}
	if r.ReviewThreshold < 0 || r.ReviewThreshold > 1 {
		return fmt.Errorf("repair.review_threshold must be in [0,1], got %v", r.ReviewThreshold)
	}
	if r.ReviewThreshold > r.AutoApplyThreshold {
		return fmt.Errorf("repair.review_threshold (%v) must not exceed auto_apply_threshold (%v)",
			r.ReviewThreshold, r.AutoApplyThreshold)
	}
	if r.OracleMaxAttempts < 1 {
		return fmt.Errorf("repair.oracle_max_attempts must be >= 1, got %d", r.OracleMaxAttempts)
	}
	if d := c.Drift.RenameSimilarityThreshold; d < 0 || d > 1 {
		return fmt.Errorf("drift.rename_similarity_threshold must be in [0,1], got %v", d)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	// Database
	v.SetDefault("database.path", "data/driftline.db")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Worker
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.oracle_pool_size", 20)

	// Repair workflow
	v.SetDefault("repair.auto_apply_threshold", 0.85)
	v.SetDefault("repair.review_threshold", 0.60)
	v.SetDefault("repair.oracle_max_attempts", 3)
	v.SetDefault("repair.oracle_backoff_base", 500*time.Millisecond)
	v.SetDefault("repair.oracle_backoff_max", 30*time.Second)
	v.SetDefault("repair.review_ttl", 72*time.Hour)
	v.SetDefault("repair.sweep_interval", 5*time.Minute)
	v.SetDefault("repair.sample_value_limit", 5)

	// Drift detection
	v.SetDefault("drift.rename_similarity_threshold", 0.5)
}
