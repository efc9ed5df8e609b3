// Package config loads runtime configuration from an optional YAML file and
// CONVEYOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names a storage backend. The same backend holds instances,
// interrupts, dispatch tasks, waits and timers.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMongo    Backend = "mongo"
)

// Config is the runtime configuration.
type Config struct {
	Backend Backend `yaml:"backend"`
	// DSN is the connection string of the backend: a database/sql DSN for
	// sqlite and postgres, a redis:// URL or a mongodb:// URI.
	DSN string `yaml:"dsn"`

	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	TimerSweep  time.Duration `yaml:"timer_sweep"`

	RedisPrefix   string `yaml:"redis_prefix"`
	MongoDatabase string `yaml:"mongo_database"`

	Log Log `yaml:"log"`
}

// Log configures the diagnostic logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend:       BackendMemory,
		Workers:       4,
		MaxAttempts:   3,
		TimerSweep:    time.Second,
		RedisPrefix:   "conveyor",
		MongoDatabase: "conveyor",
		Log:           Log{Level: "info", Format: "json"},
	}
}

// Load reads path (when not empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error
	cfg.Backend = Backend(envString("CONVEYOR_BACKEND", string(cfg.Backend)))
	cfg.DSN = envString("CONVEYOR_DSN", cfg.DSN)
	if cfg.Workers, err = envInt("CONVEYOR_WORKERS", cfg.Workers); err != nil {
		return err
	}
	if cfg.MaxAttempts, err = envInt("CONVEYOR_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return err
	}
	if cfg.TimerSweep, err = envDuration("CONVEYOR_TIMER_SWEEP", cfg.TimerSweep); err != nil {
		return err
	}
	cfg.RedisPrefix = envString("CONVEYOR_REDIS_PREFIX", cfg.RedisPrefix)
	cfg.MongoDatabase = envString("CONVEYOR_MONGO_DATABASE", cfg.MongoDatabase)
	cfg.Log.Level = envString("CONVEYOR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("CONVEYOR_LOG_FORMAT", cfg.Log.Format)
	return nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if strings.TrimSpace(c.DSN) == "" {
			errs = append(errs, fmt.Errorf("backend %s requires a dsn", c.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.TimerSweep <= 0 {
		errs = append(errs, fmt.Errorf("timer_sweep must be positive, got %s", c.TimerSweep))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
