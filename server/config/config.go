package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database PostgresConfig `yaml:"database"`
	Timeline TimelineConfig `yaml:"timeline"`
	Cache    CacheConfig    `yaml:"cache"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig contains the database connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// TimelineConfig controls the background timeline updater.
type TimelineConfig struct {
	Enabled             bool `yaml:"enabled"`
	BootstrapReplicates int  `yaml:"bootstrap_replicates"`
}

// CacheConfig controls invalidation of derived-statistics caches.
type CacheConfig struct {
	InvalidationDelayMS int `yaml:"invalidation_delay_ms"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":33333",
		},
		Database: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "benchdb",
			User:         "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Timeline: TimelineConfig{
			Enabled:             true,
			BootstrapReplicates: 1000,
		},
		Cache: CacheConfig{
			InvalidationDelayMS: 0,
		},
	}
}

// Load reads the optional yaml config file at path, then applies environment
// overrides. An empty path or a missing file yields defaults plus environment.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	log = log.WithField("component", "config")

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.WithField("path", path).Info("Config file not found, using defaults")
			} else {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"db_host":          cfg.Database.Host,
		"db_port":          cfg.Database.Port,
		"db_name":          cfg.Database.Database,
		"timeline_enabled": cfg.Timeline.Enabled,
		"replicates":       cfg.Timeline.BootstrapReplicates,
	}).Info("Loaded configuration")

	return cfg, nil
}

// applyEnv overrides settings from the environment variables recognized by
// the service.
func (c *Config) applyEnv() error {
	if v := os.Getenv("BENCHDB_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("BENCHDB_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("BENCHDB_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDB_DB_PORT %q: %w", v, err)
		}
		c.Database.Port = port
	}
	if v := os.Getenv("BENCHDB_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("BENCHDB_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("BENCHDB_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("BENCHDB_TIMELINE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDB_TIMELINE_ENABLED %q: %w", v, err)
		}
		c.Timeline.Enabled = enabled
	}
	if v := os.Getenv("BENCHDB_BOOTSTRAP_REPLICATES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDB_BOOTSTRAP_REPLICATES %q: %w", v, err)
		}
		c.Timeline.BootstrapReplicates = n
	}
	if v := os.Getenv("BENCHDB_CACHE_INVALIDATION_DELAY_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDB_CACHE_INVALIDATION_DELAY_MS %q: %w", v, err)
		}
		c.Cache.InvalidationDelayMS = n
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be greater than 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("max_idle_conns must be greater than 0")
	}
	if c.Timeline.BootstrapReplicates <= 0 {
		return fmt.Errorf("bootstrap_replicates must be greater than 0")
	}
	if c.Cache.InvalidationDelayMS < 0 {
		return fmt.Errorf("invalidation_delay_ms must not be negative")
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
