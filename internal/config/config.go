package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the config file location.
const PathEnv = "EXAMSLOTS_CONFIG_PATH"

const defaultPath = "configs/config.yaml"

type Config struct {
	Server struct {
		Address         string `yaml:"address"`
		ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Enabled         bool   `yaml:"enabled"`
		Address         string `yaml:"address"`
		Password        string `yaml:"password"`
		DB              int    `yaml:"db"`
		CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	} `yaml:"redis"`

	Admin struct {
		APIKeys []string `yaml:"api_keys"`
	} `yaml:"admin"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Booking struct {
		ReferenceAttempts    int `yaml:"reference_attempts"`
		GranularityMinutes   int `yaml:"granularity_minutes"`
		DefaultLookaheadDays int `yaml:"default_lookahead_days"`
	} `yaml:"booking"`

	Reminders struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
		MaxRetries    int     `yaml:"max_retries"`
		RetryDelayMs  int     `yaml:"retry_delay_ms"`
	} `yaml:"reminders"`

	Location struct {
		TimeZone string `yaml:"time_zone"`
	} `yaml:"location"`

	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

// BackupConfig controls periodic database snapshots.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// IntervalOrDefault returns the snapshot interval, 24h when unset.
func (b BackupConfig) IntervalOrDefault() time.Duration {
	if b.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.IntervalHours) * time.Hour
}

// Load reads the YAML file at path, or at $EXAMSLOTS_CONFIG_PATH, or at
// configs/config.yaml. A .env file in the working directory is loaded first
// so ${VAR} placeholders can reference it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with ${ENV_VAR} expansion and applies defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/examslots.db"
	}
	if cfg.Backup.StoragePath == "" {
		cfg.Backup.StoragePath = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}
	if cfg.Location.TimeZone != "" {
		if _, err := time.LoadLocation(cfg.Location.TimeZone); err != nil {
			return nil, fmt.Errorf("location time_zone: %w", err)
		}
	}

	return &cfg, nil
}

// EnsureDirs creates the directory holding the database file.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(filepath.Dir(c.Database.Path), 0o755)
}

func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	if c.Redis.CacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

func (c *Config) ReferenceAttempts() int {
	if c.Booking.ReferenceAttempts <= 0 {
		return 10
	}
	return c.Booking.ReferenceAttempts
}

func (c *Config) Granularity() int {
	if c.Booking.GranularityMinutes <= 0 {
		return 60
	}
	return c.Booking.GranularityMinutes
}

func (c *Config) LookaheadDays() int {
	if c.Booking.DefaultLookaheadDays <= 0 {
		return 60
	}
	return c.Booking.DefaultLookaheadDays
}

// TimeZone is the location used to decide what "today" is. Defaults to UTC.
func (c *Config) TimeZone() *time.Location {
	if c.Location.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Location.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) ReminderRetryDelay() time.Duration {
	if c.Reminders.RetryDelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Reminders.RetryDelayMs) * time.Millisecond
}
