package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Health    HealthConfig    `yaml:"health"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Migration MigrationConfig `yaml:"migration"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	QueueName   string        `yaml:"queue_name"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
	MaxMemoryMB float64       `yaml:"max_memory_mb"`
}

type HealthConfig struct {
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SampleHistory    int           `yaml:"sample_history"`
}

type FallbackConfig struct {
	AutoDrain     bool `yaml:"auto_drain"`
	WindowHistory int  `yaml:"window_history"`
}

type MigrationConfig struct {
	BatchSize        int     `yaml:"batch_size"`
	Workers          int     `yaml:"workers"`
	BatchesPerSecond float64 `yaml:"batches_per_second"`
}

// Load reads a YAML config file, applies env overrides and defaults
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	LoadFromEnv(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.QueueName == "" {
		c.Redis.QueueName = "caption_generation"
	}
	if c.Redis.JobTimeout == 0 {
		c.Redis.JobTimeout = 5 * time.Minute
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 2 * time.Second
	}
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = 30 * time.Second
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.SampleHistory == 0 {
		c.Health.SampleHistory = 10
	}
	if c.Fallback.WindowHistory == 0 {
		c.Fallback.WindowHistory = 100
	}
	if c.Migration.BatchSize == 0 {
		c.Migration.BatchSize = 100
	}
	if c.Migration.Workers == 0 {
		c.Migration.Workers = 4
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Database.Database == "" {
		return errors.New("config: database name is required")
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("config: failure threshold must be >= 1, got %d", c.Health.FailureThreshold)
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("config: migration batch size must be >= 1, got %d", c.Migration.BatchSize)
	}
	if c.Migration.Workers < 1 {
		return fmt.Errorf("config: migration workers must be >= 1, got %d", c.Migration.Workers)
	}
	return nil
}
