package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration overrides from environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("TASKBRIDGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	cfg.Server.LogLevel = GetEnvOrDefault("TASKBRIDGE_LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.JWTSecret = GetEnvOrDefault("TASKBRIDGE_JWT_SECRET", cfg.Server.JWTSecret)

	cfg.Database.Host = GetEnvOrDefault("TASKBRIDGE_DB_HOST", cfg.Database.Host)
	if port := os.Getenv("TASKBRIDGE_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	cfg.Database.Database = GetEnvOrDefault("TASKBRIDGE_DB_NAME", cfg.Database.Database)
	cfg.Database.User = GetEnvOrDefault("TASKBRIDGE_DB_USER", cfg.Database.User)
	cfg.Database.Password = GetEnvOrDefault("TASKBRIDGE_DB_PASSWORD", cfg.Database.Password)

	cfg.Redis.Addr = GetEnvOrDefault("TASKBRIDGE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefault("TASKBRIDGE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.QueueName = GetEnvOrDefault("TASKBRIDGE_QUEUE_NAME", cfg.Redis.QueueName)

	if interval := os.Getenv("TASKBRIDGE_HEALTH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Health.CheckInterval = d
		}
	}
	if threshold := os.Getenv("TASKBRIDGE_HEALTH_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil {
			cfg.Health.FailureThreshold = n
		}
	}
	if drain := os.Getenv("TASKBRIDGE_AUTO_DRAIN"); drain != "" {
		if b, err := strconv.ParseBool(drain); err == nil {
			cfg.Fallback.AutoDrain = b
		}
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
