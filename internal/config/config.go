package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all environment configuration
type Config struct {
	Port              int
	VisibilityTimeout time.Duration
	ReceiveMax        int
	WaitTimeMax       time.Duration
	MonitorInterval   time.Duration
	LogLevel          string
}

// helper: read env var as int seconds → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8080),
		VisibilityTimeout: getEnvAsDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		ReceiveMax:        getEnvAsInt("RECEIVE_MAX", 10),
		WaitTimeMax:       getEnvAsDuration("WAIT_TIME_MAX", 20*time.Second),
		MonitorInterval:   getEnvAsDuration("MONITOR_INTERVAL", 15*time.Second),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	// Basic validation
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.ReceiveMax <= 0 {
		return nil, fmt.Errorf("invalid RECEIVE_MAX: %d", cfg.ReceiveMax)
	}
	if cfg.VisibilityTimeout <= 0 {
		return nil, fmt.Errorf("invalid VISIBILITY_TIMEOUT: %s", cfg.VisibilityTimeout)
	}
	if cfg.MonitorInterval <= 0 {
		return nil, fmt.Errorf("invalid MONITOR_INTERVAL: %s", cfg.MonitorInterval)
	}

	return cfg, nil
}
