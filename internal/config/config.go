// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	BackendURL string
	APIToken   string
	OrgContext string
	Model      string

	DBPath string

	WatchdogTimeout   time.Duration
	TicketRetries     int
	ReconnectAttempts int

	CacheMaxAge   time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BackendURL:        getEnv("BACKEND_URL", "https://api.agentsync.dev"),
		APIToken:          getEnv("API_TOKEN", ""),
		OrgContext:        getEnv("ORG_CONTEXT", ""),
		Model:             getEnv("MODEL", ""),
		DBPath:            getEnv("DB_PATH", "./data/agentsync.db"),
		WatchdogTimeout:   getEnvDuration("WATCHDOG_TIMEOUT", 30*time.Second),
		TicketRetries:     getEnvInt("TICKET_RETRIES", 2),
		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 3),
		CacheMaxAge:       getEnvDuration("CACHE_MAX_AGE", 60*time.Minute),
		SweepInterval:     getEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.APIToken == "" {
		return fmt.Errorf("API_TOKEN cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WatchdogTimeout <= 0 {
		return fmt.Errorf("WATCHDOG_TIMEOUT must be > 0")
	}
	if c.TicketRetries < 0 {
		return fmt.Errorf("TICKET_RETRIES must be >= 0")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.CacheMaxAge <= 0 {
		return fmt.Errorf("CACHE_MAX_AGE must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CACHE_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
