package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds the companion daemon configuration, read from the environment.
type Config struct {
	ServerPort string
	DataDir    string
	LogLevel   string

	// Remote API collaborator
	APIBaseURL     string
	AuthToken      string
	DeliverTimeout time.Duration

	// Sync behaviour
	SyncInterval time.Duration
	MaxRetries   int
	BackoffBase  time.Duration

	// Entity cache retention
	CacheKeepCount int
	CacheMaxAge    time.Duration
}

// LoadConfig reads configuration from environment variables.
// API_BASE_URL is required; everything else has a sensible default.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8091"),
		DataDir:    getEnv("DATA_DIR", "./data"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		APIBaseURL: os.Getenv("API_BASE_URL"),
		AuthToken:  os.Getenv("AUTH_TOKEN"),
	}

	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL is required")
	}

	var err error
	if cfg.DeliverTimeout, err = getDuration("DELIVER_TIMEOUT", 15*time.Second); err != nil {
		return nil, errors.New("invalid DELIVER_TIMEOUT format")
	}
	if cfg.SyncInterval, err = getDuration("SYNC_INTERVAL", time.Minute); err != nil {
		return nil, errors.New("invalid SYNC_INTERVAL format")
	}
	if cfg.BackoffBase, err = getDuration("RETRY_BACKOFF_BASE", time.Minute); err != nil {
		return nil, errors.New("invalid RETRY_BACKOFF_BASE format")
	}
	if cfg.CacheMaxAge, err = getDuration("CACHE_MAX_AGE", 24*time.Hour); err != nil {
		return nil, errors.New("invalid CACHE_MAX_AGE format")
	}
	if cfg.MaxRetries, err = getInt("MAX_RETRIES", 3); err != nil {
		return nil, errors.New("invalid MAX_RETRIES format")
	}
	if cfg.CacheKeepCount, err = getInt("CACHE_KEEP_COUNT", 100); err != nil {
		return nil, errors.New("invalid CACHE_KEEP_COUNT format")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
