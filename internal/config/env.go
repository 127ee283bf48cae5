package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides file values with EMAILPAD_* environment variables.
// Malformed numbers and durations are ignored and left to the file value.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("EMAILPAD_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("EMAILPAD_PORT", cfg.Server.Port)
	cfg.Server.AuthToken = getEnv("EMAILPAD_AUTH_TOKEN", cfg.Server.AuthToken)
	cfg.Server.JWTSecret = getEnv("EMAILPAD_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.MaxConnections = getEnvInt("EMAILPAD_MAX_CONNECTIONS", cfg.Server.MaxConnections)
	if origins := getEnv("EMAILPAD_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Etherpad.BaseURL = getEnv("EMAILPAD_ETHERPAD_URL", cfg.Etherpad.BaseURL)
	cfg.Etherpad.Timeout = getEnvDuration("EMAILPAD_ETHERPAD_TIMEOUT", cfg.Etherpad.Timeout)

	cfg.Poll.Interval = getEnvDuration("EMAILPAD_POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Poll.NotifyOnFirstFetch = getEnvBool("EMAILPAD_NOTIFY_ON_FIRST_FETCH", cfg.Poll.NotifyOnFirstFetch)
	cfg.Pads.EvictIdle = getEnvBool("EMAILPAD_EVICT_IDLE", cfg.Pads.EvictIdle)

	cfg.Feed.Enabled = getEnvBool("EMAILPAD_FEED_ENABLED", cfg.Feed.Enabled)
	cfg.Feed.URL = getEnv("EMAILPAD_FEED_URL", cfg.Feed.URL)

	cfg.Metrics.Enabled = getEnvBool("EMAILPAD_METRICS_ENABLED", cfg.Metrics.Enabled)

	cfg.Log.Level = getEnv("EMAILPAD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("EMAILPAD_LOG_FORMAT", cfg.Log.Format)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return fallback
}
