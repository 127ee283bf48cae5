package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks configuration correctness. It performs declarative
// validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be >= 0")
	}
	if cfg.Server.SendBuffer < 1 {
		return fmt.Errorf("server.send_buffer must be >= 1")
	}
	if cfg.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if cfg.Server.PingInterval <= 0 || cfg.Server.PongTimeout <= cfg.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout (%s) must exceed server.ping_interval (%s)",
			cfg.Server.PongTimeout, cfg.Server.PingInterval)
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if u, err := url.Parse(strings.TrimSpace(origin)); err != nil || u.Host == "" {
			return fmt.Errorf("server.allowed_origins: %q is not an origin", origin)
		}
	}

	u, err := url.Parse(cfg.Etherpad.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("etherpad.base_url %q must be an http(s) URL", cfg.Etherpad.BaseURL)
	}
	if cfg.Etherpad.Timeout <= 0 {
		return fmt.Errorf("etherpad.timeout must be > 0")
	}
	if cfg.Etherpad.MaxBodyBytes <= 0 {
		return fmt.Errorf("etherpad.max_body_bytes must be > 0")
	}

	if cfg.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if cfg.Poll.FailureThreshold < 0 {
		return fmt.Errorf("poll.failure_threshold must be >= 0")
	}

	if cfg.Feed.Enabled {
		if cfg.Feed.URL == "" {
			return fmt.Errorf("feed.url is required when feed.enabled is true")
		}
		if cfg.Feed.SubjectPrefix == "" || strings.ContainsAny(cfg.Feed.SubjectPrefix, " *>") {
			return fmt.Errorf("feed.subject_prefix %q is not a valid subject prefix", cfg.Feed.SubjectPrefix)
		}
	}

	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of trace, debug, info, warn, error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", cfg.Log.Format)
	}
	return nil
}
