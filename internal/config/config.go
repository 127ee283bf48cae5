package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Etherpad instance the pads live on when none is configured.
const DefaultEtherpadURL = "https://pad.pirateparty.org.au"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Etherpad EtherpadConfig `yaml:"etherpad"`
	Poll     PollConfig     `yaml:"poll"`
	Pads     PadsConfig     `yaml:"pads"`
	Feed     FeedConfig     `yaml:"feed"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AuthToken      string        `yaml:"auth_token"`
	JWTSecret      string        `yaml:"jwt_secret"`
	MaxConnections int           `yaml:"max_connections"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

type EtherpadConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type PollConfig struct {
	Interval           time.Duration `yaml:"interval"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	NotifyOnFirstFetch bool          `yaml:"notify_on_first_fetch"`
}

type PadsConfig struct {
	EvictIdle bool `yaml:"evict_idle"`
}

type FeedConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3000,
			Host:           "127.0.0.1",
			MaxConnections: 1000,
			SendBuffer:     16,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
		},
		Etherpad: EtherpadConfig{
			BaseURL:      DefaultEtherpadURL,
			Timeout:      3 * time.Second,
			UserAgent:    "emailpad/1.0",
			MaxBodyBytes: 1 << 20,
		},
		Poll: PollConfig{
			Interval:         4 * time.Second,
			FailureThreshold: 3,
		},
		Feed: FeedConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "emailpad.pads",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "emailpad",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := defaultConfig()
	applyEnv(cfg)
	return cfg
}

// Load reads the YAML file at path over the defaults, then applies
// EMAILPAD_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random 128-bit hex token suitable for
// server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
