// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
	Messaging     MessagingConfig     `yaml:"messaging" toml:"messaging"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional and only serves the health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// MessagingConfig tunes the live messaging path
type MessagingConfig struct {
	SessionBuffer         int  `yaml:"session_buffer" toml:"session_buffer"`
	StrictParticipantSets bool `yaml:"strict_participant_sets" toml:"strict_participant_sets"`
	HistoryLimit          int  `yaml:"history_limit" toml:"history_limit"`

	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// NotificationsConfig selects where notifications go
type NotificationsConfig struct {
	// Store keeps notifications in the database so /api/notifications can list them
	Store      bool   `yaml:"store" toml:"store"`
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Defaults applied to fields left empty
const (
	DefaultHTTPAddr      = "localhost:8080"
	DefaultMetricsPath   = "/metrics"
	DefaultSessionBuffer = 64
	DefaultHistoryLimit  = 100
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPingInterval  = 54 * time.Second
	DefaultDedupeTTL     = 5 * time.Minute
	DefaultNotifyTimeout = 5 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Config{
		// Notifications are stored unless the file says otherwise
		Notifications: NotificationsConfig{Store: true},
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	m := &c.Messaging
	if m.SessionBuffer == 0 {
		m.SessionBuffer = DefaultSessionBuffer
	}
	if m.HistoryLimit == 0 {
		m.HistoryLimit = DefaultHistoryLimit
	}
	if m.WriteTimeout == 0 {
		m.WriteTimeout = DefaultWriteTimeout
	}
	if m.PingInterval == 0 {
		m.PingInterval = DefaultPingInterval
	}
	if m.DedupeTTL == 0 {
		m.DedupeTTL = DefaultDedupeTTL
	}

	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = DefaultNotifyTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Messaging.SessionBuffer < 0 {
		return fmt.Errorf("messaging.session_buffer must not be negative")
	}
	if c.Messaging.HistoryLimit < 0 {
		return fmt.Errorf("messaging.history_limit must not be negative")
	}
	if c.Messaging.WriteTimeout < 0 || c.Messaging.PingInterval < 0 || c.Messaging.DedupeTTL < 0 {
		return fmt.Errorf("messaging durations must not be negative")
	}

	if u := c.Notifications.WebhookURL; u != "" &&
		!strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("notifications.webhook_url must be an http(s) URL")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"write_timeout", cfg.Messaging.WriteTimeoutRaw, &cfg.Messaging.WriteTimeout},
		{"ping_interval", cfg.Messaging.PingIntervalRaw, &cfg.Messaging.PingInterval},
		{"dedupe_ttl", cfg.Messaging.DedupeTTLRaw, &cfg.Messaging.DedupeTTL},
		{"timeout", cfg.Notifications.TimeoutRaw, &cfg.Notifications.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
