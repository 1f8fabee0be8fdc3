// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

auth:
  jwt_secret: "`+testSecret+`"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"

messaging:
  session_buffer: 128
  write_timeout: "5s"
  ping_interval: "30s"
  dedupe_ttl: "2m"
  strict_participant_sets: true
  history_limit: 50

notifications:
  store: false
  webhook_url: "https://hooks.example.com/chat"
  timeout: "3s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}

	m := cfg.Messaging
	if m.SessionBuffer != 128 {
		t.Errorf("Messaging.SessionBuffer = %d, want 128", m.SessionBuffer)
	}
	if m.WriteTimeout != 5*time.Second {
		t.Errorf("Messaging.WriteTimeout = %v, want 5s", m.WriteTimeout)
	}
	if m.PingInterval != 30*time.Second {
		t.Errorf("Messaging.PingInterval = %v, want 30s", m.PingInterval)
	}
	if m.DedupeTTL != 2*time.Minute {
		t.Errorf("Messaging.DedupeTTL = %v, want 2m", m.DedupeTTL)
	}
	if !m.StrictParticipantSets {
		t.Error("Messaging.StrictParticipantSets = false, want true")
	}
	if m.HistoryLimit != 50 {
		t.Errorf("Messaging.HistoryLimit = %d, want 50", m.HistoryLimit)
	}

	n := cfg.Notifications
	if n.Store {
		t.Error("Notifications.Store = true, want false")
	}
	if n.WebhookURL != "https://hooks.example.com/chat" {
		t.Errorf("Notifications.WebhookURL = %q", n.WebhookURL)
	}
	if n.Timeout != 3*time.Second {
		t.Errorf("Notifications.Timeout = %v, want 3s", n.Timeout)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "chat.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
path = "chat.db"

[auth]
jwt_secret = "`+testSecret+`"

[messaging]
ping_interval = "20s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Database.Path != "chat.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "chat.db")
	}
	if cfg.Messaging.PingInterval != 20*time.Second {
		t.Errorf("Messaging.PingInterval = %v, want 20s", cfg.Messaging.PingInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		t.Errorf("Server.GRPCAddr = %q, want empty", cfg.Server.GRPCAddr)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.Messaging.SessionBuffer != DefaultSessionBuffer {
		t.Errorf("Messaging.SessionBuffer = %d, want %d", cfg.Messaging.SessionBuffer, DefaultSessionBuffer)
	}
	if cfg.Messaging.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("Messaging.HistoryLimit = %d, want %d", cfg.Messaging.HistoryLimit, DefaultHistoryLimit)
	}
	if cfg.Messaging.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("Messaging.WriteTimeout = %v, want %v", cfg.Messaging.WriteTimeout, DefaultWriteTimeout)
	}
	if cfg.Messaging.PingInterval != DefaultPingInterval {
		t.Errorf("Messaging.PingInterval = %v, want %v", cfg.Messaging.PingInterval, DefaultPingInterval)
	}
	if cfg.Messaging.DedupeTTL != DefaultDedupeTTL {
		t.Errorf("Messaging.DedupeTTL = %v, want %v", cfg.Messaging.DedupeTTL, DefaultDedupeTTL)
	}
	if cfg.Messaging.StrictParticipantSets {
		t.Error("Messaging.StrictParticipantSets = true, want false")
	}
	if !cfg.Notifications.Store {
		t.Error("Notifications.Store = false, want true")
	}
	if cfg.Notifications.Timeout != DefaultNotifyTimeout {
		t.Errorf("Notifications.Timeout = %v, want %v", cfg.Notifications.Timeout, DefaultNotifyTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_SECRET", testSecret)
	t.Setenv("TEST_CHAT_DB", "/var/lib/coven/chat.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_CHAT_DB}"
auth:
  jwt_secret: "${TEST_CHAT_SECRET}"
notifications:
  webhook_url: "${TEST_CHAT_UNSET_HOOK}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, testSecret)
	}
	if cfg.Database.Path != "/var/lib/coven/chat.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/coven/chat.db")
	}
	if cfg.Notifications.WebhookURL != "" {
		t.Errorf("Notifications.WebhookURL = %q, want empty for unset var", cfg.Notifications.WebhookURL)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
messaging:
  dedupe_ttl: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want error for invalid duration")
	}
	if !strings.Contains(err.Error(), "dedupe_ttl") {
		t.Errorf("error %q does not name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server: [unterminated")
	if _, err := Load(configPath); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Database: DatabaseConfig{Path: "chat.db"},
			Auth:     AuthConfig{JWTSecret: testSecret},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad metrics path", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "metrics"
		}, "metrics.path"},
		{"negative buffer", func(c *Config) { c.Messaging.SessionBuffer = -1 }, "session_buffer"},
		{"negative duration", func(c *Config) { c.Messaging.DedupeTTL = -time.Second }, "durations"},
		{"bad webhook", func(c *Config) { c.Notifications.WebhookURL = "ftp://x" }, "webhook_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		t.Fatalf("LoadDotEnv() on missing file error = %v, want nil", err)
	}

	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("TEST_DOTENV_FRESH=from-file\nTEST_DOTENV_SET=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_DOTENV_SET", "from-env")
	// Registered so t.Setenv restores it after LoadDotEnv sets it
	t.Setenv("TEST_DOTENV_FRESH", "")
	os.Unsetenv("TEST_DOTENV_FRESH")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("TEST_DOTENV_FRESH"); got != "from-file" {
		t.Errorf("TEST_DOTENV_FRESH = %q, want %q", got, "from-file")
	}
	if got := os.Getenv("TEST_DOTENV_SET"); got != "from-env" {
		t.Errorf("TEST_DOTENV_SET = %q, want existing value kept", got)
	}
}
