// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func minimalYAML() string {
	return `
server:
  http_addr: "127.0.0.1:8080"
  base_url: "https://desk.example.com"
database:
  path: "/var/lib/maintdesk/maintdesk.db"
auth:
  jwt_secret: "` + testSecret + `"
telegram:
  bot_token: "123:abc"
`
}

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8080"
  base_url: "https://desk.example.com"
  shutdown_timeout: "15s"

database:
  path: "./test.db"

auth:
  jwt_secret: "` + testSecret + `"
  session_ttl: "2h"
  magic_link_ttl: "5m"
  initdata_max_age: "30m"
  login_cooldown: "45s"
  cron_key: "cron"

telegram:
  bot_token: "123:abc"
  timeout: "3s"
  retries: 5

tasks:
  uid_prefix: "WO"
  default_limit: 50
  max_limit: 500

media:
  dir: "/srv/media"
  retention_after_done: "72h"
  sweep_interval: "15m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Auth.SessionTTL != 2*time.Hour {
		t.Errorf("Auth.SessionTTL = %v, want 2h", cfg.Auth.SessionTTL)
	}
	if cfg.Auth.MagicLinkTTL != 5*time.Minute {
		t.Errorf("Auth.MagicLinkTTL = %v, want 5m", cfg.Auth.MagicLinkTTL)
	}
	if cfg.Auth.InitDataMaxAge != 30*time.Minute {
		t.Errorf("Auth.InitDataMaxAge = %v, want 30m", cfg.Auth.InitDataMaxAge)
	}
	if cfg.Auth.LoginCooldown != 45*time.Second {
		t.Errorf("Auth.LoginCooldown = %v, want 45s", cfg.Auth.LoginCooldown)
	}
	if cfg.Telegram.Timeout != 3*time.Second || cfg.Telegram.Retries != 5 {
		t.Errorf("Telegram = %+v", cfg.Telegram)
	}
	if cfg.Tasks.UIDPrefix != "WO" || cfg.Tasks.DefaultLimit != 50 || cfg.Tasks.MaxLimit != 500 {
		t.Errorf("Tasks = %+v", cfg.Tasks)
	}
	if cfg.Media.Dir != "/srv/media" {
		t.Errorf("Media.Dir = %q, want /srv/media", cfg.Media.Dir)
	}
	if cfg.Media.RetentionAfterDone != 72*time.Hour {
		t.Errorf("Media.RetentionAfterDone = %v, want 72h", cfg.Media.RetentionAfterDone)
	}
	if cfg.Media.SweepInterval != 15*time.Minute {
		t.Errorf("Media.SweepInterval = %v, want 15m", cfg.Media.SweepInterval)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"session_ttl", cfg.Auth.SessionTTL, 60 * time.Minute},
		{"magic_link_ttl", cfg.Auth.MagicLinkTTL, 10 * time.Minute},
		{"initdata_max_age", cfg.Auth.InitDataMaxAge, time.Hour},
		{"login_cooldown", cfg.Auth.LoginCooldown, 30 * time.Second},
		{"identity_cache_ttl", cfg.Auth.IdentityCacheTTL, 30 * time.Second},
		{"telegram.timeout", cfg.Telegram.Timeout, 10 * time.Second},
		{"retention_after_done", cfg.Media.RetentionAfterDone, 168 * time.Hour},
		{"sweep_interval", cfg.Media.SweepInterval, time.Hour},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, 5 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if cfg.Tasks.UIDPrefix != "SJ" {
		t.Errorf("Tasks.UIDPrefix = %q, want SJ", cfg.Tasks.UIDPrefix)
	}
	if cfg.Tasks.DefaultLimit != 100 {
		t.Errorf("Tasks.DefaultLimit = %d, want 100", cfg.Tasks.DefaultLimit)
	}
	if cfg.Media.Dir != "/var/lib/maintdesk/media" {
		t.Errorf("Media.Dir = %q, want media dir beside the database", cfg.Media.Dir)
	}
	if cfg.Media.MaxUploadBytes != 20<<20 {
		t.Errorf("Media.MaxUploadBytes = %d", cfg.Media.MaxUploadBytes)
	}
	if cfg.Auth.Issuer != "maintdesk" {
		t.Errorf("Auth.Issuer = %q", cfg.Auth.Issuer)
	}
	if cfg.Telegram.APIURL != "https://api.telegram.org" || cfg.Telegram.Retries != 3 {
		t.Errorf("Telegram = %+v", cfg.Telegram)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestParse_ExplicitZeroCooldown(t *testing.T) {
	yaml := strings.Replace(minimalYAML(), "auth:\n", "auth:\n  login_cooldown: \"0s\"\n", 1)
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Auth.LoginCooldown != 0 {
		t.Errorf("Auth.LoginCooldown = %v, want 0", cfg.Auth.LoginCooldown)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("MAINTDESK_TEST_SECRET", testSecret)
	t.Setenv("MAINTDESK_TEST_BOT", "999:xyz")

	yaml := `
server:
  http_addr: "127.0.0.1:8080"
  base_url: "https://desk.example.com"
database:
  path: "./desk.db"
auth:
  jwt_secret: "${MAINTDESK_TEST_SECRET}"
  cron_key: "${MAINTDESK_TEST_UNSET}"
telegram:
  bot_token: "${MAINTDESK_TEST_BOT}"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Telegram.BotToken != "999:xyz" {
		t.Errorf("Telegram.BotToken = %q, want 999:xyz", cfg.Telegram.BotToken)
	}
	if cfg.Auth.CronKey != "" {
		t.Errorf("Auth.CronKey = %q, want empty for unset var", cfg.Auth.CronKey)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	yaml := strings.Replace(minimalYAML(), "auth:\n", "auth:\n  session_ttl: \"soon\"\n", 1)
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("Parse() should fail for an invalid duration")
	}
	if !strings.Contains(err.Error(), "auth.session_ttl") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"missing bot token", func(c *Config) { c.Telegram.BotToken = "" }, "bot_token"},
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "base_url"},
		{"relative base url", func(c *Config) { c.Server.BaseURL = "/desk" }, "base_url"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"tailscale without addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "desk"
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"basic user without hash", func(c *Config) { c.Auth.BasicAdminUser = "ops" }, "set together"},
		{"basic hash not bcrypt", func(c *Config) {
			c.Auth.BasicAdminUser = "ops"
			c.Auth.BasicAdminPasswordHash = "plaintext"
		}, "bcrypt"},
		{"negative cooldown", func(c *Config) { c.Auth.LoginCooldown = -time.Second }, "login_cooldown"},
		{"limits inverted", func(c *Config) { c.Tasks.MaxLimit = 10 }, "default_limit"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML()))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("MAINTDESK_CONFIG", "/etc/maintdesk.yaml")
	if got := DefaultPath(); got != "/etc/maintdesk.yaml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv("MAINTDESK_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "maintdesk", "config.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MAINTDESK_A", "alpha")
	got := expandEnvVars("x=${MAINTDESK_A} y=${MAINTDESK_NOPE} z=$MAINTDESK_A")
	want := "x=alpha y= z=$MAINTDESK_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
