// ABOUTME: Configuration loading and parsing for maintdesk
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength is the shortest accepted auth.jwt_secret.
const MinJWTSecretLength = 32

// Config represents the complete maintdesk configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Media     MediaConfig     `yaml:"media"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the public URL of the API, used to build magic links.
	BaseURL string `yaml:"base_url"`

	ReadHeaderTimeout time.Duration `yaml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-"`

	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve TLS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel"` // expose publicly through Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session, login and access control configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`

	SessionTTL       time.Duration `yaml:"-"`
	MagicLinkTTL     time.Duration `yaml:"-"`
	InitDataMaxAge   time.Duration `yaml:"-"`
	LoginCooldown    time.Duration `yaml:"-"`
	IdentityCacheTTL time.Duration `yaml:"-"`

	SessionTTLRaw       string `yaml:"session_ttl"`
	MagicLinkTTLRaw     string `yaml:"magic_link_ttl"`
	InitDataMaxAgeRaw   string `yaml:"initdata_max_age"`
	LoginCooldownRaw    string `yaml:"login_cooldown"`
	IdentityCacheTTLRaw string `yaml:"identity_cache_ttl"`

	// Break-glass admin accepted over HTTP Basic auth. Disabled when empty.
	BasicAdminUser         string `yaml:"basic_admin_user"`
	BasicAdminPasswordHash string `yaml:"basic_admin_password_hash"` // bcrypt

	// CronKey authenticates scheduler calls via the X-CRON-KEY header.
	CronKey string `yaml:"cron_key"`
}

// TelegramConfig holds Bot API configuration
type TelegramConfig struct {
	// BotToken sends login links and is the key Mini App init data is signed with.
	BotToken string `yaml:"bot_token"`
	APIURL   string `yaml:"api_url"`
	Retries  int    `yaml:"retries"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// TasksConfig holds task service configuration
type TasksConfig struct {
	UIDPrefix    string `yaml:"uid_prefix"`
	DefaultLimit int    `yaml:"default_limit"`
	MaxLimit     int    `yaml:"max_limit"`
}

// MediaConfig holds media storage and retention configuration
type MediaConfig struct {
	Dir            string `yaml:"dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	RetentionAfterDone time.Duration `yaml:"-"`
	SweepInterval      time.Duration `yaml:"-"`
	DeleteTimeout      time.Duration `yaml:"-"`

	RetentionAfterDoneRaw string `yaml:"retention_after_done"`
	SweepIntervalRaw      string `yaml:"sweep_interval"`
	DeleteTimeoutRaw      string `yaml:"delete_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotating file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultPath returns the config location: $MAINTDESK_CONFIG, else
// $XDG_CONFIG_HOME/maintdesk/config.yaml, else ~/.config/maintdesk/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("MAINTDESK_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "maintdesk", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "maintdesk", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields. A login_cooldown of "0s" stays zero,
// which disables throttling.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ReadHeaderTimeout, 10*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 5*time.Second)

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "maintdesk"
	}
	setDefault(&c.Auth.SessionTTL, 60*time.Minute)
	setDefault(&c.Auth.MagicLinkTTL, 10*time.Minute)
	setDefault(&c.Auth.InitDataMaxAge, time.Hour)
	if c.Auth.LoginCooldownRaw == "" {
		c.Auth.LoginCooldown = 30 * time.Second
	}
	setDefault(&c.Auth.IdentityCacheTTL, 30*time.Second)

	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	setDefault(&c.Telegram.Timeout, 10*time.Second)
	if c.Telegram.Retries == 0 {
		c.Telegram.Retries = 3
	}

	if c.Tasks.UIDPrefix == "" {
		c.Tasks.UIDPrefix = "SJ"
	}
	if c.Tasks.DefaultLimit == 0 {
		c.Tasks.DefaultLimit = 100
	}
	if c.Tasks.MaxLimit == 0 {
		c.Tasks.MaxLimit = 1000
	}

	if c.Media.Dir == "" && c.Database.Path != "" && c.Database.Path != ":memory:" {
		c.Media.Dir = filepath.Join(filepath.Dir(c.Database.Path), "media")
	}
	if c.Media.MaxUploadBytes == 0 {
		c.Media.MaxUploadBytes = 20 << 20
	}
	setDefault(&c.Media.RetentionAfterDone, 168*time.Hour)
	setDefault(&c.Media.SweepInterval, time.Hour)
	setDefault(&c.Media.DeleteTimeout, 10*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url %q must be an absolute http(s) URL", c.Server.BaseURL)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Auth.LoginCooldown < 0 {
		return errors.New("auth.login_cooldown must not be negative")
	}
	if (c.Auth.BasicAdminUser == "") != (c.Auth.BasicAdminPasswordHash == "") {
		return errors.New("auth.basic_admin_user and auth.basic_admin_password_hash must be set together")
	}
	if c.Auth.BasicAdminPasswordHash != "" && !strings.HasPrefix(c.Auth.BasicAdminPasswordHash, "$2") {
		return errors.New("auth.basic_admin_password_hash must be a bcrypt hash")
	}

	if c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required")
	}
	if c.Telegram.Retries < 0 {
		return errors.New("telegram.retries must not be negative")
	}

	if c.Tasks.DefaultLimit < 1 || c.Tasks.MaxLimit < c.Tasks.DefaultLimit {
		return errors.New("tasks.default_limit must be positive and not exceed tasks.max_limit")
	}

	if c.Media.Dir == "" {
		return errors.New("media.dir is required")
	}
	if c.Media.MaxUploadBytes < 0 {
		return errors.New("media.max_upload_bytes must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
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
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"auth.magic_link_ttl", cfg.Auth.MagicLinkTTLRaw, &cfg.Auth.MagicLinkTTL},
		{"auth.initdata_max_age", cfg.Auth.InitDataMaxAgeRaw, &cfg.Auth.InitDataMaxAge},
		{"auth.login_cooldown", cfg.Auth.LoginCooldownRaw, &cfg.Auth.LoginCooldown},
		{"auth.identity_cache_ttl", cfg.Auth.IdentityCacheTTLRaw, &cfg.Auth.IdentityCacheTTL},
		{"telegram.timeout", cfg.Telegram.TimeoutRaw, &cfg.Telegram.Timeout},
		{"media.retention_after_done", cfg.Media.RetentionAfterDoneRaw, &cfg.Media.RetentionAfterDone},
		{"media.sweep_interval", cfg.Media.SweepIntervalRaw, &cfg.Media.SweepInterval},
		{"media.delete_timeout", cfg.Media.DeleteTimeoutRaw, &cfg.Media.DeleteTimeout},
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
