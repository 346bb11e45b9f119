// ABOUTME: Tests for the maintdesk command helpers
// ABOUTME: Covers generated configs, first-admin bootstrap, dotenv loading and log formatting

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/config"
	"github.com/2389/maintdesk/internal/store"
)

func testInitOptions(dir string) initOptions {
	return initOptions{
		HTTPAddr:     "localhost:8080",
		BaseURL:      "http://localhost:8080",
		DatabasePath: filepath.Join(dir, "maintdesk.db"),
		MediaDir:     filepath.Join(dir, "media"),
		JWTSecret:    "generated-secret-that-is-long-enough-1234",
		CronKey:      "cron",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func TestRenderConfig_Loads(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	dir := t.TempDir()

	cfg, err := config.Parse([]byte(renderConfig(testInitOptions(dir))))
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, 30*time.Second, cfg.Auth.LoginCooldown)
	assert.Equal(t, 168*time.Hour, cfg.Media.RetentionAfterDone)
	assert.False(t, cfg.Tailscale.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestRenderConfig_Tailscale(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TS_AUTHKEY", "tskey-test")
	o := testInitOptions(t.TempDir())
	o.Tailscale = true
	o.TSHostname = "desk"
	o.TSFunnel = true

	cfg, err := config.Parse([]byte(renderConfig(o)))
	require.NoError(t, err)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "desk", cfg.Tailscale.Hostname)
	assert.Equal(t, "tskey-test", cfg.Tailscale.AuthKey)
	assert.True(t, cfg.Tailscale.Funnel)
}

func testBootstrapConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "maintdesk.db")},
		Auth: config.AuthConfig{
			JWTSecret: "bootstrap-secret-that-is-at-least-32-bytes",
			Issuer:    "maintdesk",
		},
	}
}

func TestBootstrapAdmin(t *testing.T) {
	cfg := testBootstrapConfig(t)
	ctx := context.Background()

	u, tok, err := bootstrapAdmin(ctx, cfg, 42, "  Ada  ", "@ada", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, "ada", u.Username)
	assert.Equal(t, store.RoleAdmin, u.Role)

	codec, err := auth.NewJWTCodec([]byte(cfg.Auth.JWTSecret), auth.WithIssuer("maintdesk"))
	require.NoError(t, err)
	claims, err := codec.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.Subject)
	assert.Equal(t, store.RoleAdmin, claims.Role)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	defer s.Close()
	action := store.AuditCreateUser
	entries, err := s.ListAudit(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "42", entries[0].TargetID)
}

func TestBootstrapAdmin_RefusesWhenUsersExist(t *testing.T) {
	cfg := testBootstrapConfig(t)
	ctx := context.Background()

	_, _, err := bootstrapAdmin(ctx, cfg, 42, "Ada", "", time.Hour)
	require.NoError(t, err)

	_, _, err = bootstrapAdmin(ctx, cfg, 43, "Bob", "", time.Hour)
	assert.True(t, errors.Is(err, errAlreadyBootstrapped), "got %v", err)
}

func TestBootstrapAdmin_Validation(t *testing.T) {
	cfg := testBootstrapConfig(t)
	ctx := context.Background()

	_, _, err := bootstrapAdmin(ctx, cfg, 0, "Ada", "", time.Hour)
	assert.Error(t, err)
	_, _, err = bootstrapAdmin(ctx, cfg, 42, "   ", "", time.Hour)
	assert.Error(t, err)
	_, _, err = bootstrapAdmin(ctx, cfg, 42, strings.Repeat("x", 201), "", time.Hour)
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env")))
	assert.NoError(t, loadEnvFile(""))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MAINTDESK_TEST_FROM_ENV=hello\n"), 0600))
	t.Setenv("MAINTDESK_TEST_FROM_ENV", "")
	require.NoError(t, os.Unsetenv("MAINTDESK_TEST_FROM_ENV"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "hello", os.Getenv("MAINTDESK_TEST_FROM_ENV"))
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080/health", healthURL(":8080"))
	assert.Equal(t, "http://127.0.0.1:8080/health", healthURL("0.0.0.0:8080"))
	assert.Equal(t, "http://localhost:9000/health", healthURL("localhost:9000"))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("req").Info("served", "status", 200)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "served")
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "req.status=200")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "maintdesk.log")
	var stdout bytes.Buffer

	logger, closer := setupLogger(config.LoggingConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, &stdout)
	logger.Info("to both", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.Contains(t, stdout.String(), `"k":"v"`)
}
