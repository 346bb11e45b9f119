// ABOUTME: First-run commands: init writes a config with generated secrets, bootstrap creates the first admin
// ABOUTME: bootstrap refuses to run once any user exists and prints a bearer token for the new admin

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/config"
	"github.com/2389/maintdesk/internal/store"
)

// errAlreadyBootstrapped is returned when the directory already has users.
var errAlreadyBootstrapped = errors.New("bootstrap already complete")

// initOptions are the answers collected by init.
type initOptions struct {
	HTTPAddr     string
	BaseURL      string
	DatabasePath string
	MediaDir     string
	JWTSecret    string
	CronKey      string
	Tailscale    bool
	TSHostname   string
	TSFunnel     bool
	LogLevel     string
	LogFormat    string
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "maintdesk")
}

// renderConfig produces the YAML written by init. The bot token is read
// from the environment at load time so it never lands in the file.
func renderConfig(o initOptions) string {
	var b strings.Builder
	b.WriteString("# maintdesk configuration\n")
	b.WriteString("# Generated by maintdesk init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", o.HTTPAddr)
	fmt.Fprintf(&b, "  base_url: %q\n\n", o.BaseURL)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", o.DatabasePath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", o.JWTSecret)
	b.WriteString("  session_ttl: \"60m\"\n")
	b.WriteString("  magic_link_ttl: \"10m\"\n")
	b.WriteString("  login_cooldown: \"30s\"\n")
	fmt.Fprintf(&b, "  cron_key: %q\n\n", o.CronKey)

	b.WriteString("telegram:\n")
	b.WriteString("  bot_token: \"${TELEGRAM_BOT_TOKEN}\"\n\n")

	b.WriteString("media:\n")
	fmt.Fprintf(&b, "  dir: %q\n", o.MediaDir)
	b.WriteString("  retention_after_done: \"168h\"\n")
	b.WriteString("  sweep_interval: \"1h\"\n\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", o.Tailscale)
	if o.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", o.TSHostname)
		b.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		fmt.Fprintf(&b, "  funnel: %t\n", o.TSFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", o.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", o.LogFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func prompt(r *bufio.Reader, w io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(w, "%s: ", question)
	}
	input, err := r.ReadString('\n')
	if err != nil {
		fmt.Fprintln(w)
		return defaultVal
	}
	if input = strings.TrimSpace(input); input == "" {
		return defaultVal
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "maintdesk configuration setup")
			fmt.Fprintln(out, "=============================")
			fmt.Fprintln(out)

			path := prompt(in, out, "Config file path", resolveConfigPath())
			if _, err := os.Stat(path); err == nil {
				if !yes(prompt(in, out, "File exists. Overwrite?", "no")) {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			dataDir := defaultDataDir()
			var o initOptions
			fmt.Fprintln(out, "\n--- Server ---")
			o.HTTPAddr = prompt(in, out, "HTTP address", "localhost:8080")
			o.BaseURL = prompt(in, out, "Public base URL", "http://"+o.HTTPAddr)
			o.DatabasePath = prompt(in, out, "SQLite database path", filepath.Join(dataDir, "maintdesk.db"))
			o.MediaDir = prompt(in, out, "Media directory", filepath.Join(dataDir, "media"))

			fmt.Fprintln(out, "\n--- Tailscale ---")
			o.Tailscale = yes(prompt(in, out, "Enable Tailscale?", "no"))
			if o.Tailscale {
				o.TSHostname = prompt(in, out, "Tailscale hostname", "maintdesk")
				o.TSFunnel = yes(prompt(in, out, "Enable Funnel (public HTTPS)?", "no"))
			}

			fmt.Fprintln(out, "\n--- Logging ---")
			o.LogLevel = prompt(in, out, "Log level (debug/info/warn/error)", "info")
			o.LogFormat = prompt(in, out, "Log format (text/json)", "text")

			var err error
			if o.JWTSecret, err = randomSecret(); err != nil {
				return err
			}
			if o.CronKey, err = randomSecret(); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			// The file holds the signing secret.
			if err := os.WriteFile(path, []byte(renderConfig(o)), 0600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			color.New(color.FgGreen).Fprintf(out, "\n  ✓ Config written to %s\n", path)
			fmt.Fprintln(out, "\nSet TELEGRAM_BOT_TOKEN (or add it to .env), then:")
			fmt.Fprintln(out, "  maintdesk bootstrap --telegram-id <your id> --name \"Your Name\"")
			fmt.Fprintln(out, "  maintdesk serve")
			return nil
		},
	}
}

// bootstrapAdmin creates the first admin in an empty directory and mints
// a token for it.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, telegramID int64, name, username string, ttl time.Duration) (*store.User, *auth.Token, error) {
	name = strings.TrimSpace(name)
	if telegramID <= 0 {
		return nil, nil, errors.New("--telegram-id must be a positive integer")
	}
	if name == "" {
		return nil, nil, errors.New("--name cannot be empty")
	}
	if len([]rune(name)) > 200 {
		return nil, nil, errors.New("--name exceeds 200 characters")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	count, err := s.CountUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("counting users: %w", err)
	}
	if count > 0 {
		return nil, nil, fmt.Errorf("%w: %d user(s) exist", errAlreadyBootstrapped, count)
	}

	u := &store.User{
		TelegramID: telegramID,
		Name:       name,
		Username:   strings.TrimPrefix(strings.TrimSpace(username), "@"),
		Role:       store.RoleAdmin,
		Active:     true,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		return nil, nil, fmt.Errorf("creating admin: %w", err)
	}

	codec, err := auth.NewJWTCodec([]byte(cfg.Auth.JWTSecret), auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return nil, nil, fmt.Errorf("creating token codec: %w", err)
	}
	tok, err := codec.Issue(u, ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("issuing token: %w", err)
	}

	if err := s.AppendAudit(ctx, &store.AuditEntry{
		Action:     store.AuditCreateUser,
		TargetType: "user",
		TargetID:   fmt.Sprint(telegramID),
		Detail:     map[string]any{"role": store.RoleAdmin, "bootstrap": true},
	}); err != nil {
		return nil, nil, fmt.Errorf("recording audit entry: %w", err)
	}
	return u, tok, nil
}

func bootstrapCmd() *cobra.Command {
	var (
		telegramID int64
		name       string
		username   string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first admin user and print a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.SessionTTL
			}

			u, tok, err := bootstrapAdmin(cmd.Context(), cfg, telegramID, name, username, ttl)
			if err != nil {
				return err
			}

			tokenPath := filepath.Join(filepath.Dir(path), "token")
			if err := os.WriteFile(tokenPath, []byte(tok.Value), 0600); err != nil {
				return fmt.Errorf("writing token file: %w", err)
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			cyan := color.New(color.FgCyan)
			yellow := color.New(color.FgYellow)

			green.Fprintf(out, "  ✓ Database: %s\n", cfg.Database.Path)
			green.Fprintf(out, "  ✓ Created admin: %s (%d)\n", u.Name, u.TelegramID)
			green.Fprintf(out, "  ✓ Saved token: %s\n", tokenPath)
			fmt.Fprintln(out)
			cyan.Fprintln(out, "  Admin")
			cyan.Fprintln(out, "  -----")
			fmt.Fprintf(out, "  Telegram ID: %d\n", u.TelegramID)
			fmt.Fprintf(out, "  Name:        %s\n", u.Name)
			fmt.Fprintf(out, "  Token:       %s\n", tok.Value)
			fmt.Fprintf(out, "  Expires:     %s\n", tok.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintln(out)
			yellow.Fprintln(out, "  Next:")
			fmt.Fprintln(out, "    maintdesk serve")
			fmt.Fprintln(out, "    curl -H \"Authorization: Bearer $(cat "+tokenPath+")\" "+strings.TrimRight(cfg.Server.BaseURL, "/")+"/api/me")
			return nil
		},
	}
	cmd.Flags().Int64Var(&telegramID, "telegram-id", 0, "Telegram user id of the admin (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (required)")
	cmd.Flags().StringVar(&username, "username", "", "Telegram username")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.session_ttl)")
	_ = cmd.MarkFlagRequired("telegram-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
