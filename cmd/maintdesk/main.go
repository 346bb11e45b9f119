// ABOUTME: Entry point for the maintdesk task backend
// ABOUTME: Cobra command tree: serve, init, bootstrap, sweep and health

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/maintdesk/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _       _      _           _
 _ __ ___   __ _(_)_ __ | |_ __| | ___  ___| | __
| '_ ' _ \ / _' | | '_ \| __/ _' |/ _ \/ __| |/ /
| | | | | | (_| | | | | | || (_| |  __/\__ \   <
|_| |_| |_|\__,_|_|_| |_|\__\__,_|\___||___/_|\_\
`

var (
	configPath string
	envFile    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "maintdesk",
		Short:         "Maintenance task desk with Telegram logins",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $MAINTDESK_CONFIG or ~/.config/maintdesk/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; ignored when missing")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(bootstrapCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(healthCmd())
	return root
}

// loadEnvFile exports variables from a dotenv file without overriding the
// environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
