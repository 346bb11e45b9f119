// ABOUTME: Server and operations commands: serve, sweep and health
// ABOUTME: sweep runs one media retention pass without starting the HTTP server

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/maintdesk/internal/gateway"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closer := setupLogger(cfg.Logging, os.Stdout)
			defer closer.Close()

			printStartup(os.Stdout, cfg, path)
			logger.Info("starting maintdesk",
				"version", version,
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"tailscale", cfg.Tailscale.Enabled,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete media past its retention deadline once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closer := setupLogger(cfg.Logging, os.Stderr)
			defer closer.Close()

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = gw.Shutdown(ctx)
			}()

			res, err := gw.RunRetention(cmd.Context())
			if err != nil {
				return fmt.Errorf("running retention: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "expired: %d\n", res.Expired)
			fmt.Fprintf(out, "deleted: %d\n", res.Deleted)
			fmt.Fprintf(out, "retried: %d\n", res.Retried)
			if res.Failed > 0 {
				color.New(color.FgYellow).Fprintf(out, "failed:  %d\n", res.Failed)
			}
			fmt.Fprintf(out, "took:    %s\n", res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				target = healthURL(cfg.Server.HTTPAddr)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "health URL (default derived from server.http_addr)")
	return cmd
}

// healthURL builds the local health URL for a listen address. Wildcard
// hosts are replaced by loopback.
func healthURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		addr = "127.0.0.1" + addr
	case strings.HasPrefix(addr, "0.0.0.0:"):
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr + "/health"
}
