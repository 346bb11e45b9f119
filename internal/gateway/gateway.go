// ABOUTME: Gateway orchestrator that wires the maintdesk services behind one HTTP server
// ABOUTME: Manages listeners (TCP or tsnet), the retention sweeper, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/config"
	"github.com/2389/maintdesk/internal/media"
	"github.com/2389/maintdesk/internal/session"
	"github.com/2389/maintdesk/internal/store"
	"github.com/2389/maintdesk/internal/tasks"
	"github.com/2389/maintdesk/internal/telegram"
)

// Gateway owns the services of one maintdesk instance and serves them over HTTP.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	blobs       *media.Blobs
	codec       *auth.JWTCodec
	access      *auth.Access
	sessions    *session.Issuer
	tasks       *tasks.Service
	sweeper     *media.Sweeper
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

type options struct {
	sender session.LinkSender
	now    func() time.Time
}

// Option configures a Gateway.
type Option func(*options)

// WithLinkSender replaces the Telegram client used to deliver login links.
func WithLinkSender(s session.LinkSender) Option {
	return func(o *options) { o.sender = s }
}

// WithClock overrides the time source of every service.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// initStore opens the database, honoring MAINTDESK_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MAINTDESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with all services constructed from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := media.NewBlobs(cfg.Media.Dir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initializing media storage: %w", err)
	}

	codec, err := auth.NewJWTCodec([]byte(cfg.Auth.JWTSecret), auth.WithIssuer(cfg.Auth.Issuer), auth.WithClock(o.now))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating token codec: %w", err)
	}

	access := auth.NewAccess(codec, st, auth.AccessConfig{
		CacheTTL:          cfg.Auth.IdentityCacheTTL,
		BasicUser:         cfg.Auth.BasicAdminUser,
		BasicPasswordHash: cfg.Auth.BasicAdminPasswordHash,
	}, logger)

	sender := o.sender
	if sender == nil {
		sender = telegram.NewClient(telegram.Config{
			Token:   cfg.Telegram.BotToken,
			APIURL:  cfg.Telegram.APIURL,
			Timeout: cfg.Telegram.Timeout,
			Retries: cfg.Telegram.Retries,
		}, logger)
	}

	sessions := session.New(st, codec, sender, session.Config{
		BaseURL:        cfg.Server.BaseURL,
		SessionTTL:     cfg.Auth.SessionTTL,
		MagicLinkTTL:   cfg.Auth.MagicLinkTTL,
		InitDataMaxAge: cfg.Auth.InitDataMaxAge,
		LoginCooldown:  cfg.Auth.LoginCooldown,
		BotToken:       cfg.Telegram.BotToken,
	}, logger, session.WithClock(o.now))

	taskSvc := tasks.New(st, blobs, tasks.Config{
		UIDPrefix:          cfg.Tasks.UIDPrefix,
		DefaultLimit:       cfg.Tasks.DefaultLimit,
		MaxLimit:           cfg.Tasks.MaxLimit,
		RetentionAfterDone: cfg.Media.RetentionAfterDone,
		MaxUploadBytes:     cfg.Media.MaxUploadBytes,
		DeleteTimeout:      cfg.Media.DeleteTimeout,
	}, logger, tasks.WithClock(o.now))

	sweeper := media.NewSweeper(st, blobs, taskSvc, media.SweeperConfig{
		Interval:      cfg.Media.SweepInterval,
		DeleteTimeout: cfg.Media.DeleteTimeout,
	}, logger,
		media.WithSweepClock(o.now),
		media.WithHousekeeping(func(ctx context.Context) error {
			_, err := sessions.PruneLinks(ctx)
			return err
		}),
	)

	gw := &Gateway{
		config:   cfg,
		store:    st,
		blobs:    blobs,
		codec:    codec,
		access:   access,
		sessions: sessions,
		tasks:    taskSvc,
		sweeper:  sweeper,
		logger:   logger.With("component", "gateway"),
	}
	gw.handler = gw.routes()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// RunRetention runs one media retention sweep.
func (g *Gateway) RunRetention(ctx context.Context) (*media.Result, error) {
	return g.sweeper.RunOnce(ctx)
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the retention sweeper and the HTTP server and blocks until the
// context is canceled. Returns nil on graceful shutdown, or the server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.sweeper.Start(ctx)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "maintdesk", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the HTTP listener: Funnel, tailnet TLS, or plain :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the server and the sweeper and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sweeper.Stop()
	g.sessions.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
