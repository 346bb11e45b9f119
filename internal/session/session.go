// ABOUTME: Session issuer converging magic-link and Telegram Mini App logins on one bearer token
// ABOUTME: Owns nonce generation, single-use consumption, init-data verification and login metrics

package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/cooldown"
	"github.com/2389/maintdesk/internal/store"
)

var (
	// ErrInvalidOrExpiredLink is returned for unknown, consumed or expired nonces.
	ErrInvalidOrExpiredLink = errors.New("invalid or expired link")

	// ErrUnknownOrInactiveUser is returned when the login target does not
	// exist or has been deactivated.
	ErrUnknownOrInactiveUser = errors.New("unknown or inactive user")

	// ErrInvalidSignature is returned when init data fails HMAC verification.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStalePayload is returned when init data is outside the freshness window.
	ErrStalePayload = errors.New("stale payload")

	// ErrMalformedPayload is returned when init data cannot be parsed.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrLoginThrottled is returned when a user requests links too quickly.
	ErrLoginThrottled = errors.New("login throttled")

	// ErrDeliveryFailed is returned when the link could not be delivered.
	// The request may be retried.
	ErrDeliveryFailed = errors.New("link delivery failed")
)

// TokenType is the token_type reported to clients.
const TokenType = "bearer"

// nonceBytes is the size of a magic-link nonce before encoding.
const nonceBytes = 32

var loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "maintdesk_logins_total",
	Help: "Login attempts by flow and outcome.",
}, []string{"flow", "outcome"})

const (
	flowMagicRequest = "magic_link_request"
	flowMagicVerify  = "magic_link_verify"
	flowMiniApp      = "miniapp"
)

// LinkSender delivers a magic login link to a user out of band.
type LinkSender interface {
	SendLoginLink(ctx context.Context, telegramID int64, link string, validFor time.Duration) error
}

// TokenIssuer mints bearer tokens.
type TokenIssuer interface {
	Issue(u *store.User, ttl time.Duration) (*auth.Token, error)
}

// Store is the persistence the issuer needs.
type Store interface {
	GetUser(ctx context.Context, telegramID int64) (*store.User, error)
	TouchUser(ctx context.Context, telegramID int64, at time.Time) error
	UpsertChatUser(ctx context.Context, ref store.UserRef, at time.Time) (*store.User, error)
	CreateMagicLink(ctx context.Context, l *store.MagicLink) error
	ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (*store.MagicLink, error)
	DeleteExpiredMagicLinks(ctx context.Context, now time.Time) (int64, error)
}

// Config configures an Issuer.
type Config struct {
	// BaseURL is the public URL magic links point at.
	BaseURL        string
	SessionTTL     time.Duration
	MagicLinkTTL   time.Duration
	InitDataMaxAge time.Duration
	LoginCooldown  time.Duration
	// BotToken is the key init data is signed with.
	BotToken string
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	TokenType string
	ExpiresIn time.Duration
	ExpiresAt time.Time
	User      *store.User
}

// Issuer implements both login flows.
type Issuer struct {
	store    Store
	tokens   TokenIssuer
	sender   LinkSender
	cfg      Config
	cooldown *cooldown.Cache[int64]
	logger   *slog.Logger
	now      func() time.Time
	random   io.Reader
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRandom overrides the nonce entropy source.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) { i.random = r }
}

// New creates an Issuer. Call Close to stop the cooldown cleanup.
func New(s Store, tokens TokenIssuer, sender LinkSender, cfg Config, logger *slog.Logger, opts ...Option) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.MagicLinkTTL <= 0 {
		cfg.MagicLinkTTL = 10 * time.Minute
	}
	if cfg.InitDataMaxAge <= 0 {
		cfg.InitDataMaxAge = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	i := &Issuer{
		store:  s,
		tokens: tokens,
		sender: sender,
		cfg:    cfg,
		logger: logger.With("component", "session"),
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.cooldown = cooldown.New[int64](cfg.LoginCooldown, 10000, cooldown.WithClock[int64](i.now))
	return i
}

// Close releases background resources.
func (i *Issuer) Close() {
	i.cooldown.Close()
}

// MagicLinkTTL reports how long issued links stay valid.
func (i *Issuer) MagicLinkTTL() time.Duration {
	return i.cfg.MagicLinkTTL
}

// RequestLogin creates a single-use nonce for an active user and delivers
// the login link. It returns how long the link is valid.
func (i *Issuer) RequestLogin(ctx context.Context, telegramID int64) (time.Duration, error) {
	u, err := i.store.GetUser(ctx, telegramID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !u.Active) {
		loginsTotal.WithLabelValues(flowMagicRequest, "rejected").Inc()
		return 0, ErrUnknownOrInactiveUser
	}
	if err != nil {
		loginsTotal.WithLabelValues(flowMagicRequest, "error").Inc()
		return 0, fmt.Errorf("looking up user: %w", err)
	}

	if ok, wait := i.cooldown.Allow(telegramID); !ok {
		loginsTotal.WithLabelValues(flowMagicRequest, "throttled").Inc()
		i.logger.Info("login request throttled", "telegram_id", telegramID, "retry_in", wait.Round(time.Second))
		return 0, ErrLoginThrottled
	}

	nonce, err := i.newNonce()
	if err != nil {
		i.cooldown.Forget(telegramID)
		loginsTotal.WithLabelValues(flowMagicRequest, "error").Inc()
		return 0, err
	}

	now := i.now().UTC()
	link := &store.MagicLink{
		TokenHash:  hashNonce(nonce),
		TelegramID: telegramID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.cfg.MagicLinkTTL),
	}
	if err := i.store.CreateMagicLink(ctx, link); err != nil {
		i.cooldown.Forget(telegramID)
		loginsTotal.WithLabelValues(flowMagicRequest, "error").Inc()
		return 0, fmt.Errorf("storing magic link: %w", err)
	}

	target := i.cfg.BaseURL + "/api/auth/magic-link?token=" + url.QueryEscape(nonce)
	if err := i.sender.SendLoginLink(ctx, telegramID, target, i.cfg.MagicLinkTTL); err != nil {
		i.cooldown.Forget(telegramID)
		loginsTotal.WithLabelValues(flowMagicRequest, "delivery_failed").Inc()
		i.logger.Warn("magic link delivery failed", "telegram_id", telegramID, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	loginsTotal.WithLabelValues(flowMagicRequest, "success").Inc()
	i.logger.Info("magic link sent", "telegram_id", telegramID, "expires_at", link.ExpiresAt)
	return i.cfg.MagicLinkTTL, nil
}

// VerifyMagicLink consumes the nonce and issues a session for its user.
// A nonce succeeds at most once, even under concurrent verification.
func (i *Issuer) VerifyMagicLink(ctx context.Context, nonce string) (*Session, error) {
	if nonce == "" {
		loginsTotal.WithLabelValues(flowMagicVerify, "rejected").Inc()
		return nil, ErrInvalidOrExpiredLink
	}

	now := i.now().UTC()
	link, err := i.store.ConsumeMagicLink(ctx, hashNonce(nonce), now)
	if errors.Is(err, store.ErrLinkNotConsumable) {
		loginsTotal.WithLabelValues(flowMagicVerify, "rejected").Inc()
		return nil, ErrInvalidOrExpiredLink
	}
	if err != nil {
		loginsTotal.WithLabelValues(flowMagicVerify, "error").Inc()
		return nil, fmt.Errorf("consuming magic link: %w", err)
	}

	u, err := i.store.GetUser(ctx, link.TelegramID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !u.Active) {
		loginsTotal.WithLabelValues(flowMagicVerify, "rejected").Inc()
		return nil, ErrUnknownOrInactiveUser
	}
	if err != nil {
		loginsTotal.WithLabelValues(flowMagicVerify, "error").Inc()
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if err := i.store.TouchUser(ctx, u.TelegramID, now); err != nil {
		loginsTotal.WithLabelValues(flowMagicVerify, "error").Inc()
		return nil, fmt.Errorf("touching user: %w", err)
	}
	u.LastSeenAt = &now

	sess, err := i.issue(u)
	if err != nil {
		loginsTotal.WithLabelValues(flowMagicVerify, "error").Inc()
		return nil, err
	}
	loginsTotal.WithLabelValues(flowMagicVerify, "success").Inc()
	i.logger.Info("magic link login", "telegram_id", u.TelegramID, "role", u.Role)
	return sess, nil
}

// Authenticate verifies Telegram Mini App init data and issues a session,
// creating the user on first sight.
func (i *Issuer) Authenticate(ctx context.Context, initData string) (*Session, error) {
	now := i.now().UTC()
	wu, err := verifyInitData(initData, i.cfg.BotToken, now, i.cfg.InitDataMaxAge)
	if err != nil {
		loginsTotal.WithLabelValues(flowMiniApp, "rejected").Inc()
		i.logger.Debug("init data rejected", "error", err)
		return nil, err
	}

	u, err := i.store.UpsertChatUser(ctx, store.UserRef{
		TelegramID: wu.ID,
		Name:       wu.DisplayName(),
		Username:   wu.Username,
	}, now)
	if err != nil {
		loginsTotal.WithLabelValues(flowMiniApp, "error").Inc()
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	if !u.Active {
		loginsTotal.WithLabelValues(flowMiniApp, "rejected").Inc()
		return nil, ErrUnknownOrInactiveUser
	}

	sess, err := i.issue(u)
	if err != nil {
		loginsTotal.WithLabelValues(flowMiniApp, "error").Inc()
		return nil, err
	}
	loginsTotal.WithLabelValues(flowMiniApp, "success").Inc()
	i.logger.Info("mini app login", "telegram_id", u.TelegramID, "role", u.Role)
	return sess, nil
}

// PruneLinks deletes expired nonces. It returns how many were removed.
func (i *Issuer) PruneLinks(ctx context.Context) (int64, error) {
	n, err := i.store.DeleteExpiredMagicLinks(ctx, i.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning magic links: %w", err)
	}
	if n > 0 {
		i.logger.Debug("pruned magic links", "count", n)
	}
	return n, nil
}

func (i *Issuer) issue(u *store.User) (*Session, error) {
	tok, err := i.tokens.Issue(u, i.cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}
	return &Session{
		Token:     tok.Value,
		TokenType: TokenType,
		ExpiresIn: tok.ExpiresAt.Sub(tok.IssuedAt),
		ExpiresAt: tok.ExpiresAt,
		User:      u,
	}, nil
}

func (i *Issuer) newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := io.ReadFull(i.random, b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}
