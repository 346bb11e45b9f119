// ABOUTME: Access control gate mapping credentials to a caller identity and role
// ABOUTME: Verifies bearer tokens or break-glass basic auth and rejects deactivated users

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/maintdesk/internal/store"
)

// Access errors
var (
	// ErrUnauthorized means no valid credential was presented.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential is valid but the role is insufficient.
	ErrForbidden = errors.New("forbidden")
)

// dummyHash keeps basic-auth timing uniform when the username is wrong.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

var identityCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "maintdesk_identity_cache_lookups_total",
	Help: "Active-flag lookups by cache result.",
}, []string{"result"})

// UserLookup reads users from the directory.
type UserLookup interface {
	GetUser(ctx context.Context, telegramID int64) (*store.User, error)
}

// Credential is a presented secret and how it was presented.
type Credential struct {
	Scheme string
	Value  string
}

// ParseAuthorization splits an Authorization header into a Credential.
func ParseAuthorization(header string) (Credential, error) {
	if header == "" {
		return Credential{}, fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	scheme, value, ok := strings.Cut(header, " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return Credential{}, fmt.Errorf("%w: invalid authorization header format", ErrUnauthorized)
	}
	switch strings.ToLower(scheme) {
	case SchemeBearer:
		return Credential{Scheme: SchemeBearer, Value: value}, nil
	case SchemeBasic:
		return Credential{Scheme: SchemeBasic, Value: value}, nil
	default:
		return Credential{}, fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthorized)
	}
}

// AccessConfig configures the access gate.
type AccessConfig struct {
	// CacheTTL bounds how long a cached active flag is trusted.
	CacheTTL  time.Duration
	CacheSize int

	// BasicUser and BasicPasswordHash enable break-glass admin access over
	// HTTP basic auth when both are set.
	BasicUser         string
	BasicPasswordHash string
}

// Access is the single gate every protected operation passes through.
type Access struct {
	tokens TokenVerifier
	users  UserLookup
	active *expirable.LRU[int64, bool]
	cfg    AccessConfig
	logger *slog.Logger
}

// NewAccess creates an access gate backed by the token verifier and user directory.
func NewAccess(tokens TokenVerifier, users UserLookup, cfg AccessConfig, logger *slog.Logger) *Access {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Access{
		tokens: tokens,
		users:  users,
		active: expirable.NewLRU[int64, bool](cfg.CacheSize, nil, cfg.CacheTTL),
		cfg:    cfg,
		logger: logger.With("component", "access"),
	}
}

// Authorize verifies the credential and checks the caller's role against
// required. An empty required role accepts any authenticated caller.
func (a *Access) Authorize(ctx context.Context, cred Credential, required store.Role) (*Identity, error) {
	var id *Identity
	var err error
	switch cred.Scheme {
	case SchemeBearer, SchemeQuery:
		id, err = a.authorizeToken(ctx, cred)
	case SchemeBasic:
		id, err = a.authorizeBasic(cred.Value)
	default:
		err = fmt.Errorf("%w: unsupported credential", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}

	if !id.Role.Meets(required) {
		return nil, fmt.Errorf("%w: %s role required", ErrForbidden, required)
	}
	return id, nil
}

func (a *Access) authorizeToken(ctx context.Context, cred Credential) (*Identity, error) {
	claims, err := a.tokens.Verify(cred.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	active, err := a.isActive(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !active {
		a.logger.Warn("auth failure", "reason", "inactive or unknown user", "telegram_id", claims.Subject)
		return nil, fmt.Errorf("%w: user inactive", ErrUnauthorized)
	}

	return &Identity{
		TelegramID: claims.Subject,
		Name:       claims.Name,
		Username:   claims.Username,
		Role:       claims.Role,
		Scheme:     cred.Scheme,
	}, nil
}

// isActive reports whether the user exists and is active, reading through
// the expirable cache.
func (a *Access) isActive(ctx context.Context, telegramID int64) (bool, error) {
	if active, ok := a.active.Get(telegramID); ok {
		identityCacheLookups.WithLabelValues("hit").Inc()
		return active, nil
	}
	identityCacheLookups.WithLabelValues("miss").Inc()

	u, err := a.users.GetUser(ctx, telegramID)
	if errors.Is(err, store.ErrNotFound) {
		a.active.Add(telegramID, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up user: %w", err)
	}
	a.active.Add(telegramID, u.Active)
	return u.Active, nil
}

// Invalidate drops the cached active flag of a user so the next request
// reads the directory.
func (a *Access) Invalidate(telegramID int64) {
	a.active.Remove(telegramID)
}

func (a *Access) authorizeBasic(value string) (*Identity, error) {
	if a.cfg.BasicUser == "" || a.cfg.BasicPasswordHash == "" {
		return nil, fmt.Errorf("%w: basic auth disabled", ErrUnauthorized)
	}

	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed basic credential", ErrUnauthorized)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed basic credential", ErrUnauthorized)
	}

	if subtle.ConstantTimeCompare([]byte(user), []byte(a.cfg.BasicUser)) != 1 {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		a.logger.Warn("auth failure", "reason", "unknown basic user")
		return nil, fmt.Errorf("%w: bad basic credential", ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.BasicPasswordHash), []byte(password)); err != nil {
		a.logger.Warn("auth failure", "reason", "bad basic password")
		return nil, fmt.Errorf("%w: bad basic credential", ErrUnauthorized)
	}

	return &Identity{
		Name:   a.cfg.BasicUser,
		Role:   store.RoleAdmin,
		Scheme: SchemeBasic,
	}, nil
}
