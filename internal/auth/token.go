// ABOUTME: JWT token codec for issuing and verifying bearer session tokens
// ABOUTME: Uses HS256 signing with a configured secret; verification is stateless

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/maintdesk/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// DefaultIssuer is the iss claim used when none is configured.
const DefaultIssuer = "maintdesk"

const accessTokenType = "access"

// Claims is the verified content of a session token.
type Claims struct {
	Subject   int64 // telegram id
	Role      store.Role
	Name      string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token is a signed session token.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

type jwtClaims struct {
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTCodec issues and verifies HS256 signed JWTs
type JWTCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// CodecOption configures a JWTCodec.
type CodecOption func(*JWTCodec)

// WithClock sets the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) CodecOption {
	return func(c *JWTCodec) {
		c.now = now
	}
}

// WithIssuer sets the iss claim written and required by the codec.
func WithIssuer(issuer string) CodecOption {
	return func(c *JWTCodec) {
		if issuer != "" {
			c.issuer = issuer
		}
	}
}

// NewJWTCodec creates a codec with the given secret.
// Returns ErrWeakSecret if the secret is shorter than MinSecretLength.
func NewJWTCodec(secret []byte, opts ...CodecOption) (*JWTCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	c := &JWTCodec{
		secret: secret,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a token for the user that expires ttl after issuance.
// Issuance time is truncated to whole seconds to match JWT precision.
func (c *JWTCodec) Issue(u *store.User, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	issued := c.now().UTC().Truncate(time.Second)
	expires := issued.Add(ttl)

	claims := jwtClaims{
		Role:     string(u.Role),
		Name:     u.Name,
		Username: u.Username,
		Type:     accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.TelegramID, 10),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &Token{Value: signed, IssuedAt: issued, ExpiresAt: expires}, nil
}

// Verify validates signature, algorithm, issuer and expiry and returns the
// claims. Every failure wraps ErrInvalidToken; expiry additionally wraps
// ErrExpiredToken.
func (c *JWTCodec) Verify(tokenString string) (*Claims, error) {
	var claims jwtClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (any, error) {
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrExpiredToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Type != accessTokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.Type)
	}
	subject, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || subject == 0 {
		return nil, fmt.Errorf("%w: %w: sub", ErrInvalidToken, ErrMissingClaim)
	}
	role := store.Role(claims.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %w: role", ErrInvalidToken, ErrMissingClaim)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: %w: iat", ErrInvalidToken, ErrMissingClaim)
	}

	return &Claims{
		Subject:   subject,
		Role:      role,
		Name:      claims.Name,
		Username:  claims.Username,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
