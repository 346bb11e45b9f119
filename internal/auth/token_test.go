// ABOUTME: Unit tests for JWT token issuance and verification
// ABOUTME: Tests valid tokens, forged and malformed tokens, and the expiry boundary

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/maintdesk/internal/store"
)

var testSecret = []byte("token-codec-test-secret-32bytes!")

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

var testUser = &store.User{TelegramID: 1001, Name: "Ivan", Username: "ivan", Role: store.RoleUser, Active: true}

func TestNewJWTCodec_WeakSecret(t *testing.T) {
	_, err := NewJWTCodec([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestJWTCodec_IssueAndVerify(t *testing.T) {
	clock := newTestClock()
	codec, err := NewJWTCodec(testSecret, WithClock(clock.Now))
	require.NoError(t, err)

	tok, err := codec.Issue(testUser, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.t, tok.IssuedAt)
	assert.Equal(t, clock.t.Add(time.Hour), tok.ExpiresAt)

	claims, err := codec.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), claims.Subject)
	assert.Equal(t, store.RoleUser, claims.Role)
	assert.Equal(t, "Ivan", claims.Name)
	assert.Equal(t, "ivan", claims.Username)
	assert.True(t, tok.ExpiresAt.Equal(claims.ExpiresAt))
}

func TestJWTCodec_ExpiryBoundary(t *testing.T) {
	clock := newTestClock()
	codec, err := NewJWTCodec(testSecret, WithClock(clock.Now))
	require.NoError(t, err)

	ttl := 10 * time.Minute
	tok, err := codec.Issue(testUser, ttl)
	require.NoError(t, err)

	clock.Advance(ttl - time.Second)
	_, err = codec.Verify(tok.Value)
	assert.NoError(t, err, "token must verify before issuedAt+ttl")

	clock.Advance(time.Second)
	_, err = codec.Verify(tok.Value)
	assert.ErrorIs(t, err, ErrExpiredToken, "token must fail at issuedAt+ttl")
	assert.ErrorIs(t, err, ErrInvalidToken)

	clock.Advance(time.Hour)
	_, err = codec.Verify(tok.Value)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTCodec_SubSecondIssuance(t *testing.T) {
	clock := newTestClock()
	clock.Advance(700 * time.Millisecond)
	codec, err := NewJWTCodec(testSecret, WithClock(clock.Now))
	require.NoError(t, err)

	tok, err := codec.Issue(testUser, time.Minute)
	require.NoError(t, err)

	// The token's lifetime is measured from the truncated issuance time.
	clock.t = tok.ExpiresAt.Add(-time.Nanosecond)
	_, err = codec.Verify(tok.Value)
	assert.NoError(t, err)

	clock.t = tok.ExpiresAt
	_, err = codec.Verify(tok.Value)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTCodec_InvalidTokens(t *testing.T) {
	clock := newTestClock()
	codec, err := NewJWTCodec(testSecret, WithClock(clock.Now))
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwtClaims{
		Role: "user",
		Type: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1001",
			Issuer:    DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(clock.t),
			ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Hour)),
		},
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				other, err := NewJWTCodec([]byte("another-secret-that-is-32-bytes!"), WithClock(clock.Now))
				require.NoError(t, err)
				tok, err := other.Issue(testUser, time.Hour)
				require.NoError(t, err)
				return tok.Value
			}(),
		},
		{"none algorithm", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)},
		{"HS512 algorithm", sign(jwt.SigningMethodHS512, testSecret, valid)},
		{
			name: "wrong issuer",
			token: func() string {
				c := valid
				c.Issuer = "someone-else"
				return sign(jwt.SigningMethodHS256, testSecret, c)
			}(),
		},
		{
			name: "missing expiry",
			token: func() string {
				c := valid
				c.ExpiresAt = nil
				return sign(jwt.SigningMethodHS256, testSecret, c)
			}(),
		},
		{
			name: "non-numeric subject",
			token: func() string {
				c := valid
				c.Subject = "ivan"
				return sign(jwt.SigningMethodHS256, testSecret, c)
			}(),
		},
		{
			name: "unknown role",
			token: func() string {
				c := valid
				c.Role = "owner"
				return sign(jwt.SigningMethodHS256, testSecret, c)
			}(),
		},
		{
			name: "wrong type",
			token: func() string {
				c := valid
				c.Type = "refresh"
				return sign(jwt.SigningMethodHS256, testSecret, c)
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}

	// Sanity check: the untampered claims verify.
	_, err = codec.Verify(sign(jwt.SigningMethodHS256, testSecret, valid))
	assert.NoError(t, err)
}

func TestJWTCodec_RejectsNonPositiveTTL(t *testing.T) {
	codec, err := NewJWTCodec(testSecret)
	require.NoError(t, err)

	_, err = codec.Issue(testUser, 0)
	assert.Error(t, err)
}

func TestJWTCodec_RoleIsSnapshot(t *testing.T) {
	codec, err := NewJWTCodec(testSecret)
	require.NoError(t, err)

	u := *testUser
	tok, err := codec.Issue(&u, time.Hour)
	require.NoError(t, err)

	u.Role = store.RoleAdmin
	claims, err := codec.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, claims.Role)
}
