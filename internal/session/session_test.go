// ABOUTME: Tests for the session issuer against a real SQLite store
// ABOUTME: Covers link delivery, single-use consumption, throttling and Mini App logins

package session

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/store"
)

const testBotToken = "123456:TEST-bot-token"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSender struct {
	mu    sync.Mutex
	links map[int64][]string
	err   error
}

func (s *captureSender) SendLoginLink(_ context.Context, telegramID int64, link string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.links == nil {
		s.links = make(map[int64][]string)
	}
	s.links[telegramID] = append(s.links[telegramID], link)
	return nil
}

// lastNonce extracts the token parameter of the most recent link.
func (s *captureSender) lastNonce(t *testing.T, telegramID int64) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.links[telegramID]
	require.NotEmpty(t, links, "no link delivered")
	u, err := url.Parse(links[len(links)-1])
	require.NoError(t, err)
	return u.Query().Get("token")
}

type fixture struct {
	issuer *Issuer
	store  *store.SQLiteStore
	codec  *auth.JWTCodec
	sender *captureSender
	clock  *testClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &testClock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	codec, err := auth.NewJWTCodec([]byte("session-test-secret-of-32-bytes!"), auth.WithClock(clock.Now))
	require.NoError(t, err)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://desk.example/"
	}
	if cfg.BotToken == "" {
		cfg.BotToken = testBotToken
	}
	sender := &captureSender{}
	issuer := New(s, codec, sender, cfg, nil, WithClock(clock.Now))
	t.Cleanup(issuer.Close)

	return &fixture{issuer: issuer, store: s, codec: codec, sender: sender, clock: clock}
}

func (f *fixture) addUser(t *testing.T, id int64, role store.Role, active bool) {
	t.Helper()
	require.NoError(t, f.store.CreateUser(context.Background(), &store.User{
		TelegramID: id,
		Name:       "Ivan",
		Username:   "ivan",
		Role:       role,
		Active:     active,
		CreatedAt:  f.clock.Now(),
	}))
}

func TestRequestLogin_DeliversLink(t *testing.T) {
	f := newFixture(t, Config{})
	f.addUser(t, 1001, store.RoleUser, true)

	validFor, err := f.issuer.RequestLogin(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, validFor)

	link := f.sender.links[1001][0]
	assert.True(t, strings.HasPrefix(link, "https://desk.example/api/auth/magic-link?token="), link)
	nonce := f.sender.lastNonce(t, 1001)
	assert.Len(t, nonce, 43, "256-bit nonce, base64url without padding")
}

func TestMagicLink_Scenario(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: time.Hour})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	_, err := f.issuer.RequestLogin(ctx, 1001)
	require.NoError(t, err)
	nonce := f.sender.lastNonce(t, 1001)

	f.clock.Advance(2 * time.Minute)
	sess, err := f.issuer.VerifyMagicLink(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, "bearer", sess.TokenType)
	assert.Equal(t, time.Hour, sess.ExpiresIn)
	assert.Equal(t, int64(1001), sess.User.TelegramID)

	claims, err := f.codec.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), claims.Subject)
	assert.Equal(t, store.RoleUser, claims.Role)

	u, err := f.store.GetUser(ctx, 1001)
	require.NoError(t, err)
	require.NotNil(t, u.LastSeenAt)
	assert.True(t, f.clock.Now().Equal(*u.LastSeenAt))

	_, err = f.issuer.VerifyMagicLink(ctx, nonce)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredLink, "replay must fail")
}

func TestMagicLink_ConcurrentVerifyExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.addUser(t, 1001, store.RoleUser, true)

	_, err := f.issuer.RequestLogin(context.Background(), 1001)
	require.NoError(t, err)
	nonce := f.sender.lastNonce(t, 1001)

	const workers = 16
	var wins, rejects atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.issuer.VerifyMagicLink(context.Background(), nonce)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrInvalidOrExpiredLink):
				rejects.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), rejects.Load())
}

func TestMagicLink_Expired(t *testing.T) {
	f := newFixture(t, Config{MagicLinkTTL: 10 * time.Minute})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	_, err := f.issuer.RequestLogin(ctx, 1001)
	require.NoError(t, err)
	nonce := f.sender.lastNonce(t, 1001)

	f.clock.Advance(10 * time.Minute)
	_, err = f.issuer.VerifyMagicLink(ctx, nonce)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredLink)
}

func TestMagicLink_UnknownNonce(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.issuer.VerifyMagicLink(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredLink)

	_, err = f.issuer.VerifyMagicLink(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredLink)
}

func TestRequestLogin_UnknownOrInactive(t *testing.T) {
	f := newFixture(t, Config{})
	f.addUser(t, 2002, store.RoleUser, false)

	_, err := f.issuer.RequestLogin(context.Background(), 1001)
	assert.ErrorIs(t, err, ErrUnknownOrInactiveUser)

	_, err = f.issuer.RequestLogin(context.Background(), 2002)
	assert.ErrorIs(t, err, ErrUnknownOrInactiveUser)
	assert.Empty(t, f.sender.links)
}

func TestMagicLink_DeactivatedBeforeVerify(t *testing.T) {
	f := newFixture(t, Config{})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	_, err := f.issuer.RequestLogin(ctx, 1001)
	require.NoError(t, err)
	nonce := f.sender.lastNonce(t, 1001)

	u, err := f.store.GetUser(ctx, 1001)
	require.NoError(t, err)
	u.Active = false
	require.NoError(t, f.store.UpdateUser(ctx, u))

	_, err = f.issuer.VerifyMagicLink(ctx, nonce)
	assert.ErrorIs(t, err, ErrUnknownOrInactiveUser)
}

func TestMagicLink_IssuesCurrentRole(t *testing.T) {
	f := newFixture(t, Config{})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	_, err := f.issuer.RequestLogin(ctx, 1001)
	require.NoError(t, err)
	nonce := f.sender.lastNonce(t, 1001)

	u, err := f.store.GetUser(ctx, 1001)
	require.NoError(t, err)
	u.Role = store.RoleAdmin
	require.NoError(t, f.store.UpdateUser(ctx, u))

	sess, err := f.issuer.VerifyMagicLink(ctx, nonce)
	require.NoError(t, err)
	claims, err := f.codec.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, claims.Role)
}

func TestRequestLogin_Throttled(t *testing.T) {
	f := newFixture(t, Config{LoginCooldown: 30 * time.Second})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	_, err := f.issuer.RequestLogin(ctx, 1001)
	require.NoError(t, err)

	_, err = f.issuer.RequestLogin(ctx, 1001)
	assert.ErrorIs(t, err, ErrLoginThrottled)

	f.clock.Advance(30 * time.Second)
	_, err = f.issuer.RequestLogin(ctx, 1001)
	assert.NoError(t, err)
	assert.Len(t, f.sender.links[1001], 2)
}

func TestRequestLogin_DeliveryFailure(t *testing.T) {
	f := newFixture(t, Config{LoginCooldown: 30 * time.Second})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	f.sender.err = errors.New("telegram down")
	_, err := f.issuer.RequestLogin(ctx, 1001)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// A failed delivery does not start the cooldown.
	f.sender.err = nil
	_, err = f.issuer.RequestLogin(ctx, 1001)
	assert.NoError(t, err)
}

func TestPruneLinks(t *testing.T) {
	f := newFixture(t, Config{MagicLinkTTL: time.Minute})
	f.addUser(t, 1001, store.RoleUser, true)
	ctx := context.Background()

	_, err := f.issuer.RequestLogin(ctx, 1001)
	require.NoError(t, err)

	n, err := f.issuer.PruneLinks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = f.issuer.PruneLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
