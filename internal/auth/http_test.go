// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query-token extraction, 401 vs 403 and context propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/maintdesk/internal/store"
)

func identityEcho(got **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequire_ValidToken(t *testing.T) {
	u := &store.User{TelegramID: 10, Name: "Worker", Role: store.RoleUser, Active: true}
	access, codec := newTestAccess(t, newMockUsers(u), AccessConfig{})
	cred := bearer(t, codec, u)

	var got *Identity
	handler := access.Require(store.RoleUser)(identityEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, int64(10), got.TelegramID)
}

func TestRequire_MissingHeader(t *testing.T) {
	access, _ := newTestAccess(t, newMockUsers(), AccessConfig{})

	var got *Identity
	handler := access.Require(store.RoleUser)(identityEcho(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Nil(t, got)
}

func TestRequire_Forbidden(t *testing.T) {
	u := &store.User{TelegramID: 11, Name: "Worker", Role: store.RoleUser, Active: true}
	access, codec := newTestAccess(t, newMockUsers(u), AccessConfig{})
	cred := bearer(t, codec, u)

	var got *Identity
	handler := access.Require(store.RoleAdmin)(identityEcho(&got))

	req := httptest.NewRequest(http.MethodPost, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())
	assert.Nil(t, got)
}

func TestRequire_QueryToken(t *testing.T) {
	u := &store.User{TelegramID: 12, Name: "Viewer", Role: store.RoleUser, Active: true}
	access, codec := newTestAccess(t, newMockUsers(u), AccessConfig{})
	cred := bearer(t, codec, u)

	var got *Identity
	withQuery := access.Require(store.RoleUser, AllowQueryToken("token"))(identityEcho(&got))
	withoutQuery := access.Require(store.RoleUser)(identityEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/media/SJ0001/a.jpg?token="+cred.Value, nil)

	rec := httptest.NewRecorder()
	withQuery.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, SchemeQuery, got.Scheme)

	got = nil
	rec = httptest.NewRecorder()
	withoutQuery.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got)
}

func TestRequire_HeaderWinsOverQuery(t *testing.T) {
	u := &store.User{TelegramID: 13, Name: "Viewer", Role: store.RoleUser, Active: true}
	access, codec := newTestAccess(t, newMockUsers(u), AccessConfig{})
	cred := bearer(t, codec, u)

	var got *Identity
	handler := access.Require(store.RoleUser, AllowQueryToken("token"))(identityEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/media/SJ0001/a.jpg?token="+cred.Value, nil)
	req.Header.Set("Authorization", "Bearer junk")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
