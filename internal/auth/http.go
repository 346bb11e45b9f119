// ABOUTME: HTTP middleware running the access gate on API route groups
// ABOUTME: Extracts the credential, authorizes it and adds the Identity to the request context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/maintdesk/internal/store"
)

// requireConfig holds optional Require behavior.
type requireConfig struct {
	queryParam string
}

// RequireOption configures Require.
type RequireOption func(*requireConfig)

// AllowQueryToken accepts a bearer token in the named query parameter when
// no Authorization header is present. Used for inline media fetches.
func AllowQueryToken(param string) RequireOption {
	return func(c *requireConfig) {
		c.queryParam = param
	}
}

// credentialFromRequest picks the Authorization header, falling back to the
// query parameter when allowed.
func credentialFromRequest(r *http.Request, cfg requireConfig) (Credential, error) {
	header := r.Header.Get("Authorization")
	if header == "" && cfg.queryParam != "" {
		if token := r.URL.Query().Get(cfg.queryParam); token != "" {
			return Credential{Scheme: SchemeQuery, Value: token}, nil
		}
	}
	return ParseAuthorization(header)
}

// Require creates an HTTP middleware that authorizes the request for the
// given role and stores the Identity in the request context.
func (a *Access) Require(role store.Role, opts ...RequireOption) func(http.Handler) http.Handler {
	var cfg requireConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := credentialFromRequest(r, cfg)
			if err == nil {
				var id *Identity
				id, err = a.Authorize(r.Context(), cred, role)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			WriteAuthError(w, err)
		})
	}
}

// WriteAuthError writes the JSON response for an access failure:
// 403 for ErrForbidden, 401 for ErrUnauthorized, 500 otherwise.
func WriteAuthError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		msg = "forbidden"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
		msg = "unauthorized"
		w.Header().Set("WWW-Authenticate", `Bearer realm="maintdesk"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
