// ABOUTME: JSON response helpers and the single error-to-status mapping of the API
// ABOUTME: Login failures collapse to one generic message; internal errors are only logged

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/retry"
	"github.com/2389/maintdesk/internal/session"
	"github.com/2389/maintdesk/internal/store"
	"github.com/2389/maintdesk/internal/tasks"
)

// maxJSONBody bounds request bodies decoded as JSON.
const maxJSONBody = 1 << 20

// errBadRequest marks malformed requests rejected by the gateway itself.
var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v, rejecting unknown fields and trailing data.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON body", errBadRequest)
	}
	return nil
}

func isLoginFailure(err error) bool {
	return errors.Is(err, session.ErrInvalidOrExpiredLink) ||
		errors.Is(err, session.ErrUnknownOrInactiveUser) ||
		errors.Is(err, session.ErrInvalidSignature) ||
		errors.Is(err, session.ErrStalePayload) ||
		errors.Is(err, session.ErrMalformedPayload)
}

// writeError maps a service error to its HTTP status and body.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrUnauthorized):
		auth.WriteAuthError(w, err)
	case isLoginFailure(err):
		g.logger.Info("login failed", "path", r.URL.Path, "reason", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "login failed"})
	case errors.Is(err, session.ErrLoginThrottled):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(g.config.Auth.LoginCooldown.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many login requests"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, tasks.ErrReasonRequired),
		errors.Is(err, store.ErrMediaExists),
		errors.Is(err, store.ErrUserExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, tasks.ErrInvalidStatus),
		errors.Is(err, tasks.ErrInvalidPriority),
		errors.Is(err, tasks.ErrInvalidInput),
		errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, retry.ErrUnavailable), errors.Is(err, session.ErrDeliveryFailed):
		g.logger.Warn("dependency unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable, retry later"})
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
