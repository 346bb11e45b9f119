// ABOUTME: Login endpoints for the magic-link and Mini App flows, plus the caller profile
// ABOUTME: Both flows answer with the same session shape carrying a bearer token

package gateway

import (
	"net/http"

	"github.com/2389/maintdesk/internal/auth"
)

type loginRequest struct {
	TelegramID int64 `json:"telegram_id"`
}

type loginResponse struct {
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expires_in"`
}

type miniAppRequest struct {
	InitData string `json:"initData"`
}

// handleRequestLogin handles POST /api/auth/login.
func (g *Gateway) handleRequestLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.TelegramID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "telegram_id is required"})
		return
	}

	validFor, err := g.sessions.RequestLogin(r.Context(), req.TelegramID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, loginResponse{
		Message:   "login link sent",
		ExpiresIn: int64(validFor.Seconds()),
	})
}

// handleVerifyMagicLink handles GET /api/auth/magic-link?token=.
func (g *Gateway) handleVerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.VerifyMagicLink(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// handleMiniAppValidate handles POST /api/miniapp/validate.
func (g *Gateway) handleMiniAppValidate(w http.ResponseWriter, r *http.Request) {
	var req miniAppRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	sess, err := g.sessions.Authenticate(r.Context(), req.InitData)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// handleMe handles GET /api/me. The break-glass admin has no directory
// entry and is described from its identity.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if id.TelegramID == 0 {
		writeJSON(w, http.StatusOK, UserResponse{Name: id.Name, Role: string(id.Role), Active: true})
		return
	}

	u, err := g.store.GetUser(r.Context(), id.TelegramID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	resp := newUserResponse(u)
	// The token's role applies until it expires.
	resp.Role = string(id.Role)
	writeJSON(w, http.StatusOK, resp)
}
