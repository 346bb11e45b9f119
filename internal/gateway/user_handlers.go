// ABOUTME: Admin user management endpoints: list, create, update and CSV export
// ABOUTME: Updates drop the cached active flag so deactivation takes effect on the next request

package gateway

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/2389/maintdesk/internal/store"
)

const maxUserNameLen = 200

// exportHeader is the column order of the users CSV export.
var exportHeader = []string{"telegramId", "name", "username", "role", "active", "lastSeenAt", "createdAt"}

type createUserRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Name       string `json:"name"`
	Username   string `json:"username,omitempty"`
	Role       string `json:"role,omitempty"`
	Active     *bool  `json:"active,omitempty"`
}

type updateUserRequest struct {
	Name     *string `json:"name,omitempty"`
	Username *string `json:"username,omitempty"`
	Role     *string `json:"role,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

type userListResponse struct {
	Users []UserResponse `json:"users"`
}

func validateUserName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", errBadRequest)
	}
	if utf8.RuneCountInString(name) > maxUserNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", errBadRequest, maxUserNameLen)
	}
	return nil
}

func parseRole(v string) (store.Role, error) {
	role := store.Role(v)
	if !role.Valid() {
		return "", fmt.Errorf("%w: role must be user or admin", errBadRequest)
	}
	return role, nil
}

// handleListUsers handles GET /api/users.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListUsers(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	resp := userListResponse{Users: make([]UserResponse, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, newUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateUser handles POST /api/users.
func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.TelegramID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "telegram_id is required"})
		return
	}

	u := &store.User{
		TelegramID: req.TelegramID,
		Name:       strings.TrimSpace(req.Name),
		Username:   strings.TrimPrefix(strings.TrimSpace(req.Username), "@"),
		Role:       store.RoleUser,
		Active:     true,
	}
	if err := validateUserName(u.Name); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Role != "" {
		role, err := parseRole(req.Role)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		u.Role = role
	}
	if req.Active != nil {
		u.Active = *req.Active
	}

	if err := g.store.CreateUser(r.Context(), u); err != nil {
		g.writeError(w, r, err)
		return
	}

	g.audit(r, store.AuditCreateUser, "user", strconv.FormatInt(u.TelegramID, 10),
		map[string]any{"role": u.Role, "active": u.Active})
	writeJSON(w, http.StatusCreated, newUserResponse(u))
}

// handleUpdateUser handles PATCH /api/users/{telegram_id}. A role change
// applies to tokens issued afterwards; deactivation applies immediately.
func (g *Gateway) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "telegram_id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid telegram id"})
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	var patch store.UserPatch
	detail := map[string]any{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := validateUserName(name); err != nil {
			g.writeError(w, r, err)
			return
		}
		patch.Name = &name
		detail["name"] = name
	}
	if req.Username != nil {
		username := strings.TrimPrefix(strings.TrimSpace(*req.Username), "@")
		patch.Username = &username
		detail["username"] = username
	}
	if req.Role != nil {
		role, err := parseRole(*req.Role)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		patch.Role = &role
		detail["role"] = role
	}
	if req.Active != nil {
		patch.Active = req.Active
		detail["active"] = *req.Active
	}

	u, err := g.store.PatchUser(r.Context(), id, patch)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.access.Invalidate(id)

	g.audit(r, store.AuditUpdateUser, "user", strconv.FormatInt(id, 10), detail)
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// csvSafe neutralizes cells that spreadsheets would evaluate as formulas.
func csvSafe(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

// handleExportUsers handles GET /api/users/export.
func (g *Gateway) handleExportUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListUsers(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="users.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(exportHeader)
	for _, u := range users {
		lastSeen := ""
		if u.LastSeenAt != nil {
			lastSeen = formatTime(*u.LastSeenAt)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(u.TelegramID, 10),
			csvSafe(u.Name),
			csvSafe(u.Username),
			string(u.Role),
			strconv.FormatBool(u.Active),
			lastSeen,
			formatTime(u.CreatedAt),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		g.logger.Warn("users export interrupted", "error", err)
		return
	}

	g.audit(r, store.AuditExportUsers, "user", "", map[string]any{"count": len(users)})
}
