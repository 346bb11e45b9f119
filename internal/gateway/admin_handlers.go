// ABOUTME: Audit log recording and listing, and the scheduler-triggered retention run
// ABOUTME: The cron endpoint authenticates with a shared key instead of a user token

package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/store"
)

// cronKeyHeader carries the shared secret of scheduler calls.
const cronKeyHeader = "X-CRON-KEY"

// AuditEntryResponse is one audit log entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	ActorID    int64          `json:"actorId"`
	Action     string         `json:"action"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type retentionResponse struct {
	Expired    int   `json:"expired"`
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	Retried    int   `json:"retried"`
	DurationMS int64 `json:"durationMs"`
}

// audit records an administrative action by the request's caller. The
// action has already happened, so failures are logged and not returned.
func (g *Gateway) audit(r *http.Request, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	var actorID int64
	if id := auth.FromContext(r.Context()); id != nil {
		actorID = id.TelegramID
		if id.Scheme == auth.SchemeBasic {
			if detail == nil {
				detail = map[string]any{}
			}
			detail["basic_user"] = id.Name
		}
	}

	e := &store.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := g.store.AppendAudit(r.Context(), e); err != nil {
		g.logger.Error("failed to append audit entry", "action", action, "target", targetID, "error", err)
	}
}

// parseAuditFilter reads the audit listing query parameters.
func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter

	if v := q.Get("actor_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: actor_id must be an integer", errBadRequest)
		}
		f.ActorID = &id
	}
	if v := q.Get("action"); v != "" {
		a := store.AuditAction(v)
		f.Action = &a
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		f.TargetID = &v
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", errBadRequest, p.name)
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
		f.Limit = n
	}
	return f, nil
}

// handleListAudit handles GET /api/audit.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	entries, err := g.store.ListAudit(r.Context(), f)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:         e.ID,
			ActorID:    e.ActorID,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  formatTime(e.Timestamp),
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// handleCronRetention handles POST /api/cron/media-retention. It is
// disabled unless auth.cron_key is configured.
func (g *Gateway) handleCronRetention(w http.ResponseWriter, r *http.Request) {
	key := g.config.Auth.CronKey
	given := r.Header.Get(cronKeyHeader)
	if key == "" || subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
		g.logger.Warn("cron call rejected", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	res, err := g.sweeper.RunOnce(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.audit(r, store.AuditRunRetention, "media", "", map[string]any{
		"expired": res.Expired,
		"deleted": res.Deleted,
		"failed":  res.Failed,
		"retried": res.Retried,
	})
	writeJSON(w, http.StatusOK, retentionResponse{
		Expired:    res.Expired,
		Deleted:    res.Deleted,
		Failed:     res.Failed,
		Retried:    res.Retried,
		DurationMS: res.Duration.Milliseconds(),
	})
}
