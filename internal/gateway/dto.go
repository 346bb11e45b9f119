// ABOUTME: JSON shapes of users, tasks and sessions returned by the API
// ABOUTME: Storage paths never leave the server; media is addressed by its fetch URL

package gateway

import (
	"net/url"
	"time"

	"github.com/2389/maintdesk/internal/session"
	"github.com/2389/maintdesk/internal/store"
)

// UserResponse is the client shape of a user.
type UserResponse struct {
	TelegramID int64   `json:"telegramId"`
	Name       string  `json:"name"`
	Username   string  `json:"username,omitempty"`
	Role       string  `json:"role"`
	Active     bool    `json:"active"`
	LastSeenAt *string `json:"lastSeenAt,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// UserRefResponse is an embedded user reference.
type UserRefResponse struct {
	TelegramID int64  `json:"telegramId"`
	Name       string `json:"name"`
	Username   string `json:"username,omitempty"`
}

// NoteResponse is one task note.
type NoteResponse struct {
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	Author    UserRefResponse `json:"author"`
	Media     *NoteMediaRef   `json:"media,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// NoteMediaRef points a note at one of the task's media items.
type NoteMediaRef struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// MediaResponse is one media item. Only the variant fields of its type are set.
type MediaResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Filename    string  `json:"filename"`
	ContentType string  `json:"contentType,omitempty"`
	Size        int64   `json:"size,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	DurationSec int     `json:"durationSec,omitempty"`
	URL         string  `json:"url"`
	DeleteAfter *string `json:"deleteAfter,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

// StatusChangeResponse is one status history entry.
type StatusChangeResponse struct {
	FromStatus *string         `json:"fromStatus,omitempty"`
	ToStatus   string          `json:"toStatus"`
	ChangedBy  UserRefResponse `json:"changedBy"`
	ChangedAt  string          `json:"changedAt"`
	Reason     string          `json:"reason,omitempty"`
}

// TimestampsResponse groups task timestamps.
type TimestampsResponse struct {
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// TaskResponse is the client shape of a task.
type TaskResponse struct {
	UID           string                 `json:"uid"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Status        string                 `json:"status"`
	Priority      string                 `json:"priority"`
	CreatedBy     UserRefResponse        `json:"createdBy"`
	Assignees     []UserRefResponse      `json:"assignees"`
	Notes         []NoteResponse         `json:"notes"`
	Media         []MediaResponse        `json:"media"`
	StatusHistory []StatusChangeResponse `json:"statusHistory"`
	OnHoldReason  *string                `json:"onHoldReason,omitempty"`
	Timestamps    TimestampsResponse     `json:"timestamps"`
}

// TaskListResponse wraps a task listing.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
}

// SessionResponse is returned by both login flows.
type SessionResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	User        UserResponse `json:"user"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// mediaURL is the fetch URL of a media item of a task.
func mediaURL(uid, filename string) string {
	return "/api/media/" + url.PathEscape(uid) + "/" + url.PathEscape(filename)
}

func newUserResponse(u *store.User) UserResponse {
	return UserResponse{
		TelegramID: u.TelegramID,
		Name:       u.Name,
		Username:   u.Username,
		Role:       string(u.Role),
		Active:     u.Active,
		LastSeenAt: formatOptionalTime(u.LastSeenAt),
		CreatedAt:  formatTime(u.CreatedAt),
	}
}

func newUserRefResponse(r store.UserRef) UserRefResponse {
	return UserRefResponse{TelegramID: r.TelegramID, Name: r.Name, Username: r.Username}
}

func newNoteResponse(uid string, n store.Note) NoteResponse {
	resp := NoteResponse{
		ID:        n.ID,
		Content:   n.Content,
		Author:    newUserRefResponse(n.Author),
		CreatedAt: formatTime(n.CreatedAt),
	}
	if n.MediaFilename != "" {
		resp.Media = &NoteMediaRef{Filename: n.MediaFilename, URL: mediaURL(uid, n.MediaFilename)}
	}
	return resp
}

func newMediaResponse(uid string, m store.MediaItem) MediaResponse {
	return MediaResponse{
		ID:          m.ID,
		Type:        string(m.Type),
		Filename:    m.Metadata.Filename,
		ContentType: m.Metadata.ContentType,
		Size:        m.Metadata.Size,
		Width:       m.Metadata.Width,
		Height:      m.Metadata.Height,
		DurationSec: m.Metadata.DurationSec,
		URL:         mediaURL(uid, m.Metadata.Filename),
		DeleteAfter: formatOptionalTime(m.DeleteAfter),
		CreatedAt:   formatTime(m.CreatedAt),
	}
}

func newTaskResponse(t *store.Task) TaskResponse {
	resp := TaskResponse{
		UID:           t.UID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		CreatedBy:     newUserRefResponse(t.CreatedBy),
		Assignees:     make([]UserRefResponse, 0, len(t.Assignees)),
		Notes:         make([]NoteResponse, 0, len(t.Notes)),
		Media:         make([]MediaResponse, 0, len(t.Media)),
		StatusHistory: make([]StatusChangeResponse, 0, len(t.StatusHistory)),
		OnHoldReason:  t.OnHoldReason,
		Timestamps: TimestampsResponse{
			CreatedAt: formatTime(t.CreatedAt),
			UpdatedAt: formatTime(t.UpdatedAt),
		},
	}
	for _, a := range t.Assignees {
		resp.Assignees = append(resp.Assignees, newUserRefResponse(a))
	}
	for _, n := range t.Notes {
		resp.Notes = append(resp.Notes, newNoteResponse(t.UID, n))
	}
	for _, m := range t.Media {
		resp.Media = append(resp.Media, newMediaResponse(t.UID, m))
	}
	for _, c := range t.StatusHistory {
		entry := StatusChangeResponse{
			ToStatus:  string(c.ToStatus),
			ChangedBy: newUserRefResponse(c.ChangedBy),
			ChangedAt: formatTime(c.ChangedAt),
			Reason:    c.Reason,
		}
		if c.FromStatus != nil {
			from := string(*c.FromStatus)
			entry.FromStatus = &from
		}
		resp.StatusHistory = append(resp.StatusHistory, entry)
	}
	return resp
}

func newSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		AccessToken: s.Token,
		TokenType:   s.TokenType,
		ExpiresIn:   int64(s.ExpiresIn.Seconds()),
		User:        newUserResponse(s.User),
	}
}
