// ABOUTME: Store interfaces and data types for maintdesk persistence
// ABOUTME: Defines User, Task, Note, MediaItem, StatusChange and the sentinel errors

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUserExists is returned when creating a user whose telegram id is taken
var ErrUserExists = errors.New("user already exists")

// ErrMediaExists is returned when a task already has media with the same filename
var ErrMediaExists = errors.New("media already exists")

// ErrLinkNotConsumable is returned when a magic link is unknown, used, or expired
var ErrLinkNotConsumable = errors.New("magic link not consumable")

// Role is the access level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Meets reports whether r satisfies the required role. Admin satisfies every
// requirement; user satisfies only user.
func (r Role) Meets(required Role) bool {
	switch required {
	case "", RoleUser:
		return r.Valid()
	case RoleAdmin:
		return r == RoleAdmin
	default:
		return false
	}
}

// TaskStatus is a state of the task status machine.
type TaskStatus string

const (
	StatusNew               TaskStatus = "new"
	StatusInProgress        TaskStatus = "in_progress"
	StatusOnHold            TaskStatus = "on_hold"
	StatusDonePendingReview TaskStatus = "done_pending_review"
	StatusDone              TaskStatus = "done"
	StatusCanceled          TaskStatus = "canceled"
)

// ValidStatuses lists every task status.
var ValidStatuses = []TaskStatus{
	StatusNew,
	StatusInProgress,
	StatusOnHold,
	StatusDonePendingReview,
	StatusDone,
	StatusCanceled,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MediaType is the kind of an attached media object.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
	MediaVoice    MediaType = "voice"
)

// Valid reports whether t is a known media type.
func (t MediaType) Valid() bool {
	switch t {
	case MediaPhoto, MediaVideo, MediaAudio, MediaDocument, MediaVoice:
		return true
	}
	return false
}

// MediaMetadata describes a stored media object. Which optional fields may be
// set depends on the media type: dimensions apply to photo and video, duration
// to video, audio and voice.
type MediaMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
}

// Validate checks the metadata against the variant rules of the media type.
func (m MediaMetadata) Validate(t MediaType) error {
	if !t.Valid() {
		return fmt.Errorf("unknown media type %q", t)
	}
	if m.Filename == "" {
		return errors.New("media filename is required")
	}
	if (m.Width != 0 || m.Height != 0) && t != MediaPhoto && t != MediaVideo {
		return fmt.Errorf("dimensions are not allowed for %s media", t)
	}
	if m.DurationSec != 0 && t != MediaVideo && t != MediaAudio && t != MediaVoice {
		return fmt.Errorf("duration is not allowed for %s media", t)
	}
	return nil
}

// User is a person known to the system, keyed by their Telegram id.
type User struct {
	TelegramID int64
	Name       string
	Username   string // empty when the user has no public handle
	Role       Role
	Active     bool
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// Ref returns the embedded reference form of the user.
func (u *User) Ref() UserRef {
	return UserRef{TelegramID: u.TelegramID, Name: u.Name, Username: u.Username}
}

// UserRef is a denormalized user reference embedded in tasks.
type UserRef struct {
	TelegramID int64
	Name       string
	Username   string
}

// Note is an immutable comment attached to a task.
type Note struct {
	ID            string
	Content       string
	Author        UserRef
	MediaFilename string // optional reference to one of the task's media items
	CreatedAt     time.Time
}

// MediaItem is a stored object attached to a task. Path is the storage key
// and is never exposed to API clients.
type MediaItem struct {
	ID          string
	Type        MediaType
	Path        string
	Metadata    MediaMetadata
	DeleteAfter *time.Time
	CreatedAt   time.Time
}

// StatusChange is one entry in a task's append-only status history.
type StatusChange struct {
	FromStatus *TaskStatus // nil for the creation entry
	ToStatus   TaskStatus
	ChangedBy  UserRef
	ChangedAt  time.Time
	Reason     string
}

// Task is the unit of work tracked by the system.
type Task struct {
	UID           string
	Title         string
	Description   string
	Status        TaskStatus
	Priority      Priority
	CreatedBy     UserRef
	Assignees     []UserRef
	Notes         []Note
	Media         []MediaItem
	StatusHistory []StatusChange
	OnHoldReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasAssignee reports whether the user is assigned to the task.
func (t *Task) HasAssignee(telegramID int64) bool {
	for _, a := range t.Assignees {
		if a.TelegramID == telegramID {
			return true
		}
	}
	return false
}

// FindMedia returns the media item with the given filename, or nil.
func (t *Task) FindMedia(filename string) *MediaItem {
	for i := range t.Media {
		if t.Media[i].Metadata.Filename == filename {
			return &t.Media[i]
		}
	}
	return nil
}

// TaskHead is the subset of task columns used for listing and searching.
type TaskHead struct {
	UID         string
	Title       string
	Description string
	Status      TaskStatus
	UpdatedAt   time.Time
}

// TaskFilter selects task heads. Zero-valued fields do not filter.
type TaskFilter struct {
	Status     TaskStatus
	AssigneeID int64
	// VisibleTo restricts results to tasks the user created or is assigned to.
	VisibleTo int64
}

// TaskFieldsUpdate carries the editable scalar fields of a task.
type TaskFieldsUpdate struct {
	Title       string
	Description string
	Priority    Priority
	UpdatedAt   time.Time
}

// StatusUpdate is a validated status transition ready to be persisted.
type StatusUpdate struct {
	Change       StatusChange
	OnHoldReason *string
	// MediaDeleteAfter, when set, is stamped on every media item that has no
	// deletion deadline yet.
	MediaDeleteAfter *time.Time
}

// ExpiredMedia identifies a media item past its deletion deadline.
type ExpiredMedia struct {
	TaskUID string
	Item    MediaItem
}

// BlobDeletion is a stored object whose media row is gone but whose
// content may still exist.
type BlobDeletion struct {
	Key       string
	TaskUID   string
	Attempts  int
	LastError string
	CreatedAt time.Time
	NextAt    time.Time
}

// MagicLink is a pending single-use login nonce. Only the hash of the nonce
// is stored.
type MagicLink struct {
	TokenHash  string
	TelegramID int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// UserPatch carries optional user field updates. Nil fields are left unchanged.
type UserPatch struct {
	Name     *string
	Username *string
	Role     *Role
	Active   *bool
}

// UserStore defines the user directory operations.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, telegramID int64) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	PatchUser(ctx context.Context, telegramID int64, p UserPatch) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsers(ctx context.Context) (int, error)
	TouchUser(ctx context.Context, telegramID int64, at time.Time) error
	UpsertChatUser(ctx context.Context, ref UserRef, at time.Time) (*User, error)
}

// TaskStore defines the task persistence operations.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task, uidPrefix string) error
	GetTask(ctx context.Context, uid string) (*Task, error)
	ListTaskHeads(ctx context.Context, f TaskFilter) ([]TaskHead, error)
	UpdateTaskFields(ctx context.Context, uid string, u TaskFieldsUpdate) error
	ApplyStatusChange(ctx context.Context, uid string, u StatusUpdate) error
	AddAssignee(ctx context.Context, uid string, ref UserRef, at time.Time) (bool, error)
	RemoveAssignee(ctx context.Context, uid string, telegramID int64, at time.Time) (bool, error)
	AddNote(ctx context.Context, uid string, n *Note) error
	AddMedia(ctx context.Context, uid string, m *MediaItem, at time.Time) error
	RemoveMedia(ctx context.Context, uid, mediaID string, at time.Time) error
	ListExpiredMedia(ctx context.Context, now time.Time) ([]ExpiredMedia, error)
}

// BlobDeletionStore defines the queue of stored objects awaiting deletion.
type BlobDeletionStore interface {
	EnqueueBlobDeletion(ctx context.Context, uid, key string, at time.Time) error
	GetBlobDeletion(ctx context.Context, key string) (*BlobDeletion, error)
	ListBlobDeletions(ctx context.Context, now time.Time, limit int) ([]BlobDeletion, error)
	CompleteBlobDeletion(ctx context.Context, key string) error
	RescheduleBlobDeletion(ctx context.Context, key string, attempts int, nextAt time.Time, lastErr string) error
}

// MagicLinkStore defines the pending-nonce table operations.
type MagicLinkStore interface {
	CreateMagicLink(ctx context.Context, l *MagicLink) error
	ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (*MagicLink, error)
	DeleteExpiredMagicLinks(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore defines the admin audit log operations.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface.
type Store interface {
	UserStore
	TaskStore
	BlobDeletionStore
	MagicLinkStore
	AuditStore
	Close() error
}
