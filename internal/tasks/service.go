// ABOUTME: Task lifecycle service enforcing roles, visibility and the status state machine
// ABOUTME: Serializes mutations per task uid on top of the SQLite task store

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/store"
)

var (
	// ErrReasonRequired is returned when putting a task on hold without a reason.
	ErrReasonRequired = errors.New("reason is required to put a task on hold")

	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidPriority is returned for unknown priority values.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidInput is returned for malformed field values.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 10000
	maxNoteLen        = 10000
)

// Store is the persistence the service needs.
type Store interface {
	store.TaskStore
	store.BlobDeletionStore
	GetUser(ctx context.Context, telegramID int64) (*store.User, error)
}

// Config configures a Service.
type Config struct {
	UIDPrefix          string
	DefaultLimit       int
	MaxLimit           int
	RetentionAfterDone time.Duration
	MaxUploadBytes     int64
	DeleteTimeout      time.Duration // bounds one blob delete
}

// Service implements task operations for authenticated identities.
type Service struct {
	store  Store
	blobs  BlobStore
	cfg    Config
	locks  *taskLocks
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(st Store, blobs BlobStore, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UIDPrefix == "" {
		cfg.UIDPrefix = "SJ"
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	if cfg.RetentionAfterDone <= 0 {
		cfg.RetentionAfterDone = 7 * 24 * time.Hour
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 10 * time.Second
	}

	s := &Service{
		store:  st,
		blobs:  blobs,
		cfg:    cfg,
		locks:  newTaskLocks(),
		logger: logger.With("component", "tasks"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockTask takes the write lock of a task and returns its release. The
// retention sweeper uses it to order deletions with request mutations.
func (s *Service) LockTask(uid string) func() {
	return s.locks.lock(uid)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func requireAdmin(actor *auth.Identity) error {
	if actor == nil {
		return auth.ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return auth.ErrForbidden
	}
	return nil
}

// visible reports whether the identity may see the task.
func visible(viewer *auth.Identity, t *store.Task) bool {
	return viewer.IsAdmin() || t.CreatedBy.TelegramID == viewer.TelegramID || t.HasAssignee(viewer.TelegramID)
}

// loadVisible returns the task or ErrNotFound when it does not exist or
// the viewer may not see it.
func (s *Service) loadVisible(ctx context.Context, viewer *auth.Identity, uid string) (*store.Task, error) {
	if viewer == nil {
		return nil, auth.ErrUnauthorized
	}
	t, err := s.store.GetTask(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !visible(viewer, t) {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func validateText(field, v string, required bool, maxLen int) error {
	if required && strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if utf8.RuneCountInString(v) > maxLen {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, field, maxLen)
	}
	return nil
}

// NewTask holds the client-supplied fields of a task to create.
type NewTask struct {
	Title       string
	Description string
	Priority    store.Priority // medium when empty
}

// Create stores a new task in status new, created by actor.
func (s *Service) Create(ctx context.Context, actor *auth.Identity, nt NewTask) (*store.Task, error) {
	if actor == nil {
		return nil, auth.ErrUnauthorized
	}
	title := strings.TrimSpace(nt.Title)
	if err := validateText("title", title, true, maxTitleLen); err != nil {
		return nil, err
	}
	if err := validateText("description", nt.Description, false, maxDescriptionLen); err != nil {
		return nil, err
	}
	if nt.Priority == "" {
		nt.Priority = store.PriorityMedium
	}
	if !nt.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, nt.Priority)
	}

	now := s.clock()
	creator := actor.Ref()
	t := &store.Task{
		Title:       title,
		Description: nt.Description,
		Status:      store.StatusNew,
		Priority:    nt.Priority,
		CreatedBy:   creator,
		StatusHistory: []store.StatusChange{{
			ToStatus:  store.StatusNew,
			ChangedBy: creator,
			ChangedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTask(ctx, t, s.cfg.UIDPrefix); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "uid", t.UID, "by", actor.TelegramID)
	return s.store.GetTask(ctx, t.UID)
}

// Get returns a task the viewer may see.
func (s *Service) Get(ctx context.Context, viewer *auth.Identity, uid string) (*store.Task, error) {
	unlock := s.locks.rlock(uid)
	defer unlock()
	return s.loadVisible(ctx, viewer, uid)
}

// Filter narrows List results. Zero-valued fields do not filter; all set
// fields must match.
type Filter struct {
	Status     store.TaskStatus
	AssigneeID int64
	// Search is matched case-insensitively as a substring of the uid,
	// title or description.
	Search string
	Limit  int
}

// List returns matching tasks, most recently updated first. Non-admins
// only see tasks they created or are assigned to.
func (s *Service) List(ctx context.Context, viewer *auth.Identity, f Filter) ([]*store.Task, error) {
	if viewer == nil {
		return nil, auth.ErrUnauthorized
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	limit := f.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	limit = min(limit, s.cfg.MaxLimit)

	filter := store.TaskFilter{Status: f.Status, AssigneeID: f.AssigneeID}
	if !viewer.IsAdmin() {
		filter.VisibleTo = viewer.TelegramID
	}
	heads, err := s.store.ListTaskHeads(ctx, filter)
	if err != nil {
		return nil, err
	}

	// A Caser is not safe for concurrent use, so each call folds with its own.
	fold := cases.Fold()
	query := fold.String(strings.TrimSpace(f.Search))
	result := make([]*store.Task, 0, min(limit, len(heads)))
	for _, h := range heads {
		if len(result) == limit {
			break
		}
		if query != "" && !matches(fold, h, query) {
			continue
		}
		t, err := s.store.GetTask(ctx, h.UID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func matches(fold cases.Caser, h store.TaskHead, folded string) bool {
	for _, field := range []string{h.UID, h.Title, h.Description} {
		if strings.Contains(fold.String(field), folded) {
			return true
		}
	}
	return false
}

// Patch carries optional field updates. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	Priority    *store.Priority
}

// UpdateFields applies the patch after validating every field, so a bad
// value leaves the task untouched.
func (s *Service) UpdateFields(ctx context.Context, actor *auth.Identity, uid string, p Patch) (*store.Task, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if p.Title != nil {
		trimmed := strings.TrimSpace(*p.Title)
		p.Title = &trimmed
		if err := validateText("title", trimmed, true, maxTitleLen); err != nil {
			return nil, err
		}
	}
	if p.Description != nil {
		if err := validateText("description", *p.Description, false, maxDescriptionLen); err != nil {
			return nil, err
		}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, *p.Priority)
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	t, err := s.store.GetTask(ctx, uid)
	if err != nil {
		return nil, err
	}
	u := store.TaskFieldsUpdate{
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		UpdatedAt:   s.clock(),
	}
	if p.Title != nil {
		u.Title = *p.Title
	}
	if p.Description != nil {
		u.Description = *p.Description
	}
	if p.Priority != nil {
		u.Priority = *p.Priority
	}
	if err := s.store.UpdateTaskFields(ctx, uid, u); err != nil {
		return nil, err
	}
	return s.store.GetTask(ctx, uid)
}

// ChangeStatus moves the task to status. Any status may follow any other,
// including itself; every call appends to the history. Entering on_hold
// requires a non-blank reason; leaving it clears the reason. Entering done
// schedules deletion of the task's media.
func (s *Service) ChangeStatus(ctx context.Context, actor *auth.Identity, uid string, status store.TaskStatus, reason string) (*store.Task, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	reason = strings.TrimSpace(reason)
	if status == store.StatusOnHold && reason == "" {
		return nil, ErrReasonRequired
	}
	if err := validateText("reason", reason, false, maxNoteLen); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	t, err := s.store.GetTask(ctx, uid)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	from := t.Status
	u := store.StatusUpdate{
		Change: store.StatusChange{
			FromStatus: &from,
			ToStatus:   status,
			ChangedBy:  actor.Ref(),
			ChangedAt:  now,
			Reason:     reason,
		},
	}
	if status == store.StatusOnHold {
		u.OnHoldReason = &reason
	}
	if status == store.StatusDone {
		deleteAfter := now.Add(s.cfg.RetentionAfterDone)
		u.MediaDeleteAfter = &deleteAfter
	}
	if err := s.store.ApplyStatusChange(ctx, uid, u); err != nil {
		return nil, err
	}
	s.logger.Info("task status changed", "uid", uid, "from", from, "to", status, "by", actor.TelegramID)
	return s.store.GetTask(ctx, uid)
}

// AddAssignee adds an existing user to the task. Adding a current assignee
// is a no-op.
func (s *Service) AddAssignee(ctx context.Context, actor *auth.Identity, uid string, telegramID int64) (*store.Task, bool, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, false, err
	}
	u, err := s.store.GetUser(ctx, telegramID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("user %d: %w", telegramID, store.ErrNotFound)
	}
	if err != nil {
		return nil, false, err
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	changed, err := s.store.AddAssignee(ctx, uid, u.Ref(), s.clock())
	if err != nil {
		return nil, false, err
	}
	t, err := s.store.GetTask(ctx, uid)
	return t, changed, err
}

// RemoveAssignee removes a user from the task. Removing a non-assignee is
// a no-op.
func (s *Service) RemoveAssignee(ctx context.Context, actor *auth.Identity, uid string, telegramID int64) (*store.Task, bool, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, false, err
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	changed, err := s.store.RemoveAssignee(ctx, uid, telegramID, s.clock())
	if err != nil {
		return nil, false, err
	}
	t, err := s.store.GetTask(ctx, uid)
	return t, changed, err
}

// AddNote appends a note, optionally referencing one of the task's media
// items by filename.
func (s *Service) AddNote(ctx context.Context, actor *auth.Identity, uid, content, mediaFilename string) (*store.Note, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validateText("content", content, true, maxNoteLen); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	t, err := s.store.GetTask(ctx, uid)
	if err != nil {
		return nil, err
	}
	if mediaFilename != "" && t.FindMedia(mediaFilename) == nil {
		return nil, fmt.Errorf("%w: task has no media %q", ErrInvalidInput, mediaFilename)
	}

	n := &store.Note{
		ID:            uuid.NewString(),
		Content:       content,
		Author:        actor.Ref(),
		MediaFilename: mediaFilename,
		CreatedAt:     s.clock(),
	}
	if err := s.store.AddNote(ctx, uid, n); err != nil {
		return nil, err
	}
	return n, nil
}
