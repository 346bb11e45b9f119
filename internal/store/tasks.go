// ABOUTME: Task persistence: uid allocation, status history, assignees, notes and media rows
// ABOUTME: Every mutation runs in one transaction and advances updated_at strictly

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateTask inserts a new task and assigns its uid as prefix plus a
// zero-padded sequence number. The task must carry its initial status
// history entry.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task, uidPrefix string) error {
	if len(t.StatusHistory) == 0 {
		return errors.New("task requires an initial status change")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO task_counters (prefix, next) VALUES (?, 1)
			ON CONFLICT (prefix) DO UPDATE SET next = next + 1
			RETURNING next
		`, uidPrefix).Scan(&n)
		if err != nil {
			return fmt.Errorf("allocating task uid: %w", err)
		}
		t.UID = fmt.Sprintf("%s%04d", uidPrefix, n)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (uid, title, description, status, priority,
				created_by_id, created_by_name, created_by_username,
				on_hold_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.UID,
			t.Title,
			t.Description,
			t.Status,
			t.Priority,
			t.CreatedBy.TelegramID,
			t.CreatedBy.Name,
			nullString(t.CreatedBy.Username),
			t.OnHoldReason,
			formatTime(t.CreatedAt),
			formatTime(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}

		for _, a := range t.Assignees {
			if _, err := insertAssignee(ctx, tx, t.UID, a, t.CreatedAt); err != nil {
				return err
			}
		}
		for i := range t.StatusHistory {
			if err := insertStatusChange(ctx, tx, t.UID, t.StatusHistory[i]); err != nil {
				return err
			}
		}

		s.logger.Info("created task", "uid", t.UID, "created_by", t.CreatedBy.TelegramID)
		return nil
	})
}

// GetTask loads a task with its assignees, notes, media and status history.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, uid string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return loadTask(ctx, tx, uid)
}

func loadTask(ctx context.Context, q querier, uid string) (*Task, error) {
	var t Task
	var status, priority, createdAt, updatedAt string
	var createdByUsername, onHold sql.NullString

	err := q.QueryRowContext(ctx, `
		SELECT uid, title, description, status, priority,
			created_by_id, created_by_name, created_by_username,
			on_hold_reason, created_at, updated_at
		FROM tasks WHERE uid = ?
	`, uid).Scan(
		&t.UID,
		&t.Title,
		&t.Description,
		&status,
		&priority,
		&t.CreatedBy.TelegramID,
		&t.CreatedBy.Name,
		&createdByUsername,
		&onHold,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	t.Status = TaskStatus(status)
	t.Priority = Priority(priority)
	t.CreatedBy.Username = createdByUsername.String
	if onHold.Valid {
		reason := onHold.String
		t.OnHoldReason = &reason
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if t.Assignees, err = loadAssignees(ctx, q, uid); err != nil {
		return nil, err
	}
	if t.Notes, err = loadNotes(ctx, q, uid); err != nil {
		return nil, err
	}
	if t.Media, err = loadMedia(ctx, q, uid); err != nil {
		return nil, err
	}
	if t.StatusHistory, err = loadStatusHistory(ctx, q, uid); err != nil {
		return nil, err
	}
	return &t, nil
}

func loadAssignees(ctx context.Context, q querier, uid string) ([]UserRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT telegram_id, name, username FROM task_assignees
		WHERE task_uid = ? ORDER BY added_at, telegram_id
	`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying assignees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := []UserRef{}
	for rows.Next() {
		var r UserRef
		var username sql.NullString
		if err := rows.Scan(&r.TelegramID, &r.Name, &username); err != nil {
			return nil, fmt.Errorf("scanning assignee: %w", err)
		}
		r.Username = username.String
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func loadNotes(ctx context.Context, q querier, uid string) ([]Note, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT note_id, content, author_id, author_name, author_username, media_filename, created_at
		FROM task_notes WHERE task_uid = ? ORDER BY seq
	`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notes := []Note{}
	for rows.Next() {
		var n Note
		var username, media sql.NullString
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Content, &n.Author.TelegramID, &n.Author.Name,
			&username, &media, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		n.Author.Username = username.String
		n.MediaFilename = media.String
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing note created_at: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

const mediaColumns = `media_id, type, path, metadata_json, delete_after, created_at`

func scanMedia(scanner interface{ Scan(dest ...any) error }, extra ...any) (MediaItem, error) {
	var m MediaItem
	var mediaType, metadata, createdAt string
	var deleteAfter sql.NullString

	dest := append(extra, &m.ID, &mediaType, &m.Path, &metadata, &deleteAfter, &createdAt)
	if err := scanner.Scan(dest...); err != nil {
		return m, fmt.Errorf("scanning media: %w", err)
	}

	m.Type = MediaType(mediaType)
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return m, fmt.Errorf("unmarshaling media metadata: %w", err)
	}
	var err error
	if m.DeleteAfter, err = parseNullTime(deleteAfter); err != nil {
		return m, fmt.Errorf("parsing delete_after: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return m, fmt.Errorf("parsing media created_at: %w", err)
	}
	return m, nil
}

func loadMedia(ctx context.Context, q querier, uid string) ([]MediaItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM task_media WHERE task_uid = ? ORDER BY seq`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []MediaItem{}
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func loadStatusHistory(ctx context.Context, q querier, uid string) ([]StatusChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT from_status, to_status, changed_by_id, changed_by_name, changed_by_username,
			changed_at, reason
		FROM task_status_history WHERE task_uid = ? ORDER BY seq
	`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := []StatusChange{}
	for rows.Next() {
		var c StatusChange
		var from, username, reason sql.NullString
		var to, changedAt string
		if err := rows.Scan(&from, &to, &c.ChangedBy.TelegramID, &c.ChangedBy.Name,
			&username, &changedAt, &reason); err != nil {
			return nil, fmt.Errorf("scanning status change: %w", err)
		}
		if from.Valid {
			fs := TaskStatus(from.String)
			c.FromStatus = &fs
		}
		c.ToStatus = TaskStatus(to)
		c.ChangedBy.Username = username.String
		c.Reason = reason.String
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		history = append(history, c)
	}
	return history, rows.Err()
}

// ListTaskHeads returns the listing columns of tasks matching the filter,
// most recently updated first.
func (s *SQLiteStore) ListTaskHeads(ctx context.Context, f TaskFilter) ([]TaskHead, error) {
	var status *string
	if f.Status != "" {
		st := string(f.Status)
		status = &st
	}
	var assignee, visible *int64
	if f.AssigneeID != 0 {
		assignee = &f.AssigneeID
	}
	if f.VisibleTo != 0 {
		visible = &f.VisibleTo
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.uid, t.title, t.description, t.status, t.updated_at
		FROM tasks t
		WHERE (? IS NULL OR t.status = ?)
		  AND (? IS NULL OR EXISTS (
				SELECT 1 FROM task_assignees a WHERE a.task_uid = t.uid AND a.telegram_id = ?))
		  AND (? IS NULL OR t.created_by_id = ? OR EXISTS (
				SELECT 1 FROM task_assignees v WHERE v.task_uid = t.uid AND v.telegram_id = ?))
		ORDER BY t.updated_at DESC, t.uid DESC
	`,
		status, status,
		assignee, assignee,
		visible, visible, visible,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	heads := []TaskHead{}
	for rows.Next() {
		var h TaskHead
		var st, updatedAt string
		if err := rows.Scan(&h.UID, &h.Title, &h.Description, &st, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning task head: %w", err)
		}
		h.Status = TaskStatus(st)
		if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		heads = append(heads, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return heads, nil
}

// touchTask advances updated_at to at, or to just after the stored value
// when at does not move forward. Returns ErrNotFound for unknown tasks.
func touchTask(ctx context.Context, tx *sql.Tx, uid string, at time.Time) (time.Time, error) {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT updated_at FROM tasks WHERE uid = ?`, uid).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying updated_at: %w", err)
	}
	cur, err := parseTime(current)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	next := at.UTC()
	if !next.After(cur) {
		next = cur.Add(time.Microsecond)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE uid = ?`, formatTime(next), uid); err != nil {
		return time.Time{}, fmt.Errorf("updating updated_at: %w", err)
	}
	return next, nil
}

// UpdateTaskFields overwrites title, description and priority.
func (s *SQLiteStore) UpdateTaskFields(ctx context.Context, uid string, u TaskFieldsUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := touchTask(ctx, tx, uid, u.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, priority = ? WHERE uid = ?
		`, u.Title, u.Description, u.Priority, uid)
		if err != nil {
			return fmt.Errorf("updating task fields: %w", err)
		}
		return nil
	})
}

// ApplyStatusChange sets the status and on-hold reason, appends the change
// to the history and optionally stamps media deletion deadlines, atomically.
func (s *SQLiteStore) ApplyStatusChange(ctx context.Context, uid string, u StatusUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		changedAt, err := touchTask(ctx, tx, uid, u.Change.ChangedAt)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, on_hold_reason = ? WHERE uid = ?
		`, u.Change.ToStatus, u.OnHoldReason, uid)
		if err != nil {
			return fmt.Errorf("updating task status: %w", err)
		}

		change := u.Change
		change.ChangedAt = changedAt
		if err := insertStatusChange(ctx, tx, uid, change); err != nil {
			return err
		}

		if u.MediaDeleteAfter != nil {
			result, err := tx.ExecContext(ctx, `
				UPDATE task_media SET delete_after = ?
				WHERE task_uid = ? AND delete_after IS NULL
			`, formatTime(*u.MediaDeleteAfter), uid)
			if err != nil {
				return fmt.Errorf("stamping media retention: %w", err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				s.logger.Debug("scheduled media deletion", "uid", uid, "count", n, "delete_after", *u.MediaDeleteAfter)
			}
		}

		s.logger.Debug("changed task status", "uid", uid, "to", u.Change.ToStatus)
		return nil
	})
}

func insertStatusChange(ctx context.Context, tx *sql.Tx, uid string, c StatusChange) error {
	var from any
	if c.FromStatus != nil {
		from = string(*c.FromStatus)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_status_history (task_uid, from_status, to_status,
			changed_by_id, changed_by_name, changed_by_username, changed_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uid,
		from,
		c.ToStatus,
		c.ChangedBy.TelegramID,
		c.ChangedBy.Name,
		nullString(c.ChangedBy.Username),
		formatTime(c.ChangedAt),
		nullString(c.Reason),
	)
	if err != nil {
		return fmt.Errorf("inserting status change: %w", err)
	}
	return nil
}

func insertAssignee(ctx context.Context, tx *sql.Tx, uid string, ref UserRef, at time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO task_assignees (task_uid, telegram_id, name, username, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_uid, telegram_id) DO NOTHING
	`, uid, ref.TelegramID, ref.Name, nullString(ref.Username), formatTime(at))
	if err != nil {
		return false, fmt.Errorf("inserting assignee: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// AddAssignee adds ref to the task's assignee set. Adding a present
// assignee changes nothing and reports false.
func (s *SQLiteStore) AddAssignee(ctx context.Context, uid string, ref UserRef, at time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireTask(ctx, tx, uid); err != nil {
			return err
		}
		var err error
		if changed, err = insertAssignee(ctx, tx, uid, ref, at); err != nil {
			return err
		}
		if changed {
			_, err = touchTask(ctx, tx, uid, at)
		}
		return err
	})
	return changed, err
}

// RemoveAssignee removes the user from the task's assignee set. Removing an
// absent assignee changes nothing and reports false.
func (s *SQLiteStore) RemoveAssignee(ctx context.Context, uid string, telegramID int64, at time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireTask(ctx, tx, uid); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM task_assignees WHERE task_uid = ? AND telegram_id = ?`, uid, telegramID)
		if err != nil {
			return fmt.Errorf("deleting assignee: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		changed = n > 0
		if changed {
			_, err = touchTask(ctx, tx, uid, at)
		}
		return err
	})
	return changed, err
}

func requireTask(ctx context.Context, tx *sql.Tx, uid string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE uid = ?`, uid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying task: %w", err)
	}
	return nil
}

// AddNote appends an immutable note to the task.
func (s *SQLiteStore) AddNote(ctx context.Context, uid string, n *Note) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := touchTask(ctx, tx, uid, n.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_notes (note_id, task_uid, content, author_id, author_name,
				author_username, media_filename, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			n.ID,
			uid,
			n.Content,
			n.Author.TelegramID,
			n.Author.Name,
			nullString(n.Author.Username),
			nullString(n.MediaFilename),
			formatTime(n.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting note: %w", err)
		}
		return nil
	})
}

// AddMedia records a stored object on the task. Returns ErrMediaExists when
// the task already has media with the same filename.
func (s *SQLiteStore) AddMedia(ctx context.Context, uid string, m *MediaItem, at time.Time) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling media metadata: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = at
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := touchTask(ctx, tx, uid, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_media (media_id, task_uid, type, path, filename, metadata_json,
				delete_after, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			m.ID,
			uid,
			m.Type,
			m.Path,
			m.Metadata.Filename,
			string(metadata),
			nullTime(m.DeleteAfter),
			formatTime(m.CreatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrMediaExists
			}
			return fmt.Errorf("inserting media: %w", err)
		}
		// The new object replaced whatever a pending deletion was waiting to remove.
		if _, err := tx.ExecContext(ctx, `DELETE FROM blob_deletions WHERE blob_key = ?`, m.Path); err != nil {
			return fmt.Errorf("clearing pending blob deletion: %w", err)
		}
		return nil
	})
}

// RemoveMedia deletes a media row from the task and queues its stored
// object for deletion in the same transaction. The caller deletes the
// object and then calls CompleteBlobDeletion; anything left queued is
// retried by the retention sweeper.
// Returns ErrNotFound if the task has no such media.
func (s *SQLiteStore) RemoveMedia(ctx context.Context, uid, mediaID string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var key string
		err := tx.QueryRowContext(ctx,
			`SELECT path FROM task_media WHERE task_uid = ? AND media_id = ?`, uid, mediaID).Scan(&key)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying media: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_media WHERE task_uid = ? AND media_id = ?`, uid, mediaID); err != nil {
			return fmt.Errorf("deleting media: %w", err)
		}
		if err := enqueueBlobDeletion(ctx, tx, uid, key, at); err != nil {
			return err
		}
		_, err = touchTask(ctx, tx, uid, at)
		return err
	})
}

// ListExpiredMedia returns media whose deletion deadline is at or before now,
// oldest deadline first.
func (s *SQLiteStore) ListExpiredMedia(ctx context.Context, now time.Time) ([]ExpiredMedia, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_uid, `+mediaColumns+` FROM task_media
		WHERE delete_after IS NOT NULL AND delete_after <= ?
		ORDER BY delete_after, seq
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying expired media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	expired := []ExpiredMedia{}
	for rows.Next() {
		var e ExpiredMedia
		e.Item, err = scanMedia(rows, &e.TaskUID)
		if err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired media: %w", err)
	}
	return expired, nil
}
