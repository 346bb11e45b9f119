// ABOUTME: User directory persistence keyed by Telegram id
// ABOUTME: Supports admin CRUD, last-seen tracking and lookup-or-create for chat logins

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `telegram_id, name, username, role, active, last_seen_at, created_at`

// CreateUser inserts a new user. Returns ErrUserExists if the telegram id is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (telegram_id, name, username, role, active, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		u.TelegramID,
		u.Name,
		nullString(u.Username),
		u.Role,
		u.Active,
		nullTime(u.LastSeenAt),
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user", "telegram_id", u.TelegramID, "role", u.Role)
	return nil
}

// GetUser retrieves a user by Telegram id.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, telegramID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateUser overwrites the mutable profile fields of a user.
func (s *SQLiteStore) UpdateUser(ctx context.Context, u *User) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = ?, username = ?, role = ?, active = ?
		WHERE telegram_id = ?
	`, u.Name, nullString(u.Username), u.Role, u.Active, u.TelegramID)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated user", "telegram_id", u.TelegramID, "role", u.Role, "active", u.Active)
	return nil
}

// PatchUser applies the non-nil fields of p to a user and returns the
// result. The read and write share one transaction, so concurrent patches
// touching different fields do not undo each other.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) PatchUser(ctx context.Context, telegramID int64, p UserPatch) (*User, error) {
	var u *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
		current, err := scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if p.Name != nil {
			current.Name = *p.Name
		}
		if p.Username != nil {
			current.Username = *p.Username
		}
		if p.Role != nil {
			current.Role = *p.Role
		}
		if p.Active != nil {
			current.Active = *p.Active
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET name = ?, username = ?, role = ?, active = ?
			WHERE telegram_id = ?
		`, current.Name, nullString(current.Username), current.Role, current.Active, telegramID); err != nil {
			return fmt.Errorf("updating user: %w", err)
		}
		u = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("patched user", "telegram_id", telegramID, "role", u.Role, "active", u.Active)
	return u, nil
}

// ListUsers returns all users, most recently seen first. Users that were
// never seen sort last, newest accounts first.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY last_seen_at IS NULL, last_seen_at DESC, created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// CountUsers returns the number of users in the directory.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// TouchUser sets the last-seen timestamp of a user.
func (s *SQLiteStore) TouchUser(ctx context.Context, telegramID int64, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = ? WHERE telegram_id = ?`,
		formatTime(at), telegramID)
	if err != nil {
		return fmt.Errorf("touching user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertChatUser looks up the user for a chat-platform identity, creating
// it with role user when missing. Name and username are refreshed from ref
// and last-seen is set to at. Repeated calls never create duplicates.
func (s *SQLiteStore) UpsertChatUser(ctx context.Context, ref UserRef, at time.Time) (*User, error) {
	var u *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (telegram_id, name, username, role, active, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (telegram_id) DO UPDATE SET
				name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
				username = excluded.username,
				last_seen_at = excluded.last_seen_at
		`, ref.TelegramID, ref.Name, nullString(ref.Username), RoleUser, formatTime(at), formatTime(at))
		if err != nil {
			return fmt.Errorf("upserting user: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, ref.TelegramID)
		u, err = scanUser(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var username, lastSeen sql.NullString
	var role, createdAt string

	if err := scanner.Scan(
		&u.TelegramID,
		&u.Name,
		&username,
		&role,
		&u.Active,
		&lastSeen,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.Username = username.String
	u.Role = Role(role)

	var err error
	if u.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}
