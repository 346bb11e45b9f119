// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Owns schema creation, migrations, transactions and timestamp encoding

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that lexical order of stored timestamps
// equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes write transactions; SQLite allows one writer and
	// busy retries under WAL are slower than waiting here.
	writeMu sync.Mutex
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			telegram_id  INTEGER PRIMARY KEY,
			name         TEXT NOT NULL,
			username     TEXT,
			role         TEXT NOT NULL,
			active       INTEGER NOT NULL DEFAULT 1,
			last_seen_at TEXT,
			created_at   TEXT NOT NULL,

			CHECK (role IN ('user', 'admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at DESC);

		CREATE TABLE IF NOT EXISTS task_counters (
			prefix TEXT PRIMARY KEY,
			next   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			uid                 TEXT PRIMARY KEY,
			title               TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			priority            TEXT NOT NULL,
			created_by_id       INTEGER NOT NULL,
			created_by_name     TEXT NOT NULL,
			created_by_username TEXT,
			on_hold_reason      TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			CHECK (status IN ('new', 'in_progress', 'on_hold', 'done_pending_review', 'done', 'canceled')),
			CHECK (priority IN ('low', 'medium', 'high', 'urgent'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_by ON tasks(created_by_id);

		CREATE TABLE IF NOT EXISTS task_assignees (
			task_uid    TEXT NOT NULL REFERENCES tasks(uid) ON DELETE CASCADE,
			telegram_id INTEGER NOT NULL,
			name        TEXT NOT NULL,
			username    TEXT,
			added_at    TEXT NOT NULL,

			PRIMARY KEY (task_uid, telegram_id)
		);

		CREATE INDEX IF NOT EXISTS idx_task_assignees_user ON task_assignees(telegram_id);

		CREATE TABLE IF NOT EXISTS task_notes (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			note_id         TEXT NOT NULL UNIQUE,
			task_uid        TEXT NOT NULL REFERENCES tasks(uid) ON DELETE CASCADE,
			content         TEXT NOT NULL,
			author_id       INTEGER NOT NULL,
			author_name     TEXT NOT NULL,
			author_username TEXT,
			media_filename  TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_notes_task ON task_notes(task_uid, seq);

		CREATE TABLE IF NOT EXISTS task_media (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			media_id      TEXT NOT NULL UNIQUE,
			task_uid      TEXT NOT NULL REFERENCES tasks(uid) ON DELETE CASCADE,
			type          TEXT NOT NULL,
			path          TEXT NOT NULL,
			filename      TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			delete_after  TEXT,
			created_at    TEXT NOT NULL,

			UNIQUE (task_uid, filename),
			CHECK (type IN ('photo', 'video', 'audio', 'document', 'voice'))
		);

		CREATE INDEX IF NOT EXISTS idx_task_media_delete_after ON task_media(delete_after);

		CREATE TABLE IF NOT EXISTS blob_deletions (
			blob_key   TEXT PRIMARY KEY,
			task_uid   TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			next_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_blob_deletions_next ON blob_deletions(next_at);

		CREATE TABLE IF NOT EXISTS task_status_history (
			seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
			task_uid            TEXT NOT NULL REFERENCES tasks(uid) ON DELETE CASCADE,
			from_status         TEXT,
			to_status           TEXT NOT NULL,
			changed_by_id       INTEGER NOT NULL,
			changed_by_name     TEXT NOT NULL,
			changed_by_username TEXT,
			changed_at          TEXT NOT NULL,
			reason              TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_status_history_task ON task_status_history(task_uid, seq);

		CREATE TABLE IF NOT EXISTS magic_links (
			token_hash  TEXT PRIMARY KEY,
			telegram_id INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			consumed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_magic_links_expires ON magic_links(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    INTEGER NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "task_notes",
			column: "media_filename",
			apply:  `ALTER TABLE task_notes ADD COLUMN media_filename TEXT`,
		},
		{
			table:  "task_media",
			column: "delete_after",
			apply:  `ALTER TABLE task_media ADD COLUMN delete_after TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// withTx runs fn inside a write transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullTime formats an optional timestamp for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullTime parses an optional stored timestamp.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
