// ABOUTME: Durable queue of stored objects whose media rows were removed
// ABOUTME: Entries are written with the row removal and cleared once the object is confirmed gone

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// enqueueBlobDeletion records key as awaiting deletion, due at at. An
// existing entry keeps its attempt count.
func enqueueBlobDeletion(ctx context.Context, q querier, uid, key string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO blob_deletions (blob_key, task_uid, attempts, created_at, next_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (blob_key) DO UPDATE SET task_uid = excluded.task_uid, next_at = excluded.next_at
	`, key, uid, formatTime(at), formatTime(at))
	if err != nil {
		return fmt.Errorf("queueing blob deletion: %w", err)
	}
	return nil
}

// EnqueueBlobDeletion records an object that no row references, such as
// an upload that was rejected after it was stored.
func (s *SQLiteStore) EnqueueBlobDeletion(ctx context.Context, uid, key string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return enqueueBlobDeletion(ctx, tx, uid, key, at)
	})
}

const blobDeletionColumns = `blob_key, task_uid, attempts, last_error, created_at, next_at`

func scanBlobDeletion(scanner interface{ Scan(dest ...any) error }) (BlobDeletion, error) {
	var (
		d                 BlobDeletion
		lastError         sql.NullString
		createdAt, nextAt string
	)
	if err := scanner.Scan(&d.Key, &d.TaskUID, &d.Attempts, &lastError, &createdAt, &nextAt); err != nil {
		return d, err
	}
	d.LastError = lastError.String

	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.NextAt, err = parseTime(nextAt); err != nil {
		return d, fmt.Errorf("parsing next_at: %w", err)
	}
	return d, nil
}

// GetBlobDeletion returns the pending entry for key.
// Returns ErrNotFound if nothing is queued for it.
func (s *SQLiteStore) GetBlobDeletion(ctx context.Context, key string) (*BlobDeletion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blobDeletionColumns+` FROM blob_deletions WHERE blob_key = ?`, key)
	d, err := scanBlobDeletion(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying blob deletion: %w", err)
	}
	return &d, nil
}

// ListBlobDeletions returns up to limit entries due at or before now,
// earliest first.
func (s *SQLiteStore) ListBlobDeletions(ctx context.Context, now time.Time, limit int) ([]BlobDeletion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blobDeletionColumns+` FROM blob_deletions
		WHERE next_at <= ?
		ORDER BY next_at, blob_key
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying blob deletions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pending := []BlobDeletion{}
	for rows.Next() {
		d, err := scanBlobDeletion(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blob deletions: %w", err)
	}
	return pending, nil
}

// CompleteBlobDeletion drops the entry for key. Completing a key that is
// not queued succeeds.
func (s *SQLiteStore) CompleteBlobDeletion(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM blob_deletions WHERE blob_key = ?`, key); err != nil {
		return fmt.Errorf("completing blob deletion: %w", err)
	}
	return nil
}

// RescheduleBlobDeletion records a failed attempt and when to try again.
// Returns ErrNotFound if the entry was completed or cleared meanwhile.
func (s *SQLiteStore) RescheduleBlobDeletion(ctx context.Context, key string, attempts int, nextAt time.Time, lastErr string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE blob_deletions SET attempts = ?, next_at = ?, last_error = ?
		WHERE blob_key = ?
	`, attempts, formatTime(nextAt), nullString(lastErr), key)
	if err != nil {
		return fmt.Errorf("rescheduling blob deletion: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
