// ABOUTME: Pending magic-link nonces stored by hash with single-use consumption
// ABOUTME: Consumption is one conditional UPDATE so concurrent verifiers cannot both win

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateMagicLink stores a pending login nonce.
func (s *SQLiteStore) CreateMagicLink(ctx context.Context, l *MagicLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (token_hash, telegram_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, l.TokenHash, l.TelegramID, formatTime(l.CreatedAt), formatTime(l.ExpiresAt))
	if err != nil {
		return fmt.Errorf("inserting magic link: %w", err)
	}

	s.logger.Debug("created magic link", "telegram_id", l.TelegramID, "expires_at", l.ExpiresAt)
	return nil
}

// ConsumeMagicLink atomically marks a pending nonce as consumed and returns
// it. Returns ErrLinkNotConsumable if the nonce is unknown, already
// consumed, or expired at now.
func (s *SQLiteStore) ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (*MagicLink, error) {
	nowStr := formatTime(now)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var l MagicLink
	var createdAt, expiresAt, consumedAt string
	err := s.db.QueryRowContext(ctx, `
		UPDATE magic_links
		SET consumed_at = ?
		WHERE token_hash = ?
		  AND consumed_at IS NULL
		  AND expires_at > ?
		RETURNING token_hash, telegram_id, created_at, expires_at, consumed_at
	`, nowStr, tokenHash, nowStr).Scan(&l.TokenHash, &l.TelegramID, &createdAt, &expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotConsumable
	}
	if err != nil {
		return nil, fmt.Errorf("consuming magic link: %w", err)
	}

	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	consumed, err := parseTime(consumedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing consumed_at: %w", err)
	}
	l.ConsumedAt = &consumed
	return &l, nil
}

// DeleteExpiredMagicLinks removes nonces that expired at or before now,
// consumed or not.
func (s *SQLiteStore) DeleteExpiredMagicLinks(ctx context.Context, now time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM magic_links WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired magic links: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("deleted expired magic links", "count", n)
	}
	return n, nil
}
