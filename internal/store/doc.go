// Package store provides persistent storage for maintdesk using SQLite.
//
// # Architecture
//
// The store package exposes narrow interfaces that SQLiteStore implements
// in a single struct:
//
//   - UserStore: the user directory keyed by Telegram id
//   - TaskStore: tasks with assignees, notes, media rows and status history
//   - MagicLinkStore: pending single-use login nonces
//   - AuditStore: admin action log
//
// Store composes all of them.
//
// # Data Models
//
//   - User: Telegram identity with role (user, admin) and active flag
//   - Task: unit of work with a uid such as SJ0001 allocated from a counter
//   - StatusChange: append-only history entry; the creation entry has no
//     FromStatus
//   - Note: immutable comment, optionally referencing a media filename
//   - MediaItem: stored object with typed metadata and an optional
//     deletion deadline
//   - MagicLink: SHA-256 hash of a login nonce with expiry and consumption
//
// # Consistency
//
// Multi-row mutations run in one transaction. Each task mutation advances
// updated_at strictly, even when the supplied clock does not move.
// Magic links are consumed by a single conditional UPDATE, so at most one
// concurrent caller receives the link.
//
// Timestamps are stored as fixed-width UTC strings so that comparisons in
// SQL follow chronological order.
//
// # SQLite Configuration
//
// Connections are opened with:
//
//	_pragma=busy_timeout(5000)
//	_pragma=foreign_keys(1)
//	_pragma=journal_mode(WAL)   (file databases only)
//
// Use NewSQLiteStore(":memory:") or a path under t.TempDir() in tests.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrUserExists: telegram id already registered
//   - ErrMediaExists: filename already attached to the task
//   - ErrLinkNotConsumable: magic link unknown, consumed or expired
package store
