// Package audit records a best-effort connection-lifecycle log: one row
// per authenticated connect, disconnect and kick event. It is a supplemental
// addition (SPEC_FULL.md §11), not part of the core relay path, so a
// write failure is logged and swallowed rather than surfaced to the
// Connection Controller.
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tuic-go/tuicd/pkg/logger"
)

// EventKind tags one row of the audit log.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventKick       EventKind = "kick"
)

// Store is a sqlite-backed append-only log of connection lifecycle
// events. Grounded on pkg/common/credential/db_store.go's
// database/sql + prepared-statement idiom, generalized from a
// credential table to an event log and from a pluggable driver to
// sqlite specifically (modernc.org/sqlite, a pure-Go cgo-free driver
// also used by the rest of the pack).
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	insertStmt *sql.Stmt
}

// Open creates (or reuses) the sqlite database at path and ensures the
// events table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	const createTable = `CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_uuid TEXT NOT NULL,
		kind TEXT NOT NULL,
		remote_addr TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	)`
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO connection_events (user_uuid, kind, remote_addr, occurred_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare audit insert: %w", err)
	}

	return &Store{db: db, insertStmt: stmt}, nil
}

// Record appends one lifecycle event. Failures are logged at warn and
// otherwise ignored: the audit trail is best-effort and must never
// affect relay behavior.
func (s *Store) Record(kind EventKind, user uuid.UUID, remoteAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.insertStmt.Exec(user.String(), string(kind), remoteAddr, time.Now().UTC()); err != nil {
		logger.Warn("audit: failed to record event", "kind", kind, "user", user, "err", err)
	}
}

// Close releases the prepared statement and the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertStmt.Close(); err != nil {
		logger.Warn("audit: failed to close prepared statement", "err", err)
	}
	return s.db.Close()
}
