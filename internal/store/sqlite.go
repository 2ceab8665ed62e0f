// Package store provides the best-effort sqlite-backed mirror of the
// MessageLedger (messages/ledger.db, see §6 Persisted state).
//
// Persistence here is explicitly best-effort: the Non-goals rule out
// persistence guarantees beyond a message log, so every write is logged and
// swallowed on failure rather than propagated to the caller.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
)

// schemaVersion is bumped whenever schema below changes. golang-migrate's
// bundled sqlite3 driver requires mattn/go-sqlite3 (cgo), which would
// undercut the reason modernc.org/sqlite was chosen (a pure-Go, cgo-free
// build); since this schema is a single table, the DDL is applied with
// CREATE ... IF NOT EXISTS and the version is stamped into schema_meta on
// first open. No migration steps between versions exist.
const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS ledger_entries (
	session_id   TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	fingerprint  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	payload      BLOB NOT NULL,
	occurred_at  INTEGER NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_ledger_session ON ledger_entries(session_id, occurred_at);
`

// SQLiteLedgerStore persists ledger entries to a local sqlite database. It
// satisfies ledger.Store.
type SQLiteLedgerStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLiteLedgerStore opens (creating if necessary) the ledger database at
// path and ensures the schema is current.
func OpenSQLiteLedgerStore(path string, log *slog.Logger) (*SQLiteLedgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite + single writer: avoid SQLITE_BUSY under the app's own load

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	if err := stampSchemaVersion(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteLedgerStore{db: db, log: log}, nil
}

func stampSchemaVersion(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("read schema_meta: %w", err)
	}
	if count == 0 {
		_, err := db.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion)
		return err
	}
	return nil
}

// Persist implements ledger.Store. Failures are logged, never returned:
// ledger persistence is best-effort by design.
func (s *SQLiteLedgerStore) Persist(sessionID string, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("ledger persist: marshal failed", "sessionId", sessionID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ledger_entries(session_id, sequence, fingerprint, kind, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, e.Sequence, e.Fingerprint, string(e.Kind), payload, e.Timestamp.Unix(),
	)
	if err != nil {
		s.log.Warn("ledger persist: insert failed", "sessionId", sessionID, "err", err)
	}
}

// Trim deletes entries older than before for all sessions, matching the
// in-memory ledger's MaxAge retention (run by the Supervisor's periodic sweep).
func (s *SQLiteLedgerStore) Trim(before time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE occurred_at < ?`, before.Unix()); err != nil {
		s.log.Warn("ledger trim failed", "err", err)
	}
}

// LoadSince returns persisted entries for a session with sequence greater
// than fromSequence, ordered ascending. Used to rehydrate the in-memory
// ledger ring buffer after a restart (best-effort; see package doc).
func (s *SQLiteLedgerStore) LoadSince(ctx context.Context, sessionID string, fromSequence int64) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM ledger_entries WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, fromSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("load ledger entries: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			s.log.Warn("ledger load: skipping unparseable entry", "sessionId", sessionID, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteLedgerStore) Close() error {
	return s.db.Close()
}
