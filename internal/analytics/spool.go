package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hanashi-ai/hanashi/internal/model"
)

// Spool persists exports that could not be delivered to the sink, so a
// broker outage loses nothing. Redelivery happens on the next queue
// flush cycle.
type Spool struct {
	db *sql.DB
}

const spoolSchema = `
CREATE TABLE IF NOT EXISTS export_spool (
	session_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	spooled_at TEXT NOT NULL
);
`

// OpenSpool opens (creating if needed) the spool database at path.
// Use ":memory:" for an ephemeral spool in tests.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("analytics: open spool %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(spoolSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("analytics: init spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

// Put stores an export for later redelivery. Re-spooling the same
// session overwrites the previous row, keeping the spool idempotent.
func (s *Spool) Put(ctx context.Context, export model.SessionExport) error {
	raw, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("analytics: marshal spooled export %s: %w", export.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO export_spool (session_id, payload, spooled_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET payload = excluded.payload, spooled_at = excluded.spooled_at`,
		export.SessionID, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("analytics: spool export %s: %w", export.SessionID, err)
	}
	return nil
}

// Pending returns up to limit spooled exports, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]model.SessionExport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM export_spool ORDER BY spooled_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: read spool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SessionExport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("analytics: scan spool row: %w", err)
		}
		var export model.SessionExport
		if err := json.Unmarshal([]byte(raw), &export); err != nil {
			return nil, fmt.Errorf("analytics: decode spooled export: %w", err)
		}
		out = append(out, export)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics: iterate spool: %w", err)
	}
	return out, nil
}

// Remove deletes a delivered export from the spool.
func (s *Spool) Remove(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM export_spool WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("analytics: remove spooled export %s: %w", sessionID, err)
	}
	return nil
}

// Len reports the number of spooled exports.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM export_spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("analytics: count spool: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}
