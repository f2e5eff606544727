// Package sqlite provides a SQLite-backed [transcript.Store] using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/internal/transcript"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var _ transcript.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    started_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS fragments (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL,
    seq         INTEGER NOT NULL,
    role        TEXT    NOT NULL,
    text        TEXT    NOT NULL,
    received_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fragments_session_seq ON fragments(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// Store is a SQLite transcript log. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path in WAL mode and
// ensures the schema exists. The special path ":memory:" opens a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSession implements [transcript.Store].
func (s *Store) UpsertSession(ctx context.Context, rec transcript.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, state, started_at, updated_at, error)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		     state = excluded.state,
		     updated_at = excluded.updated_at,
		     error = CASE WHEN excluded.error = '' THEN sessions.error ELSE excluded.error END`,
		rec.ID, rec.State, formatTime(rec.StartedAt), formatTime(rec.UpdatedAt), rec.Error)
	if err != nil {
		return fmt.Errorf("sqlite store: upsert session: %w", err)
	}
	return nil
}

// AppendFragment implements [transcript.Store].
func (s *Store) AppendFragment(ctx context.Context, sessionID string, f session.Fragment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fragments(session_id, seq, role, text, received_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, f.Seq, string(f.Role), f.Text, formatTime(f.ReceivedAt))
	if err != nil {
		return fmt.Errorf("sqlite store: append fragment: %w", err)
	}
	return nil
}

// Fragments implements [transcript.Store].
func (s *Store) Fragments(ctx context.Context, sessionID string) ([]session.Fragment, error) {
	var known int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE session_id = ?)
		     OR EXISTS(SELECT 1 FROM fragments WHERE session_id = ?)`,
		sessionID, sessionID).Scan(&known)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: lookup session: %w", err)
	}
	if known == 0 {
		return nil, transcript.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, text, received_at FROM fragments
		 WHERE session_id = ? ORDER BY seq ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query fragments: %w", err)
	}
	defer rows.Close()

	frags := []session.Fragment{}
	for rows.Next() {
		var (
			f        session.Fragment
			role     string
			received string
		)
		if err := rows.Scan(&f.Seq, &role, &f.Text, &received); err != nil {
			return nil, fmt.Errorf("sqlite store: scan fragment: %w", err)
		}
		f.Role = live.Role(role)
		f.ReceivedAt = parseTime(received)
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// Sessions implements [transcript.Store].
func (s *Store) Sessions(ctx context.Context, limit int) ([]transcript.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, state, started_at, updated_at, error FROM sessions
		 ORDER BY started_at DESC, session_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query sessions: %w", err)
	}
	defer rows.Close()

	recs := []transcript.SessionRecord{}
	for rows.Next() {
		var (
			rec              transcript.SessionRecord
			started, updated string
		)
		if err := rows.Scan(&rec.ID, &rec.State, &started, &updated, &rec.Error); err != nil {
			return nil, fmt.Errorf("sqlite store: scan session: %w", err)
		}
		rec.StartedAt = parseTime(started)
		rec.UpdatedAt = parseTime(updated)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
