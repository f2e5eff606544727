// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/internal/transcript"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var _ transcript.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    session_id TEXT        PRIMARY KEY,
    state      TEXT        NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    error      TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_started_at
    ON voice_sessions (started_at DESC);

CREATE TABLE IF NOT EXISTS transcript_fragments (
    id          BIGSERIAL   PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    seq         INTEGER     NOT NULL,
    role        TEXT        NOT NULL,
    text        TEXT        NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_fragments_session_seq
    ON transcript_fragments (session_id, seq);
`

// Migrate creates the tables used by [Store] if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL transcript log backed by a [pgxpool.Pool]. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertSession implements [transcript.Store].
func (s *Store) UpsertSession(ctx context.Context, rec transcript.SessionRecord) error {
	const q = `
		INSERT INTO voice_sessions (session_id, state, started_at, updated_at, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
		    state      = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at,
		    error      = CASE WHEN EXCLUDED.error = '' THEN voice_sessions.error ELSE EXCLUDED.error END`

	if _, err := s.pool.Exec(ctx, q, rec.ID, rec.State, rec.StartedAt, rec.UpdatedAt, rec.Error); err != nil {
		return fmt.Errorf("postgres store: upsert session: %w", err)
	}
	return nil
}

// AppendFragment implements [transcript.Store].
func (s *Store) AppendFragment(ctx context.Context, sessionID string, f session.Fragment) error {
	const q = `
		INSERT INTO transcript_fragments (session_id, seq, role, text, received_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, sessionID, f.Seq, string(f.Role), f.Text, f.ReceivedAt); err != nil {
		return fmt.Errorf("postgres store: append fragment: %w", err)
	}
	return nil
}

// Fragments implements [transcript.Store].
func (s *Store) Fragments(ctx context.Context, sessionID string) ([]session.Fragment, error) {
	const exists = `
		SELECT EXISTS (SELECT 1 FROM voice_sessions WHERE session_id = $1)
		    OR EXISTS (SELECT 1 FROM transcript_fragments WHERE session_id = $1)`

	var known bool
	if err := s.pool.QueryRow(ctx, exists, sessionID).Scan(&known); err != nil {
		return nil, fmt.Errorf("postgres store: lookup session: %w", err)
	}
	if !known {
		return nil, transcript.ErrNotFound
	}

	const q = `
		SELECT seq, role, text, received_at
		FROM   transcript_fragments
		WHERE  session_id = $1
		ORDER  BY seq, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query fragments: %w", err)
	}
	frags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Fragment, error) {
		var (
			f    session.Fragment
			role string
		)
		if err := row.Scan(&f.Seq, &role, &f.Text, &f.ReceivedAt); err != nil {
			return session.Fragment{}, err
		}
		f.Role = live.Role(role)
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan fragments: %w", err)
	}
	if frags == nil {
		frags = []session.Fragment{}
	}
	return frags, nil
}

// Sessions implements [transcript.Store].
func (s *Store) Sessions(ctx context.Context, limit int) ([]transcript.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT session_id, state, started_at, updated_at, error
		FROM   voice_sessions
		ORDER  BY started_at DESC, session_id
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query sessions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.SessionRecord, error) {
		var rec transcript.SessionRecord
		err := row.Scan(&rec.ID, &rec.State, &rec.StartedAt, &rec.UpdatedAt, &rec.Error)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	if recs == nil {
		recs = []transcript.SessionRecord{}
	}
	return recs, nil
}

