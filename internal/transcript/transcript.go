// Package transcript persists and publishes what happens in voice sessions.
//
// A [Recorder] consumes [session.Event]s from a controller subscription and
// fans them out to a [Store] (the durable session log, queried by the HTTP
// API) and to a [Publisher] (a message bus for other services). Both are
// optional. Backends live in sub-packages: sqlite and postgres for stores,
// natsbus for publishing; [MemoryStore] is an in-process store.
package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/livevoice/internal/session"
)

// ErrNotFound is returned when a session is not present in a store.
var ErrNotFound = errors.New("transcript: session not found")

// SessionRecord is the stored summary of one session.
type SessionRecord struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Store is a durable session log. Implementations must be safe for
// concurrent use.
type Store interface {
	// UpsertSession creates the session row or updates its state, update
	// time and error. StartedAt is only written on creation.
	UpsertSession(ctx context.Context, rec SessionRecord) error

	// AppendFragment appends one transcription fragment to a session.
	AppendFragment(ctx context.Context, sessionID string, f session.Fragment) error

	// Fragments returns every fragment of a session in arrival order. It
	// returns [ErrNotFound] for an unknown session.
	Fragments(ctx context.Context, sessionID string) ([]session.Fragment, error)

	// Sessions returns up to limit sessions, most recently started first.
	Sessions(ctx context.Context, limit int) ([]SessionRecord, error)

	Close() error
}

// Publisher forwards session events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Message is the wire form of a [session.Event], shared by the bus
// publisher and the HTTP event stream.
type Message struct {
	Kind      string            `json:"kind"`
	SessionID string            `json:"session_id"`
	At        time.Time         `json:"at"`
	State     string            `json:"state,omitempty"`
	Fragment  *session.Fragment `json:"fragment,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// NewMessage converts ev to its wire form.
func NewMessage(ev session.Event) Message {
	m := Message{
		Kind:      ev.Kind.String(),
		SessionID: ev.SessionID,
		At:        ev.At,
	}
	switch ev.Kind {
	case session.EventStateChanged:
		m.State = ev.State.String()
	case session.EventTranscript:
		f := ev.Fragment
		m.Fragment = &f
	case session.EventError:
		if ev.Err != nil {
			m.Error = ev.Err.Error()
		}
	}
	return m
}
