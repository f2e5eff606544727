// Package session owns the lifecycle of a duplex voice session.
//
// A [Controller] acquires an input device, an output device and a remote
// endpoint connection, then runs two flows concurrently: the capture flow
// streams microphone frames to the endpoint and the receive flow decodes
// inbound speech onto a gapless playback schedule, applies remote interrupts
// and records transcription fragments. At most one session is live per
// controller.
//
// State machine:
//
//	Idle ─Start─▶ Connecting ─ready─▶ Active ─Stop/remote close─▶ Closing ─▶ Closed
//	                  │                  │
//	                  └──── failure ─────┴──────────────────────────────────▶ Error
//
// Every exit path releases the source, the sink and the transport before the
// terminal state is published.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	// ErrSessionAlreadyActive is returned by [Controller.Start] while a
	// session is Connecting, Active or Closing.
	ErrSessionAlreadyActive = errors.New("session: a session is already active")

	// ErrResourceAcquisition marks a failure to open or keep an audio device.
	ErrResourceAcquisition = errors.New("session: resource acquisition failed")

	// ErrTransport marks a failure of the endpoint connection.
	ErrTransport = errors.New("session: transport failure")

	// ErrControllerClosed is returned by [Controller.Start] after
	// [Controller.Close].
	ErrControllerClosed = errors.New("session: controller closed")
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Live reports whether s is Connecting, Active or Closing.
func (s State) Live() bool {
	return s == StateConnecting || s == StateActive || s == StateClosing
}

// Terminal reports whether s is Closed or Error.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Fragment is one transcription fragment in arrival order.
type Fragment struct {
	// Seq is the 1-based arrival position within the session.
	Seq int `json:"seq"`

	Role       live.Role `json:"role"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// JoinTranscript renders fragments as display text: fragment texts separated
// by single spaces, in arrival order.
func JoinTranscript(frags []Fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, " ")
}

// Session is a point-in-time snapshot of a session.
type Session struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	Transcript  []Fragment    `json:"transcript"`
	Cursor      time.Duration `json:"cursor_ns"`
	Outstanding int           `json:"outstanding"`

	// Err is the failure that moved the session to Error.
	Err error `json:"-"`
}

// EventKind identifies what an [Event] reports.
type EventKind int

const (
	// EventStateChanged reports a state transition.
	EventStateChanged EventKind = iota + 1

	// EventTranscript reports a new transcription fragment.
	EventTranscript

	// EventError reports the failure that ended a session. It is published
	// after every resource of the session has been released.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string
	At        time.Time

	// State is set for EventStateChanged.
	State State

	// Fragment is set for EventTranscript.
	Fragment Fragment

	// Err is set for EventError.
	Err error
}
