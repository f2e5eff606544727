// Package live defines the Endpoint interface for remote conversational
// speech services.
//
// A live endpoint accepts a continuous stream of encoded microphone audio and
// answers with synthesised speech, transcription fragments and control
// signals (readiness, interruption) over one long-lived duplex connection.
// Examples include the Gemini Live API.
//
// The central abstraction is [Conn]: outbound audio is sent with
// [Conn.Send]; everything inbound arrives, in wire order, on the single
// [Conn.Events] channel. A single ordered channel keeps audio, transcripts
// and interruptions in the sequence the service produced them.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by [Conn.Send] after the connection has been closed.
var ErrClosed = errors.New("live: connection closed")

// Modality selects the kind of response the remote model produces.
type Modality string

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text-only responses.
	ModalityText Modality = "TEXT"
)

// Config is the session setup sent to the endpoint when connecting. Its
// contents are opaque to the session engine.
type Config struct {
	// Model is the provider model identifier. Empty selects the adapter default.
	Model string

	// OutboundFormat declares the format of every chunk passed to Send.
	OutboundFormat audio.Format

	// Modality is the requested response modality. Empty means [ModalityAudio].
	Modality Modality

	// Voice names the prebuilt voice used for synthesised speech.
	Voice string

	// Instructions is the system-level persona prompt.
	Instructions string

	// InputTranscription asks the endpoint to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the endpoint to transcribe its own speech.
	OutputTranscription bool
}

// EventKind classifies inbound [Event] values.
type EventKind int

const (
	// EventReady signals that the endpoint accepted the setup and is ready
	// to receive audio.
	EventReady EventKind = iota

	// EventAudio carries one chunk of synthesised speech in [Event.Audio].
	EventAudio

	// EventTranscript carries one transcription fragment in [Event.Text].
	EventTranscript

	// EventInterrupted signals that the remote model stopped its current
	// response (typically because the user started talking). Audio already
	// queued for playback must be discarded.
	EventInterrupted

	// EventTurnComplete signals that the model finished its current turn.
	EventTurnComplete
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "READY"
	case EventAudio:
		return "AUDIO"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Role identifies who spoke a transcription fragment.
type Role string

const (
	// RoleUser marks transcription of the captured microphone audio.
	RoleUser Role = "user"

	// RoleModel marks transcription of the endpoint's synthesised speech.
	RoleModel Role = "model"
)

// Event is one inbound message from the endpoint.
type Event struct {
	Kind EventKind

	// Audio is set for [EventAudio].
	Audio audio.InboundChunk

	// Role and Text are set for [EventTranscript].
	Role Role
	Text string
}

// Conn represents an open endpoint connection. It is an interface so that
// test code can supply mock implementations without a live service.
//
// Callers must call Close when the connection is no longer needed.
type Conn interface {
	// Send delivers one encoded audio chunk. Chunks are transmitted in call
	// order. Send returns an error if the connection is closed or the write
	// fails; it never retries.
	Send(ctx context.Context, chunk audio.EncodedChunk) error

	// Events returns the channel of inbound events in wire order. The channel
	// is closed when the connection ends for any reason. After it closes, call
	// [Conn.Err] to learn whether the connection ended cleanly.
	Events() <-chan Event

	// Err returns the error that ended the connection, or nil if it ended
	// cleanly (remote close or local Close).
	Err() error

	// Close terminates the connection and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Endpoint is the abstraction over any remote conversational speech backend.
type Endpoint interface {
	// Connect establishes a connection and sends the setup derived from cfg.
	// It returns as soon as the transport is open; readiness is signalled by
	// an [EventReady] on the returned connection.
	Connect(ctx context.Context, cfg Config) (Conn, error)
}
