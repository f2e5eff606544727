// Package audio defines the audio types, the PCM codec and the device
// abstractions used by the livevoice session engine.
//
// The two device abstractions are:
//
//   - [InputDevice]: opens a capture [Source] that yields [AudioFrame] values
//     at the device's own cadence (typically a microphone).
//   - [OutputDevice]: opens a playback [Sink] that plays [PlaybackBuffer]
//     values at absolute offsets on its own monotonic playback clock.
//
// Implementations are provided by adapter packages (e.g., audio/wavfile).
// The interfaces are intentionally narrow so that the session engine owns
// framing, timing and buffering while hardware access stays in the adapters.
//
// This package lives under pkg/ because external code (third-party device
// adapters) is expected to implement [InputDevice] and [OutputDevice].
package audio

import (
	"context"
	"time"
)

// Source is an open capture stream.
//
// Implementations need not be safe for concurrent ReadFrame calls; the
// capture pipeline reads from a single goroutine. Close may be called
// concurrently with ReadFrame and must unblock it.
type Source interface {
	// Format reports the sample rate and channel count of produced frames.
	Format() Format

	// ReadFrame blocks until the next frame is captured. It returns io.EOF
	// when the source is exhausted and ctx.Err() when ctx is cancelled.
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Close releases the capture resource. It is safe to call more than once.
	Close() error
}

// InputDevice is the entry point for a capture device.
type InputDevice interface {
	// Open acquires the device and returns an active [Source]. Permission
	// denial, a missing device or a busy device are reported as errors.
	Open(ctx context.Context) (Source, error)
}

// PlaybackHandle identifies one buffer scheduled on a [Sink]. Handles are
// unique per sink for its lifetime.
type PlaybackHandle uint64

// Sink is an open playback stream with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Clock returns the current position of the playback clock, measured from
	// the moment the sink was opened. It never decreases.
	Clock() time.Duration

	// Schedule queues buf to start playing when the playback clock reaches
	// at. If at is already in the past, playback starts immediately.
	//
	// onEnded is invoked exactly once when the buffer finishes playing
	// naturally. It is called on an internal goroutine, never from inside
	// Schedule or Cancel, and never for a buffer that was cancelled.
	Schedule(buf PlaybackBuffer, at time.Duration, onEnded func()) (PlaybackHandle, error)

	// Cancel stops a scheduled or playing buffer. Cancelling an unknown or
	// already-finished handle is a no-op.
	Cancel(h PlaybackHandle)

	// Close stops all playback and releases the device. It is safe to call
	// more than once.
	Close() error
}

// OutputDevice is the entry point for a playback device.
type OutputDevice interface {
	// Open acquires the device and returns an active [Sink].
	Open(ctx context.Context) (Sink, error)
}
