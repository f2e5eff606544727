package audio

import (
	"fmt"
	"time"
)

// Encoding names the sample representation of an encoded byte stream.
type Encoding string

// EncodingPCM16 is signed 16-bit little-endian interleaved PCM.
const EncodingPCM16 Encoding = "pcm"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for capture, 24000 for synthesised speech).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Encoding of the byte payload. Empty means [EncodingPCM16].
	Encoding Encoding
}

// MIMEType renders the format the way remote speech endpoints declare it,
// e.g. "audio/pcm;rate=16000". Non-mono formats append the channel count.
func (f Format) MIMEType() string {
	enc := f.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	if f.Channels > 1 {
		return fmt.Sprintf("audio/%s;rate=%d;channels=%d", enc, f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("audio/%s;rate=%d", enc, f.SampleRate)
}

// String returns a human-readable description, e.g. "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioFrame is one block of captured audio. Frames are the atomic unit of
// capture: produced by a [Source], encoded once, and sent once.
// A frame is immutable once produced.
type AudioFrame struct {
	// Samples holds interleaved float samples, nominally in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// EncodedChunk is a captured frame after PCM encoding, ready for the wire.
type EncodedChunk struct {
	Data   []byte
	Format Format

	// Timestamp is copied from the source frame.
	Timestamp time.Duration
}

// InboundChunk is an audio payload received from the remote endpoint. Its
// format is declared by the endpoint and need not match the outbound format.
type InboundChunk struct {
	Data   []byte
	Format Format
}

// PlaybackBuffer is decoded, de-interleaved audio ready for a [Sink].
type PlaybackBuffer struct {
	// Channels holds one slice of FrameCount samples per channel.
	Channels [][]float32

	FrameCount int
	SampleRate int
}

// Duration is the playback length of the buffer: FrameCount / SampleRate.
func (b PlaybackBuffer) Duration() time.Duration {
	return FramesDuration(b.FrameCount, b.SampleRate)
}

// FramesDuration converts a frame count at rate into a duration without
// floating-point rounding.
func FramesDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

// DurationFrames converts d into a whole number of frames at rate.
func DurationFrames(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}
