// Package capture moves microphone frames to the remote endpoint.
//
// A [Pipeline] pulls [audio.AudioFrame]s from an [audio.Source] at the
// source's own cadence, encodes each one to 16-bit PCM, converts it to the
// declared outbound format when the device runs at a different rate, and
// sends it. Frames are sent strictly in capture order with no retries and no
// reordering. Until [Pipeline.Ready] supplies a sender, encoded frames are
// dropped rather than buffered, so speech captured while the connection is
// still being established never reaches the endpoint late.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
)

// Drop reasons reported on the frames_dropped metric.
const (
	DropNotReady     = "not_ready"
	DropInvalidFrame = "invalid_frame"
	DropEmpty        = "empty"
)

var (
	// ErrSend wraps the error of a failed send. The pipeline stops on the
	// first one.
	ErrSend = errors.New("capture: send failed")

	// ErrSource wraps a read error from the audio source other than io.EOF.
	ErrSource = errors.New("capture: source failed")
)

// Sender delivers encoded chunks to the remote endpoint.
type Sender interface {
	Send(ctx context.Context, chunk audio.EncodedChunk) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithOutboundFormat converts every chunk to f before sending. A zero
// SampleRate disables conversion.
func WithOutboundFormat(f audio.Format) Option {
	return func(p *Pipeline) { p.target = f }
}

// WithMaxFrameSamples bounds the number of samples per frame. Larger frames
// are dropped as invalid. Zero disables the check.
func WithMaxFrameSamples(n int) Option {
	return func(p *Pipeline) { p.maxSamples = n }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline is the capture flow of one session. Run must be called at most
// once; Ready may be called from any goroutine.
type Pipeline struct {
	source     audio.Source
	target     audio.Format
	maxSamples int
	metrics    *observe.Metrics
	logger     *slog.Logger

	sender atomic.Pointer[senderRef]
	conv   *audio.FormatConverter
}

type senderRef struct{ s Sender }

// New creates a Pipeline reading from source. No sender is set; frames are
// dropped until [Pipeline.Ready] is called.
func New(source audio.Source, opts ...Option) *Pipeline {
	p := &Pipeline{source: source}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.target.SampleRate > 0 {
		if p.target.Channels <= 0 {
			p.target.Channels = 1
		}
		p.target.Encoding = audio.EncodingPCM16
		p.conv = &audio.FormatConverter{Target: p.target}
	}
	return p
}

// Ready starts forwarding encoded frames to s. Frames captured before Ready
// was called have already been dropped.
func (p *Pipeline) Ready(s Sender) {
	p.sender.Store(&senderRef{s: s})
}

// IsReady reports whether a sender has been set.
func (p *Pipeline) IsReady() bool {
	return p.sender.Load() != nil
}

// Run pulls frames until the source ends, ctx is cancelled or a send fails.
// It returns nil on io.EOF and on cancellation, an error wrapping [ErrSend]
// when the sender fails and one wrapping [ErrSource] on a read failure.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logger.Debug("capture: source ended")
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("%w: %w", ErrSource, err)
			}
		}

		if err := p.forward(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// forward encodes and sends one frame. Only send failures are returned.
func (p *Pipeline) forward(ctx context.Context, frame audio.AudioFrame) error {
	ref := p.sender.Load()
	if ref == nil {
		p.metrics.RecordFrameDropped(ctx, DropNotReady)
		return nil
	}

	chunk, err := audio.EncodeFrame(frame, p.maxSamples)
	if err != nil {
		p.metrics.RecordFrameDropped(ctx, DropInvalidFrame)
		p.logger.Warn("capture: dropping invalid frame", "err", err)
		return nil
	}

	if p.conv != nil {
		chunk = p.conv.Convert(chunk)
		if len(chunk.Data) == 0 {
			p.metrics.RecordFrameDropped(ctx, DropEmpty)
			return nil
		}
	}

	if err := ref.s.Send(ctx, chunk); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	p.metrics.ChunksSent.Add(ctx, 1)
	return nil
}
