package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// DefaultOutputRate is the sample rate of the recorded timeline when none is
// configured.
const DefaultOutputRate = 24000

var (
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.Sink         = (*Sink)(nil)
)

// ErrSinkClosed is returned by [Sink.Schedule] after Close.
var ErrSinkClosed = errors.New("wavfile: sink closed")

// Output is an [audio.OutputDevice] that records playback into a WAV file.
type Output struct {
	path       string
	sampleRate int
	channels   int
	now        func() time.Time
}

// OutputOption is a functional option for [NewOutput].
type OutputOption func(*Output)

// WithOutputFormat sets the sample rate and channel count of the recording.
func WithOutputFormat(sampleRate, channels int) OutputOption {
	return func(o *Output) {
		if sampleRate > 0 {
			o.sampleRate = sampleRate
		}
		if channels > 0 {
			o.channels = channels
		}
	}
}

// WithClock overrides the wall clock used for the playback clock.
func WithClock(now func() time.Time) OutputOption {
	return func(o *Output) { o.now = now }
}

// NewOutput creates an Output that writes to path. An empty path records in
// memory only; the timeline is still available through [Sink.Timeline].
func NewOutput(path string, opts ...OutputOption) *Output {
	o := &Output{path: path, sampleRate: DefaultOutputRate, channels: 1, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open implements [audio.OutputDevice].
func (o *Output) Open(_ context.Context) (audio.Sink, error) {
	return o.OpenSink(), nil
}

// OpenSink is Open without the interface conversion.
func (o *Output) OpenSink() *Sink {
	return &Sink{
		path:       o.path,
		sampleRate: o.sampleRate,
		channels:   o.channels,
		now:        o.now,
		openedAt:   o.now(),
		entries:    make(map[audio.PlaybackHandle]*entry),
	}
}

// entry is one scheduled buffer.
type entry struct {
	buf    audio.PlaybackBuffer
	at     time.Duration
	played time.Duration // how much of buf ends up on the timeline
	timer  *time.Timer
}

// Sink records scheduled buffers onto a timeline. Its playback clock is the
// time elapsed since it was opened.
type Sink struct {
	path       string
	sampleRate int
	channels   int
	now        func() time.Time
	openedAt   time.Time

	mu       sync.Mutex
	closed   bool
	next     audio.PlaybackHandle
	entries  map[audio.PlaybackHandle]*entry
	timeline []*entry
}

// Clock implements [audio.Sink].
func (s *Sink) Clock() time.Duration {
	return s.now().Sub(s.openedAt)
}

// Schedule implements [audio.Sink].
func (s *Sink) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.PlaybackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSinkClosed
	}
	clock := s.Clock()
	if at < clock {
		at = clock
	}

	s.next++
	h := s.next
	e := &entry{buf: buf, at: at, played: buf.Duration()}
	s.entries[h] = e
	s.timeline = append(s.timeline, e)
	e.timer = time.AfterFunc(at+buf.Duration()-clock, func() {
		s.mu.Lock()
		_, live := s.entries[h]
		delete(s.entries, h)
		s.mu.Unlock()
		if live && onEnded != nil {
			onEnded()
		}
	})
	return h, nil
}

// Cancel implements [audio.Sink]. The part of the buffer that already played
// stays on the timeline.
func (s *Sink) Cancel(h audio.PlaybackHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return
	}
	delete(s.entries, h)
	e.timer.Stop()
	e.played = playedPortion(e, s.Clock())
}

func playedPortion(e *entry, clock time.Duration) time.Duration {
	if clock <= e.at {
		return 0
	}
	return min(clock-e.at, e.buf.Duration())
}

// Timeline renders everything played so far as interleaved samples at the
// sink's rate and channel count.
func (s *Sink) Timeline() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	clock := s.Clock()
	if s.closed {
		clock = time.Duration(math.MaxInt64)
	}
	return s.renderLocked(clock)
}

func (s *Sink) renderLocked(clock time.Duration) []float32 {
	var total int
	for _, e := range s.timeline {
		played := min(e.played, playedPortion(e, clock))
		total = max(total, audio.DurationFrames(e.at+played, s.sampleRate))
	}
	out := make([]float32, total*s.channels)
	for _, e := range s.timeline {
		played := min(e.played, playedPortion(e, clock))
		start := audio.DurationFrames(e.at, s.sampleRate)
		n := audio.DurationFrames(played, s.sampleRate)
		for i := range n {
			// Nearest-neighbour mapping onto the buffer's own rate.
			src := int(int64(i) * int64(e.buf.SampleRate) / int64(s.sampleRate))
			if src >= e.buf.FrameCount || start+i >= total {
				break
			}
			for ch := range s.channels {
				in := e.buf.Channels[min(ch, len(e.buf.Channels)-1)]
				out[(start+i)*s.channels+ch] += in[src]
			}
		}
	}
	return out
}

// Close implements [audio.Sink]. Buffers still playing are truncated at the
// current clock, pending ones are dropped, and the timeline is written to
// the output path. Close is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clock := s.Clock()
	for h, e := range s.entries {
		e.timer.Stop()
		e.played = playedPortion(e, clock)
		delete(s.entries, h)
	}
	samples := s.renderLocked(clock)
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	ints := make([]int, len(samples))
	for i, v := range samples {
		ints[i] = int(math.Round(float64(max(-1, min(1, v))) * 32767))
	}
	if err := WritePCM16(s.path, ints, s.sampleRate, s.channels); err != nil {
		return fmt.Errorf("wavfile: close sink: %w", err)
	}
	slog.Debug("wavfile: playback recorded", "path", s.path, "frames", len(samples)/s.channels)
	return nil
}
