// Package playback implements gapless scheduling of decoded speech onto an
// output device.
//
// A [Scheduler] keeps a playback cursor on the sink's clock. Each buffer
// starts at max(clock, cursor) and advances the cursor by its duration, so
// back-to-back buffers play without gaps or overlap while a late buffer
// starts "now" instead of in the past. Every scheduled buffer stays in an
// outstanding set until it finishes or is cancelled by a flush, which makes
// interruption a single cancel-all operation.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithResetToZero makes a flush reset the cursor to 0 instead of the current
// playback clock. The next buffer is then clamped to the clock on arrival.
func WithResetToZero() Option {
	return func(s *Scheduler) { s.resetToZero = true }
}

// Scheduler places playback buffers on an [audio.Sink] back to back.
//
// Schedule, Interrupt, Drain's flush and completion callbacks are mutually
// exclusive: a buffer is never scheduled against a cursor that a concurrent
// flush is resetting.
type Scheduler struct {
	sink        audio.Sink
	metrics     *observe.Metrics
	logger      *slog.Logger
	resetToZero bool

	mu          sync.Mutex
	cursor      time.Duration
	primed      bool // cursor was advanced since the last reset
	nextID      uint64
	outstanding map[uint64]audio.PlaybackHandle
	idle        chan struct{} // closed while outstanding is empty
	closed      bool
}

// New creates a Scheduler for sink with the cursor at 0.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		sink:        sink,
		outstanding: make(map[uint64]audio.PlaybackHandle),
		idle:        idle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Schedule queues buf at max(clock, cursor), advances the cursor by the
// buffer's duration and records the handle as outstanding. It returns the
// start offset on the sink clock.
func (s *Scheduler) Schedule(ctx context.Context, buf audio.PlaybackBuffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	clock := s.sink.Clock()
	start := s.cursor
	if clock > start {
		if s.primed {
			s.metrics.RecordLateArrival(ctx, clock-start)
			s.logger.Debug("playback: late buffer, starting at clock",
				"cursor", s.cursor, "clock", clock, "gap", clock-start)
		}
		start = clock
	}

	id := s.nextID
	s.nextID++
	h, err := s.sink.Schedule(buf, start, func() { s.complete(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}

	if len(s.outstanding) == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding[id] = h
	s.cursor = start + buf.Duration()
	s.primed = true
	s.metrics.BuffersScheduled.Add(ctx, 1)
	return start, nil
}

// complete removes a buffer that finished playing naturally.
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[id]; !ok {
		return
	}
	delete(s.outstanding, id)
	if len(s.outstanding) == 0 {
		close(s.idle)
	}
}

// Interrupt cancels every outstanding buffer, clears the set and resets the
// cursor. It returns the number of buffers cancelled. Calling it again with
// nothing outstanding has no further effect.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Scheduler) flushLocked() int {
	n := len(s.outstanding)
	for id, h := range s.outstanding {
		s.sink.Cancel(h)
		delete(s.outstanding, id)
	}
	if n > 0 {
		close(s.idle)
	}
	if s.resetToZero {
		s.cursor = 0
	} else {
		s.cursor = s.sink.Clock()
	}
	s.primed = false
	return n
}

// Drain waits until every outstanding buffer has finished playing or ctx is
// done, then flushes whatever is left. It returns the number of buffers that
// had to be cancelled.
func (s *Scheduler) Drain(ctx context.Context) int {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
	}
	return s.Interrupt()
}

// Close flushes all outstanding buffers and rejects further scheduling. The
// sink itself is left open. Close is idempotent.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.flushLocked()
}

// Cursor returns the start offset the next in-order buffer would get.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Outstanding returns the number of buffers scheduled but neither finished
// nor cancelled.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}
