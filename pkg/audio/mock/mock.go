// Package mock provides in-memory mock implementations of the
// [audio.InputDevice], [audio.Source], [audio.OutputDevice] and [audio.Sink]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Format{SampleRate: 16000, Channels: 1})
//	in := &mock.InputDevice{Source: src}
//	sink := mock.NewSink()
//	out := &mock.OutputDevice{Sink: sink}
//	src.Push(audio.AudioFrame{Samples: []float32{0.1}, SampleRate: 16000, Channels: 1})
//	sink.SetClock(20 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.Source       = (*Source)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.Sink         = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] fed by the test through [Source.Push].
// ReadFrame blocks until a frame is pushed, the source is ended, the source
// is closed, or ctx is cancelled.
type Source struct {
	format audio.Format
	frames chan audio.AudioFrame

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	endOnce   sync.Once
	ended     chan struct{}
	readErr   error
	reads     int
	closeHits int
}

// NewSource creates a Source reporting format. Up to 64 pushed frames are
// buffered.
func NewSource(format audio.Format) *Source {
	return &Source{
		format: format,
		frames: make(chan audio.AudioFrame, 64),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

// Push queues a frame for ReadFrame.
func (s *Source) Push(f audio.AudioFrame) { s.frames <- f }

// End makes ReadFrame return io.EOF once all pushed frames are consumed.
func (s *Source) End() { s.endOnce.Do(func() { close(s.ended) }) }

// FailWith makes the next ReadFrame calls return err.
func (s *Source) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	s.reads++
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return audio.AudioFrame{}, err
	}

	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.ended:
		return audio.AudioFrame{}, io.EOF
	case <-s.done:
		return audio.AudioFrame{}, errors.New("mock source: closed")
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// Close implements [audio.Source]. It is idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHits++
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CallCountClose returns how many times Close was called.
func (s *Source) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeHits
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Source is returned by Open.
	Source *Source

	// OpenError, when non-nil, is returned by Open instead of Source.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.Source, nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.Schedule] invocation.
type ScheduleCall struct {
	Handle audio.PlaybackHandle
	Buffer audio.PlaybackBuffer
	At     time.Duration
}

// Sink is a mock [audio.Sink] with a manually driven clock. Buffers never end
// on their own; call [Sink.Finish] to simulate natural completion.
type Sink struct {
	mu sync.Mutex

	clock   time.Duration
	next    audio.PlaybackHandle
	pending map[audio.PlaybackHandle]func()
	closed  bool

	// ScheduleError, when non-nil, is returned by Schedule.
	ScheduleError error

	// ScheduleCalls records all successful Schedule invocations in order.
	ScheduleCalls []ScheduleCall

	// CancelCalls records every handle passed to Cancel.
	CancelCalls []audio.PlaybackHandle

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSink creates a Sink whose clock starts at zero.
func NewSink() *Sink {
	return &Sink{pending: make(map[audio.PlaybackHandle]func())}
}

// SetClock moves the playback clock to d.
func (s *Sink) SetClock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = d
}

// Clock implements [audio.Sink].
func (s *Sink) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Schedule implements [audio.Sink].
func (s *Sink) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.PlaybackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return 0, s.ScheduleError
	}
	if s.closed {
		return 0, errors.New("mock sink: closed")
	}
	s.next++
	h := s.next
	s.pending[h] = onEnded
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{Handle: h, Buffer: buf, At: at})
	return h, nil
}

// Cancel implements [audio.Sink].
func (s *Sink) Cancel(h audio.PlaybackHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls = append(s.CancelCalls, h)
	delete(s.pending, h)
}

// Finish simulates h playing to completion: its onEnded callback runs on the
// calling goroutine. It reports whether h was still pending.
func (s *Sink) Finish(h audio.PlaybackHandle) bool {
	s.mu.Lock()
	cb, ok := s.pending[h]
	delete(s.pending, h)
	s.mu.Unlock()
	if ok && cb != nil {
		cb()
	}
	return ok
}

// Pending returns the number of scheduled buffers that have neither finished
// nor been cancelled.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Scheduled returns a copy of ScheduleCalls.
func (s *Sink) Scheduled() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduleCall(nil), s.ScheduleCalls...)
}

// Cancelled returns a copy of CancelCalls.
func (s *Sink) Cancelled() []audio.PlaybackHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.PlaybackHandle(nil), s.CancelCalls...)
}

// Close implements [audio.Sink]. Pending buffers are discarded.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	clear(s.pending)
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Sink is returned by Open.
	Sink *Sink

	// OpenError, when non-nil, is returned by Open instead of Sink.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context) (audio.Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.Sink, nil
}
