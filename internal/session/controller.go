package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/capture"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/playback"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// defaultEventBuffer is the per-subscriber channel capacity.
const defaultEventBuffer = 64

// errEndpointClosed ends the flow group when the remote side closes cleanly.
var errEndpointClosed = errors.New("session: endpoint closed")

// Config holds the dependencies and tuning of a [Controller].
type Config struct {
	// Input opens the microphone. Required.
	Input audio.InputDevice

	// Output opens the speaker. Required.
	Output audio.OutputDevice

	// Endpoint connects to the remote speech service. Required.
	Endpoint live.Endpoint

	// Live is passed to Endpoint.Connect unchanged. Its OutboundFormat is
	// also the format the capture flow converts to. [Controller.SetLiveConfig]
	// replaces it for later sessions.
	Live live.Config

	// MaxFrameSamples bounds captured frame size. Zero disables the check.
	MaxFrameSamples int

	// DrainTimeout bounds how long a closing session lets scheduled speech
	// finish before cancelling it. Zero cancels immediately.
	DrainTimeout time.Duration

	// ResetCursorToZero makes interrupts reset the playback cursor to 0
	// instead of the current playback clock.
	ResetCursorToZero bool

	// EventBuffer is the per-subscriber channel capacity. Defaults to 64.
	EventBuffer int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Controller runs at most one voice session at a time. All exported methods
// are safe for concurrent use.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	live    live.Config
	current *run // live or most recently ended session
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// run is one session. state and the fields after it are guarded by
// Controller.mu.
type run struct {
	id        string
	startedAt time.Time
	logger    *slog.Logger
	live      live.Config
	cancel    context.CancelFunc
	done      chan struct{}

	state         State
	transcript    []Fragment
	sched         *playback.Scheduler
	stopRequested bool
	err           error
}

// New creates a Controller in the Idle state.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:     cfg,
		live:    cfg.Live,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		subs:    make(map[int]chan Event),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.cfg.EventBuffer <= 0 {
		c.cfg.EventBuffer = defaultEventBuffer
	}
	return c
}

// Start creates a fresh session, acquires the input device, the output
// device and the endpoint connection, and launches the capture and receive
// flows. It returns once the connection is established; the session becomes
// Active when the endpoint reports it is ready.
//
// Start fails with [ErrSessionAlreadyActive] while another session is live.
// A failure to acquire a device wraps [ErrResourceAcquisition] and a failure
// to connect wraps [ErrTransport]; in both cases everything acquired so far
// has been released and the session is in the Error state. The returned
// snapshot carries the session ID whenever a session was created.
//
// Cancelling ctx aborts a pending acquisition. The running session is not
// bound to ctx; use [Controller.Stop].
func (c *Controller) Start(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.metrics.RecordSessionStart(ctx, "rejected")
		return Session{}, ErrControllerClosed
	}
	if cur := c.current; cur != nil && cur.state.Live() {
		snap := c.snapshotLocked(cur)
		c.mu.Unlock()
		c.metrics.RecordSessionStart(ctx, "rejected")
		return snap, fmt.Errorf("%w (id=%s)", ErrSessionAlreadyActive, cur.id)
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:        id,
		startedAt: time.Now().UTC(),
		logger:    c.logger.With("session_id", id),
		live:      c.live,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	c.current = r
	c.setStateLocked(r, StateConnecting)
	c.mu.Unlock()

	c.metrics.RecordSessionStart(ctx, "ok")
	c.metrics.ActiveSessions.Add(ctx, 1)
	r.logger.Info("session starting")

	// A cancelled Start behaves like a Stop issued during Connecting.
	stopOnCancel := context.AfterFunc(ctx, func() { c.requestStop(r) })
	defer stopOnCancel()

	spanCtx, span := observe.StartSessionSpan(runCtx, "session.start", id)
	conn, src, closers, err := c.acquire(spanCtx, r)
	observe.EndSpan(span, err)
	if err != nil {
		c.finish(r, closers, err)
		c.mu.Lock()
		defer c.mu.Unlock()
		if r.err == nil {
			// Stopped while connecting.
			return c.snapshotLocked(r), fmt.Errorf("session: start aborted: %w", context.Canceled)
		}
		return c.snapshotLocked(r), err
	}

	connected := time.Now()
	pipe := capture.New(src,
		capture.WithOutboundFormat(r.live.OutboundFormat),
		capture.WithMaxFrameSamples(c.cfg.MaxFrameSamples),
		capture.WithMetrics(c.metrics),
		capture.WithLogger(r.logger),
	)
	go c.runFlows(runCtx, r, conn, pipe, closers, connected)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(r), nil
}

// SetLiveConfig replaces the endpoint configuration for sessions started
// after the call. A running session keeps the configuration it started with.
func (c *Controller) SetLiveConfig(cfg live.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = cfg
}

// LiveConfig returns the endpoint configuration the next session will use.
func (c *Controller) LiveConfig() live.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// acquire opens the input device, the output device and the endpoint
// connection, in that order. The returned closers release whatever was
// acquired, even on error.
func (c *Controller) acquire(ctx context.Context, r *run) (live.Conn, audio.Source, *closerStack, error) {
	closers := &closerStack{logger: r.logger}

	src, err := c.cfg.Input.Open(ctx)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("%w: open input device: %w", ErrResourceAcquisition, err)
	}
	closers.push("input", src.Close)

	sink, err := c.cfg.Output.Open(ctx)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("%w: open output device: %w", ErrResourceAcquisition, err)
	}
	closers.push("output", sink.Close)

	var schedOpts []playback.Option
	schedOpts = append(schedOpts, playback.WithMetrics(c.metrics), playback.WithLogger(r.logger))
	if c.cfg.ResetCursorToZero {
		schedOpts = append(schedOpts, playback.WithResetToZero())
	}
	sched := playback.New(sink, schedOpts...)
	closers.push("playback", func() error {
		sched.Close()
		return nil
	})
	c.mu.Lock()
	r.sched = sched
	c.mu.Unlock()

	conn, err := c.cfg.Endpoint.Connect(ctx, r.live)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	closers.push("endpoint", conn.Close)

	return conn, src, closers, nil
}

// runFlows runs the capture and receive flows until either fails, the remote
// side closes or the session is stopped, then tears the session down.
func (c *Controller) runFlows(ctx context.Context, r *run, conn live.Conn, pipe *capture.Pipeline, closers *closerStack, connected time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := pipe.Run(gctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, capture.ErrSend):
			return fmt.Errorf("%w: %w", ErrTransport, err)
		default:
			return fmt.Errorf("%w: %w", ErrResourceAcquisition, err)
		}
	})
	g.Go(func() error {
		return c.receive(gctx, r, conn, pipe, connected)
	})

	err := g.Wait()
	if errors.Is(err, errEndpointClosed) {
		r.logger.Info("endpoint closed the session")
		err = nil
	}
	c.finish(r, closers, err)
}

// receive applies inbound endpoint events in arrival order.
func (c *Controller) receive(ctx context.Context, r *run, conn live.Conn, pipe *capture.Pipeline, connected time.Time) error {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := conn.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrTransport, err)
				}
				return errEndpointClosed
			}
			c.handle(ctx, r, conn, pipe, ev, connected)
		}
	}
}

func (c *Controller) handle(ctx context.Context, r *run, conn live.Conn, pipe *capture.Pipeline, ev live.Event, connected time.Time) {
	if ev.Kind == live.EventReady {
		c.mu.Lock()
		first := r.state == StateConnecting
		c.mu.Unlock()
		if !first {
			return
		}
		// Capture is released before the state flips so that a caller
		// observing Active never loses a frame.
		pipe.Ready(conn)
		c.mu.Lock()
		if r.state == StateConnecting {
			c.setStateLocked(r, StateActive)
		}
		c.mu.Unlock()
		c.metrics.ConnectDuration.Record(ctx, time.Since(connected).Seconds())
		r.logger.Info("session active")
		return
	}

	// Inbound audio and transcripts are only accepted once Active.
	c.mu.Lock()
	active := r.state == StateActive
	c.mu.Unlock()
	if !active {
		r.logger.Debug("dropping event received before ready", "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case live.EventAudio:
		buf, err := audio.DecodeChunk(ev.Audio)
		if err != nil {
			c.metrics.MalformedChunks.Add(ctx, 1)
			r.logger.Warn("dropping malformed audio chunk", "bytes", len(ev.Audio.Data), "err", err)
			return
		}
		if buf.FrameCount == 0 {
			return
		}
		if _, err := r.sched.Schedule(ctx, buf); err != nil && !errors.Is(err, playback.ErrClosed) {
			r.logger.Warn("failed to schedule playback", "err", err)
		}

	case live.EventInterrupted:
		n := r.sched.Interrupt()
		c.metrics.RecordInterrupt(ctx, "remote", n)
		r.logger.Debug("playback interrupted by endpoint", "cancelled", n)

	case live.EventTranscript:
		if ev.Text == "" {
			return
		}
		c.mu.Lock()
		if r.state != StateActive {
			c.mu.Unlock()
			return
		}
		frag := Fragment{
			Seq:        len(r.transcript) + 1,
			Role:       ev.Role,
			Text:       ev.Text,
			ReceivedAt: time.Now().UTC(),
		}
		r.transcript = append(r.transcript, frag)
		c.emitLocked(Event{Kind: EventTranscript, SessionID: r.id, Fragment: frag})
		c.mu.Unlock()
		c.metrics.RecordTranscriptFragment(ctx, string(ev.Role))

	case live.EventTurnComplete:
		r.logger.Debug("model turn complete")
	}
}

// finish tears down r. A nil cause, or any cause after a stop request, is a
// clean close: playback drains, then resources are released and the session
// is Closed. Otherwise resources are released first and only then is the
// session moved to Error and the error published.
func (c *Controller) finish(r *run, closers *closerStack, cause error) {
	c.mu.Lock()
	clean := cause == nil || r.stopRequested
	sched := r.sched
	if clean {
		c.setStateLocked(r, StateClosing)
	}
	c.mu.Unlock()

	ctx := context.Background()
	if clean && sched != nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
		if n := sched.Drain(dctx); n > 0 {
			c.metrics.RecordInterrupt(ctx, "drain", n)
		}
		cancel()
	}

	closers.closeAll()
	r.cancel()
	c.metrics.ActiveSessions.Add(ctx, -1)

	c.mu.Lock()
	if clean {
		c.setStateLocked(r, StateClosed)
		r.logger.Info("session closed", "fragments", len(r.transcript))
	} else {
		r.err = cause
		c.setStateLocked(r, StateError)
		c.emitLocked(Event{Kind: EventError, SessionID: r.id, Err: cause})
		kind := "transport"
		if errors.Is(cause, ErrResourceAcquisition) {
			kind = "resource_acquisition"
		}
		c.metrics.RecordSessionError(ctx, kind)
		r.logger.Error("session failed", "err", cause)
	}
	c.mu.Unlock()
	close(r.done)
}

// requestStop marks r as stopping and cancels its flows. It does not wait.
func (c *Controller) requestStop(r *run) {
	c.mu.Lock()
	if r.state.Terminal() {
		c.mu.Unlock()
		return
	}
	r.stopRequested = true
	c.mu.Unlock()
	r.cancel()
}

// Stop ends the current session and waits until its resources are released
// or ctx is done. It is idempotent and a no-op when no session is live.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	c.requestStop(r)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cancels all scheduled playback of the current session at once
// and returns the number of buffers cancelled. Calling it again with nothing
// scheduled has no further effect.
func (c *Controller) Interrupt() int {
	c.mu.Lock()
	r := c.current
	var sched *playback.Scheduler
	if r != nil && r.state.Live() {
		sched = r.sched
	}
	c.mu.Unlock()
	if sched == nil {
		return 0
	}
	n := sched.Interrupt()
	c.metrics.RecordInterrupt(context.Background(), "caller", n)
	return n
}

// State returns the state of the current session, or Idle if none was ever
// started.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StateIdle
	}
	return c.current.state
}

// Session returns a snapshot of the current or most recently ended session.
// ok is false if no session was ever started.
func (c *Controller) Session() (s Session, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return c.snapshotLocked(c.current), true
}

// Transcript returns a copy of the current session's fragments in arrival
// order.
func (c *Controller) Transcript() []Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return slices.Clone(c.current.transcript)
}

// TranscriptText returns the transcript as display text.
func (c *Controller) TranscriptText() string {
	return JoinTranscript(c.Transcript())
}

// Done returns a channel closed once the current session has been torn
// down. It returns nil if no session was ever started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.done
}

// Subscribe registers a listener for session events. Events a slow listener
// cannot accept are dropped; the session transcript stays authoritative.
// Call the returned function to unsubscribe; it closes the channel.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, c.cfg.EventBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops the current session, waits for its release and closes every
// subscriber channel. Start fails with [ErrControllerClosed] afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Stop(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	return err
}

func (c *Controller) setStateLocked(r *run, s State) {
	if r.state == s {
		return
	}
	r.logger.Debug("session state", "from", r.state, "to", s)
	r.state = s
	c.emitLocked(Event{Kind: EventStateChanged, SessionID: r.id, State: s})
}

func (c *Controller) emitLocked(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.metrics.EventsDropped.Add(context.Background(), 1)
			c.logger.Warn("session: subscriber too slow, dropping event", "kind", ev.Kind, "session_id", ev.SessionID)
		}
	}
}

func (c *Controller) snapshotLocked(r *run) Session {
	s := Session{
		ID:         r.id,
		State:      r.state,
		StartedAt:  r.startedAt,
		Transcript: slices.Clone(r.transcript),
		Err:        r.err,
	}
	if r.sched != nil {
		s.Cursor = r.sched.Cursor()
		s.Outstanding = r.sched.Outstanding()
	}
	return s
}

// closerStack releases acquired resources in reverse acquisition order.
type closerStack struct {
	logger  *slog.Logger
	names   []string
	closers []func() error
}

func (s *closerStack) push(name string, fn func() error) {
	s.names = append(s.names, name)
	s.closers = append(s.closers, fn)
}

// closeAll runs every closer once, last pushed first, and logs failures.
func (s *closerStack) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("session: release failed", "resource", s.names[i], "err", err)
		}
	}
	s.names, s.closers = nil, nil
}
