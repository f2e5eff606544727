package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
)

const (
	// DefaultReplyIdle is how long RunOnce waits for further transcript
	// activity after the input is exhausted.
	DefaultReplyIdle = 3 * time.Second

	outstandingPoll = 100 * time.Millisecond
	stopGrace       = 5 * time.Second
)

// RunOnce runs a single session to completion without the HTTP surface: it
// starts a session, lets the input device play out, waits until the reply
// has gone quiet for idle and all scheduled speech has played, then stops
// the session and returns its final snapshot.
//
// The session also ends early when the endpoint closes it or fails, or when
// ctx is cancelled. In every case the session is stopped before RunOnce
// returns.
func (a *App) RunOnce(ctx context.Context, idle time.Duration) (session.Session, error) {
	if idle <= 0 {
		idle = DefaultReplyIdle
	}
	events, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()

	started, err := a.ctrl.Start(ctx)
	if err != nil {
		return started, err
	}
	log := a.logger.With("session_id", started.ID)
	exhausted := a.input.Exhausted()

	var (
		timer *time.Timer
		quiet <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, stopping session")
			return a.stopSession(ctx)

		case <-exhausted:
			exhausted = nil
			log.Info("input exhausted, waiting for the reply to finish")
			timer = time.NewTimer(idle)
			quiet = timer.C

		case ev, ok := <-events:
			if !ok {
				snap, _ := a.ctrl.Session()
				return snap, session.ErrControllerClosed
			}
			if ev.SessionID != started.ID {
				continue
			}
			if ev.Kind == session.EventStateChanged && ev.State.Terminal() {
				snap, _ := a.ctrl.Session()
				return snap, snap.Err
			}
			if ev.Kind == session.EventTranscript && timer != nil {
				timer.Reset(idle)
			}

		case <-quiet:
			if snap, _ := a.ctrl.Session(); snap.Outstanding > 0 {
				timer.Reset(outstandingPoll)
				continue
			}
			log.Info("reply finished, stopping session")
			return a.stopSession(ctx)
		}
	}
}

// stopSession stops the current session with a deadline that survives ctx.
func (a *App) stopSession(ctx context.Context) (session.Session, error) {
	drain := config.DefaultDrainTimeout
	if d := a.cfg.Session.DrainTimeout; d != nil {
		drain = *d
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain+stopGrace)
	defer cancel()
	err := a.ctrl.Stop(stopCtx)
	snap, _ := a.ctrl.Session()
	if err == nil {
		err = snap.Err
	}
	return snap, err
}

// ─── Input exhaustion ────────────────────────────────────────────────────────

// eofInput wraps an input device and reports when the most recently opened
// source has run out of audio.
type eofInput struct {
	audio.InputDevice

	mu        sync.Mutex
	exhausted chan struct{}
}

func newEOFInput(in audio.InputDevice) *eofInput {
	return &eofInput{InputDevice: in}
}

// Open implements [audio.InputDevice].
func (in *eofInput) Open(ctx context.Context) (audio.Source, error) {
	src, err := in.InputDevice.Open(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{})
	in.mu.Lock()
	in.exhausted = ch
	in.mu.Unlock()
	return &eofSource{Source: src, exhausted: ch}, nil
}

// Exhausted returns a channel that is closed once the latest source returns
// io.EOF. It is nil before the first Open.
func (in *eofInput) Exhausted() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.exhausted
}

type eofSource struct {
	audio.Source
	once      sync.Once
	exhausted chan struct{}
}

func (s *eofSource) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	f, err := s.Source.ReadFrame(ctx)
	if errors.Is(err, io.EOF) {
		s.once.Do(func() { close(s.exhausted) })
	}
	return f, err
}
