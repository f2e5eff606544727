package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default restart parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Starter is the part of [Controller] a [Restarter] drives.
type Starter interface {
	Start(ctx context.Context) (Session, error)
	Subscribe() (<-chan Event, func())
}

// Restarter watches a controller and starts a fresh session when one ends
// with a transport failure. The controller itself never retries; the
// Restarter is an opt-in policy layered on top of Start.
//
// Resource acquisition failures are not retried: a missing microphone does
// not come back by waiting.
//
// All methods are safe for concurrent use.
type Restarter struct {
	starter    Starter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onRestart  func(Session)

	mu       sync.Mutex
	ignore   map[string]struct{} // sessions started by the restarter that failed in Start
	done     chan struct{}
	stopOnce sync.Once
}

// RestarterConfig configures a [Restarter].
type RestarterConfig struct {
	// Starter is the controller to watch and restart.
	Starter Starter

	// MaxRetries is the number of start attempts per failure before giving
	// up. Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the delay before the first attempt. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnRestart is called after a successful restart. May be nil.
	OnRestart func(Session)
}

// NewRestarter creates a [Restarter]. Call [Restarter.Monitor] to begin
// watching.
func NewRestarter(cfg RestarterConfig) *Restarter {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Restarter{
		starter:    cfg.Starter,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		onRestart:  cfg.OnRestart,
		ignore:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Monitor subscribes to the controller and handles failures in a background
// goroutine until ctx is done or [Restarter.Stop] is called.
func (r *Restarter) Monitor(ctx context.Context) {
	events, unsubscribe := r.starter.Subscribe()
	go func() {
		defer unsubscribe()
		r.monitorLoop(ctx, events)
	}()
}

// Stop halts monitoring. Safe to call multiple times.
func (r *Restarter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Restarter) monitorLoop(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != EventError || !errors.Is(ev.Err, ErrTransport) || r.ignored(ev.SessionID) {
				continue
			}
			r.attemptRestart(ctx, ev.SessionID)
		}
	}
}

func (r *Restarter) ignored(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ignore[id]
	delete(r.ignore, id)
	return ok
}

// attemptRestart starts a new session with exponential backoff.
func (r *Restarter) attemptRestart(ctx context.Context, failedID string) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		slog.Info("restarting session",
			"failed_session_id", failedID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		s, err := r.starter.Start(ctx)
		if err == nil {
			slog.Info("session restarted", "session_id", s.ID, "attempt", attempt)
			if r.onRestart != nil {
				r.onRestart(s)
			}
			return
		}
		if errors.Is(err, ErrSessionAlreadyActive) || errors.Is(err, ErrControllerClosed) {
			slog.Info("restart not needed", "reason", err)
			return
		}
		if s.ID != "" {
			// Its own error event is already queued; don't restart it twice.
			r.mu.Lock()
			r.ignore[s.ID] = struct{}{}
			r.mu.Unlock()
		}
		if !errors.Is(err, ErrTransport) {
			slog.Warn("restart failed, not retrying", "attempt", attempt, "err", err)
			return
		}

		slog.Warn("restart attempt failed", "attempt", attempt, "err", err)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("session restart failed after max retries",
		"failed_session_id", failedID,
		"max_retries", r.maxRetries,
	)
}
