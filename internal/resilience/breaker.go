// Package resilience guards remote endpoint connections.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) for
// connection attempts. [Failover] combines a primary endpoint with ordered
// fallbacks, each behind its own breaker, and implements [live.Endpoint] so
// the session controller can use it in place of a single endpoint.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A probe
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker. Default: 1.
	Probes int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker trips after consecutive failures of the guarded call. Context
// cancellation is never counted as a failure: an abandoned connect says
// nothing about the endpoint.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes currently running
	successes int // half-open probes that succeeded
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.probes <= 0 {
		b.probes = 1
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute calls fn unless the breaker rejects it. While half-open, at most
// Probes calls run concurrently; extra callers get [ErrCircuitOpen].
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.recordSuccessLocked(probe)
	case ctx.Err() != nil:
		// Caller gave up; leave counters alone.
	default:
		b.recordFailureLocked(probe)
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		b.successes = 0
		b.logger.Info("circuit breaker half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.successes >= b.probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) recordFailureLocked(probe bool) {
	if probe {
		b.openLocked()
		b.logger.Warn("circuit breaker re-opened after failed probe", "name", b.name)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.openLocked()
		b.logger.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

func (b *Breaker) recordSuccessLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.successes++
	if b.successes >= b.probes {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
		b.logger.Info("circuit breaker closed", "name", b.name)
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.inFlight = 0
	b.successes = 0
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.inFlight = 0
	b.successes = 0
}
