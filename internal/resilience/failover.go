package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrAllFailed is returned by [Failover.Connect] when every endpoint failed
// or was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

var _ live.Endpoint = (*Failover)(nil)

type target struct {
	name    string
	ep      live.Endpoint
	breaker *Breaker
}

// Failover is a [live.Endpoint] that connects to the first healthy endpoint
// of an ordered list. Only Connect is guarded: once a connection is up, a
// mid-session failure is handled by the session controller as usual and
// does not feed the breakers.
type Failover struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	targets []target
}

// NewFailover creates a Failover with primary as its first endpoint. cfg
// is the template for every endpoint's breaker; its Name is replaced by the
// endpoint name.
func NewFailover(name string, primary live.Endpoint, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg, logger: cfg.Logger}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.Add(name, primary)
	return f
}

// Add appends a fallback endpoint. Fallbacks are tried in the order added.
func (f *Failover) Add(name string, ep live.Endpoint) {
	cfg := f.cfg
	cfg.Name = name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target{name: name, ep: ep, breaker: NewBreaker(cfg)})
}

// Connect implements [live.Endpoint]. A cancelled ctx stops the walk
// immediately and returns the context error.
func (f *Failover) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	f.mu.RLock()
	targets := f.targets
	f.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		var conn live.Conn
		err := t.breaker.Execute(ctx, func(ctx context.Context) error {
			c, err := t.ep.Connect(ctx, cfg)
			conn = c
			return err
		})
		if err == nil {
			if len(errs) > 0 {
				f.logger.Info("connected to fallback endpoint", "endpoint", t.name, "skipped", len(errs))
			}
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			f.logger.Debug("skipping endpoint, circuit open", "endpoint", t.name)
		} else {
			f.logger.Warn("endpoint connect failed, trying next", "endpoint", t.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// States reports each endpoint's breaker state by name.
func (f *Failover) States() map[string]State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]State, len(f.targets))
	for _, t := range f.targets {
		out[t.name] = t.breaker.State()
	}
	return out
}

// Check returns an error when no endpoint would currently be tried, that is
// when every breaker is open. It is meant for readiness probes.
func (f *Failover) Check(context.Context) error {
	for _, st := range f.States() {
		if st != StateOpen {
			return nil
		}
	}
	return errors.New("resilience: every endpoint circuit is open")
}
