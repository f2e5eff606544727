package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livevoice/internal/session"
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithStore persists session states and fragments to s.
func WithStore(s Store) RecorderOption {
	return func(r *Recorder) { r.store = s }
}

// WithPublisher publishes every event through p.
func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) { r.pub = p }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// Recorder writes controller events to a store and a publisher.
type Recorder struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
}

// NewRecorder creates a Recorder. Without a store or publisher it only
// consumes events.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run records events until the channel is closed or ctx is done. Failures
// are logged and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.Record(ctx, ev); err != nil {
				r.logger.Warn("transcript: failed to record event",
					"session_id", ev.SessionID,
					"kind", ev.Kind,
					"err", err,
				)
			}
		}
	}
}

// Record handles a single event.
func (r *Recorder) Record(ctx context.Context, ev session.Event) error {
	var errs []error
	if r.store != nil {
		if err := r.persist(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if r.pub != nil {
		if err := r.pub.Publish(ctx, NewMessage(ev)); err != nil {
			errs = append(errs, fmt.Errorf("publish: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) persist(ctx context.Context, ev session.Event) error {
	switch ev.Kind {
	case session.EventStateChanged:
		return r.store.UpsertSession(ctx, SessionRecord{
			ID:        ev.SessionID,
			State:     ev.State.String(),
			StartedAt: ev.At,
			UpdatedAt: ev.At,
		})
	case session.EventTranscript:
		return r.store.AppendFragment(ctx, ev.SessionID, ev.Fragment)
	case session.EventError:
		rec := SessionRecord{
			ID:        ev.SessionID,
			State:     session.StateError.String(),
			StartedAt: ev.At,
			UpdatedAt: ev.At,
		}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		return r.store.UpsertSession(ctx, rec)
	}
	return nil
}
