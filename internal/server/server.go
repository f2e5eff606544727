// Package server exposes the session controller over HTTP.
//
// Routes:
//
//	POST   /v1/session                  start a session (409 while one is live)
//	GET    /v1/session                  snapshot of the current or last session
//	DELETE /v1/session                  stop the session and wait for release
//	POST   /v1/session/interrupt        flush scheduled playback
//	GET    /v1/session/transcript       transcript of the current session
//	GET    /v1/session/events           WebSocket stream of session events
//	GET    /v1/sessions                 recorded sessions, newest first
//	GET    /v1/sessions/{id}/transcript recorded transcript of one session
//	GET    /healthz, /readyz, /metrics
//
// Errors are JSON objects with an "error" field. A failed start that got as
// far as creating a session, or that was rejected because one is live, also
// carries that session's snapshot.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/internal/transcript"
)

const (
	defaultStopTimeout = 10 * time.Second
	shutdownTimeout    = 15 * time.Second
	maxSessionsLimit   = 1000
)

// Controller is the part of [session.Controller] the server drives.
type Controller interface {
	Start(ctx context.Context) (session.Session, error)
	Stop(ctx context.Context) error
	Interrupt() int
	Session() (session.Session, bool)
	Transcript() []session.Fragment
	Subscribe() (<-chan session.Event, func())
}

var _ Controller = (*session.Controller)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithStore serves recorded sessions from s. Without a store the
// /v1/sessions routes answer 404.
func WithStore(s transcript.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithMetrics records request metrics through m.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// WithStopTimeout bounds how long DELETE /v1/session waits for the session
// to be released. Defaults to 10s.
func WithStopTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.stopTimeout = d
		}
	}
}

// Server is the HTTP control surface.
type Server struct {
	ctrl           Controller
	store          transcript.Store
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	logger         *slog.Logger
	stopTimeout    time.Duration

	handler http.Handler
}

// New builds a Server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:        ctrl,
		logger:      slog.Default(),
		stopTimeout: defaultStopTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.handleStart)
	mux.HandleFunc("GET /v1/session", s.handleSnapshot)
	mux.HandleFunc("DELETE /v1/session", s.handleStop)
	mux.HandleFunc("POST /v1/session/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /v1/session/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/session/events", s.handleEvents)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleStoredTranscript)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler, wrapped in tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. TLS is used when both certFile and keyFile are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, certFile, keyFile)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ServeTLS(ln, certFile, keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	return nil
}

// ─── Session routes ──────────────────────────────────────────────────────────

// sessionResponse is the JSON form of a session snapshot.
type sessionResponse struct {
	session.Session
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func newSessionResponse(snap session.Session) sessionResponse {
	resp := sessionResponse{Session: snap, Text: session.JoinTranscript(snap.Transcript)}
	if resp.Transcript == nil {
		resp.Transcript = []session.Fragment{}
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return resp
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Start(r.Context())
	if err != nil {
		status := startErrorStatus(err)
		observe.Logger(r.Context()).Warn("start session failed", "status", status, "err", err)
		if snap.ID == "" {
			writeError(w, status, err)
			return
		}
		resp := newSessionResponse(snap)
		resp.Error = err.Error()
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(snap))
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrControllerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.ctrl.Session()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no session"))
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.stopTimeout)
	defer cancel()
	if err := s.ctrl.Stop(ctx); err != nil {
		writeError(w, http.StatusGatewayTimeout, fmt.Errorf("stop: %w", err))
		return
	}
	snap, ok := s.ctrl.Session()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

func (s *Server) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	n := s.ctrl.Interrupt()
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type transcriptResponse struct {
	SessionID string             `json:"session_id"`
	Text      string             `json:"text"`
	Fragments []session.Fragment `json:"fragments"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.ctrl.Session()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no session"))
		return
	}
	frags := s.ctrl.Transcript()
	if frags == nil {
		frags = []session.Fragment{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: snap.ID,
		Text:      session.JoinTranscript(frags),
		Fragments: frags,
	})
}

// ─── Recorded sessions ───────────────────────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no transcript store configured"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxSessionsLimit)
	}
	recs, err := s.store.Sessions(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list sessions failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (s *Server) handleStoredTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no transcript store configured"))
		return
	}
	id := r.PathValue("id")
	frags, err := s.store.Fragments(r.Context(), id)
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		observe.Logger(r.Context()).Error("load transcript failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: id,
		Text:      session.JoinTranscript(frags),
		Fragments: frags,
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
