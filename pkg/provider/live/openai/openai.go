// Package openai implements the live.Endpoint interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// The service only accepts 24 kHz mono PCM16, so outbound chunks are
// converted to that format before they are sent, whatever the session's
// outbound format is.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Compile-time assertions that Endpoint and conn satisfy the live interfaces.
var _ live.Endpoint = (*Endpoint)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	transcriptionModel = "whisper-1"

	eventBuffer = 64
)

// wireFormat is the only PCM layout the Realtime API speaks in both directions.
var wireFormat = audio.Format{SampleRate: 24000, Channels: 1, Encoding: audio.EncodingPCM16}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Endpoint.
type Option func(*Endpoint)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(e *Endpoint) {
		if model != "" {
			e.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(e *Endpoint) {
		if url != "" {
			e.baseURL = url
		}
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// ── Endpoint ───────────────────────────────────────────────────────────────────

// Endpoint implements live.Endpoint for OpenAI's Realtime API.
type Endpoint struct {
	apiKey  string
	model   string
	baseURL string
	logger  *slog.Logger
}

// New creates a new OpenAI Realtime Endpoint with the given API key and options.
func New(apiKey string, opts ...Option) *Endpoint {
	e := &Endpoint{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Connect dials the Realtime endpoint and sends a session.update. The
// returned connection emits [live.EventReady] once the service confirms it
// with session.updated.
func (e *Endpoint) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = e.model
	}
	wsURL := e.baseURL + "?model=" + url.QueryEscape(model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + e.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(8 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:               ws,
		events:           make(chan live.Event, eventBuffer),
		conv:             &audio.FormatConverter{Target: wireFormat},
		outTranscription: cfg.OutputTranscription,
		ctx:              connCtx,
		cancel:           connCancel,
		logger:           e.logger,
	}

	if err := c.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta, response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// buildSessionUpdate renders the session.update event for cfg.
func buildSessionUpdate(cfg live.Config) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Modality == live.ModalityText {
		params.Modalities = []string{"text"}
		params.Voice = ""
	} else if params.Voice == "" {
		params.Voice = defaultVoice
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws               *websocket.Conn
	events           chan live.Event
	conv             *audio.FormatConverter
	outTranscription bool
	logger           *slog.Logger

	// sendMu serialises conversion and writes so chunks go out in call order.
	sendMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool
	ready  bool

	// transcript accumulates model transcript deltas until the matching
	// done event. Only receiveLoop touches it.
	transcript strings.Builder

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them in wire
// order. It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Warn("openai: skipping malformed server event", "err", err, "bytes", len(data))
			continue
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the events carried by evt. It returns false when
// the connection must stop reading.
func (c *conn) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		c.mu.Lock()
		first := !c.ready
		c.ready = true
		c.mu.Unlock()
		if first {
			return c.emit(live.Event{Kind: live.EventReady})
		}

	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			c.logger.Warn("openai: undecodable audio delta", "err", err)
			return true
		}
		if len(data) == 0 {
			return true
		}
		return c.emit(live.Event{Kind: live.EventAudio, Audio: audio.InboundChunk{Data: data, Format: wireFormat}})

	case "response.audio_transcript.delta":
		if c.outTranscription {
			c.transcript.WriteString(evt.Delta)
		}

	case "response.audio_transcript.done":
		text := c.transcript.String()
		c.transcript.Reset()
		if text != "" {
			return c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: text})
		}

	case "response.text.delta":
		if evt.Delta != "" {
			return c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			return c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: evt.Transcript})
		}

	case "input_audio_buffer.speech_started":
		// Server VAD detected barge-in; the service cancels the response.
		return c.emit(live.Event{Kind: live.EventInterrupted})

	case "response.done":
		return c.emit(live.Event{Kind: live.EventTurnComplete})

	case "error":
		// Realtime error events describe a rejected client event; the
		// session itself stays usable.
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.logger.Warn("openai: server reported an error", "message", msg)
	}
	return true
}

// emit delivers ev unless the connection is shutting down.
func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// Send converts chunk to 24 kHz mono and appends it to the input audio buffer.
func (c *conn) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrClosed
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	out := c.conv.Convert(chunk)
	if len(out.Data) == 0 {
		return nil
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(out.Data),
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Events returns the channel of inbound events.
func (c *conn) Events() <-chan live.Event { return c.events }

// Err returns the first error that caused the connection to terminate.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
