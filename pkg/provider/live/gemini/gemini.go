// Package gemini implements the live.Endpoint interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM media
// chunks; synthesised speech arrives as base64 inline data on model turns.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Compile-time assertions that Endpoint and conn satisfy the live interfaces.
var _ live.Endpoint = (*Endpoint)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Kore"

	// defaultInboundRate is the rate Gemini Live synthesises speech at when
	// the part's MIME type does not declare one.
	defaultInboundRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ErrServer wraps error messages reported by the Gemini service.
var ErrServer = errors.New("gemini: server error")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Endpoint.
type Option func(*Endpoint)

// WithModel sets the Gemini model used for sessions.
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

// Endpoint implements live.Endpoint for Google's Gemini Live API.
type Endpoint struct {
	apiKey  string
	model   string
	baseURL string
	logger  *slog.Logger
}

// New creates a new Gemini Live Endpoint with the given API key and options.
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

// Connect dials the Gemini Live endpoint and sends the setup message. The
// returned connection emits [live.EventReady] once the service answers with
// setupComplete.
func (e *Endpoint) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		e.baseURL, e.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inline audio for a 4096-sample frame is well above the default 32 KiB.
	ws.SetReadLimit(8 << 20)

	model := cfg.Model
	if model == "" {
		model = e.model
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: connCancel,
		logger: e.logger,
	}

	if err := c.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg live.Config) setupMessage {
	modality := cfg.Modality
	if modality == "" {
		modality = live.ModalityAudio
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
			},
		},
	}

	if modality == live.ModalityAudio {
		voice := cfg.Voice
		if voice == "" {
			voice = defaultVoice
		}
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// parseAudioMIME extracts the PCM format from a MIME type such as
// "audio/pcm;rate=24000". Missing parameters fall back to 24 kHz mono.
func parseAudioMIME(mimeType string) audio.Format {
	f := audio.Format{SampleRate: defaultInboundRate, Channels: 1, Encoding: audio.EncodingPCM16}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return f
	}
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		f.SampleRate = r
	}
	if c, err := strconv.Atoi(params["channels"]); err == nil && c > 0 {
		f.Channels = c
	}
	return f
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event
	logger *slog.Logger

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them in wire
// order. It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Local Close or a normal remote close ends the connection cleanly.
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("gemini: skipping malformed server message", "err", err, "bytes", len(data))
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events carried by msg. It returns false when
// the connection must stop reading.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.setErr(fmt.Errorf("%w: %d %s", ErrServer, msg.Error.Code, text))
		return false
	}
	if msg.GoAway != nil {
		c.logger.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.SetupComplete != nil {
		if !c.emit(live.Event{Kind: live.EventReady}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		return c.handleServerContent(msg.ServerContent)
	}
	return true
}

func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					c.logger.Warn("gemini: undecodable inline audio", "err", err)
					continue
				}
				if len(data) == 0 {
					continue
				}
				ev := live.Event{
					Kind:  live.EventAudio,
					Audio: audio.InboundChunk{Data: data, Format: parseAudioMIME(p.InlineData.MIMEType)},
				}
				if !c.emit(ev) {
					return false
				}
			}
			if p.Text != "" {
				if !c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.Interrupted {
		if !c.emit(live.Event{Kind: live.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !c.emit(live.Event{Kind: live.EventTurnComplete}) {
			return false
		}
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				c.logger.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
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

// Send delivers one PCM chunk as a realtimeInput media chunk.
func (c *conn) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrClosed
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: chunk.Format.MIMEType(),
				Data:     base64.StdEncoding.EncodeToString(chunk.Data),
			}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
