package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// skipSetup consumes the client's setup message.
func skipSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
}

func connect(t *testing.T, srv *httptest.Server, cfg live.Config) live.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv))).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, c live.Conn) live.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events channel closed early (err=%v)", c.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// waitClosed waits for the events channel to close.
func waitClosed(t *testing.T, c live.Conn) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for events channel to close")
		}
	}
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestConnect_SetupMessage(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
			OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	setupCh := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		setupCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.Config{
		Model:               "custom-model",
		Instructions:        "You are a helpful artisan assistant.",
		OutputTranscription: true,
	})

	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("api key = %q, want test-api-key", key)
	}
	select {
	case msg := <-setupCh:
		s := msg.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q, want models/custom-model", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", s.GenerationConfig.ResponseModalities)
		}
		if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
			t.Errorf("voice = %q, want default Kore", v)
		}
		if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "You are a helpful artisan assistant." {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
		if s.OutputAudioTranscription == nil {
			t.Error("outputAudioTranscription not requested")
		}
		if s.InputAudioTranscription != nil {
			t.Error("inputAudioTranscription requested but not configured")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.Config{})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestReceive_EventsInWireOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x00, 0x40, 0x00, 0xC0} // 16384, -16384
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{{
						"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					}},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "namaste"}},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "Hello"}},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, live.Config{})

	if ev := nextEvent(t, c); ev.Kind != live.EventReady {
		t.Fatalf("event 0 = %v, want READY", ev.Kind)
	}
	ev := nextEvent(t, c)
	if ev.Kind != live.EventAudio {
		t.Fatalf("event 1 = %v, want AUDIO", ev.Kind)
	}
	if string(ev.Audio.Data) != string(pcm) {
		t.Errorf("audio data = %v, want %v", ev.Audio.Data, pcm)
	}
	if ev.Audio.Format.SampleRate != 24000 || ev.Audio.Format.Channels != 1 {
		t.Errorf("audio format = %s, want 24000Hz mono", ev.Audio.Format)
	}

	ev = nextEvent(t, c)
	if ev.Kind != live.EventTranscript || ev.Role != live.RoleUser || ev.Text != "namaste" {
		t.Errorf("event 2 = %+v, want user transcript", ev)
	}
	ev = nextEvent(t, c)
	if ev.Kind != live.EventTranscript || ev.Role != live.RoleModel || ev.Text != "Hello" {
		t.Errorf("event 3 = %+v, want model transcript", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != live.EventInterrupted {
		t.Errorf("event 4 = %v, want INTERRUPTED", ev.Kind)
	}
	if ev := nextEvent(t, c); ev.Kind != live.EventTurnComplete {
		t.Errorf("event 5 = %v, want TURN_COMPLETE", ev.Kind)
	}
}

func TestReceive_AudioWithoutRateDefaultsTo24k(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": base64.StdEncoding.EncodeToString([]byte{1, 0})}},
						{"inlineData": map[string]any{"mimeType": "image/png", "data": "AAAA"}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, live.Config{})
	ev := nextEvent(t, c)
	if ev.Kind != live.EventAudio {
		t.Fatalf("event = %v, want AUDIO", ev.Kind)
	}
	if ev.Audio.Format.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", ev.Audio.Format.SampleRate)
	}
}

func TestReceive_ServerErrorEndsConnection(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, live.Config{})
	waitClosed(t, c)
	if err := c.Err(); !errors.Is(err, gemini.ErrServer) {
		t.Fatalf("Err() = %v, want ErrServer", err)
	}
}

func TestReceive_NormalRemoteCloseIsClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := connect(t, srv, live.Config{})
	waitClosed(t, c)
	if err := c.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil after normal closure", err)
	}
}

func TestReceive_AbnormalRemoteCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	c := connect(t, srv, live.Config{})
	waitClosed(t, c)
	if c.Err() == nil {
		t.Fatal("Err() = nil, want transport error")
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSend_RealtimeInput(t *testing.T) {
	t.Parallel()

	type mediaMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan mediaMsg, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		for range 2 {
			var msg mediaMsg
			readJSON(t, conn, &msg)
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, live.Config{})
	format := audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16}
	for _, data := range [][]byte{{1, 0}, {2, 0}} {
		if err := c.Send(context.Background(), audio.EncodedChunk{Data: data, Format: format}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for i, want := range []byte{1, 2} {
		select {
		case msg := <-got:
			if len(msg.RealtimeInput.MediaChunks) != 1 {
				t.Fatalf("message %d: %d media chunks, want 1", i, len(msg.RealtimeInput.MediaChunks))
			}
			mc := msg.RealtimeInput.MediaChunks[0]
			if mc.MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("message %d: mimeType = %q", i, mc.MIMEType)
			}
			data, err := base64.StdEncoding.DecodeString(mc.Data)
			if err != nil || len(data) != 2 || data[0] != want {
				t.Errorf("message %d: data = %v (err %v), want first byte %d", i, data, err, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for media chunk %d", i)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, live.Config{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	waitClosed(t, c)
	if err := c.Err(); err != nil {
		t.Errorf("Err() after local Close = %v, want nil", err)
	}
	err := c.Send(context.Background(), audio.EncodedChunk{Data: []byte{0, 0}})
	if !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}
