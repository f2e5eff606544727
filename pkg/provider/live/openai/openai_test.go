package openai_test

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
	"github.com/MrWong99/livevoice/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that hands every accepted
// connection to handler. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession consumes the session.update and confirms it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var update map[string]any
	readJSON(t, conn, &update)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func connect(t *testing.T, srv *httptest.Server, cfg live.Config) live.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := openai.New("sk-test", openai.WithBaseURL(wsURL(srv))).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

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

// ── Session setup ─────────────────────────────────────────────────────────────

func TestConnect_SessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Modalities              []string `json:"modalities"`
			Voice                   string   `json:"voice"`
			Instructions            string   `json:"instructions"`
			InputAudioFormat        string   `json:"input_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}

	got := make(chan updateMsg, 1)
	headers := make(chan http.Header, 1)
	query := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header
		query <- r.URL.Query().Get("model")
		var msg updateMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-r.Context().Done()
	})

	connect(t, srv, live.Config{
		Model:              "gpt-test",
		Voice:              "verse",
		Instructions:       "Answer briefly.",
		InputTranscription: true,
	})

	h := <-headers
	if h.Get("Authorization") != "Bearer sk-test" || h.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("headers = %v", h)
	}
	if m := <-query; m != "gpt-test" {
		t.Errorf("model query = %q, want gpt-test", m)
	}
	msg := <-got
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Session.Voice != "verse" || msg.Session.Instructions != "Answer briefly." {
		t.Errorf("session = %+v", msg.Session)
	}
	if msg.Session.InputAudioFormat != "pcm16" {
		t.Errorf("input format = %q", msg.Session.InputAudioFormat)
	}
	if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Errorf("input transcription = %+v", msg.Session.InputAudioTranscription)
	}
	if len(msg.Session.Modalities) != 2 {
		t.Errorf("modalities = %v", msg.Session.Modalities)
	}
}

func TestConnect_TextModalityOmitsVoice(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg struct {
			Session map[string]any `json:"session"`
		}
		readJSON(t, conn, &msg)
		got <- msg.Session
		<-r.Context().Done()
	})

	connect(t, srv, live.Config{Modality: live.ModalityText, Voice: "verse"})

	s := <-got
	if _, ok := s["voice"]; ok {
		t.Errorf("voice sent for text modality: %v", s["voice"])
	}
	if mods, _ := s["modalities"].([]any); len(mods) != 1 || mods[0] != "text" {
		t.Errorf("modalities = %v", s["modalities"])
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := openai.New("k", openai.WithBaseURL("ws://127.0.0.1:1")).Connect(ctx, live.Config{})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Receive ───────────────────────────────────────────────────────────────────

func TestReceive_EventsInWireOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Sunny "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "today."})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Stop."})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-r.Context().Done()
	})

	c := connect(t, srv, live.Config{OutputTranscription: true})

	if ev := nextEvent(t, c); ev.Kind != live.EventReady {
		t.Fatalf("first event = %v, want READY", ev.Kind)
	}
	ev := nextEvent(t, c)
	if ev.Kind != live.EventAudio || string(ev.Audio.Data) != string(pcm) {
		t.Fatalf("audio event = %+v", ev)
	}
	if ev.Audio.Format.SampleRate != 24000 || ev.Audio.Format.Channels != 1 {
		t.Errorf("audio format = %+v", ev.Audio.Format)
	}
	ev = nextEvent(t, c)
	if ev.Kind != live.EventTranscript || ev.Role != live.RoleModel || ev.Text != "Sunny today." {
		t.Errorf("model transcript = %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != live.EventInterrupted {
		t.Errorf("event = %v, want INTERRUPTED", ev.Kind)
	}
	ev = nextEvent(t, c)
	if ev.Kind != live.EventTranscript || ev.Role != live.RoleUser || ev.Text != "Stop." {
		t.Errorf("user transcript = %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != live.EventTurnComplete {
		t.Errorf("event = %v, want TURN_COMPLETE", ev.Kind)
	}
}

func TestReceive_OutputTranscriptionDisabled(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "hidden"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-r.Context().Done()
	})

	c := connect(t, srv, live.Config{})
	nextEvent(t, c) // ready
	if ev := nextEvent(t, c); ev.Kind != live.EventTurnComplete {
		t.Errorf("event = %+v, want TURN_COMPLETE only", ev)
	}
}

func TestReceive_ErrorEventIsNotFatal(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"type": "invalid_request_error", "message": "nothing to cancel"}})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-r.Context().Done()
	})

	c := connect(t, srv, live.Config{})
	nextEvent(t, c) // ready
	if ev := nextEvent(t, c); ev.Kind != live.EventTurnComplete {
		t.Errorf("event = %v, want TURN_COMPLETE", ev.Kind)
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestReceive_AbnormalRemoteCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	c := connect(t, srv, live.Config{})
	waitClosed(t, c)
	if c.Err() == nil {
		t.Error("expected an error after abnormal close")
	}
}

func TestReceive_NormalRemoteCloseIsClean(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
	})

	c := connect(t, srv, live.Config{})
	waitClosed(t, c)
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_ConvertsTo24kMono(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-r.Context().Done()
	})

	c := connect(t, srv, live.Config{})
	nextEvent(t, c) // ready

	// 160 mono frames at 16 kHz become 240 frames at 24 kHz.
	chunk := audio.EncodedChunk{
		Data:   make([]byte, 320),
		Format: audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16},
	}
	if err := c.Send(context.Background(), chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := <-got
	if msg.Type != "input_audio_buffer.append" {
		t.Errorf("type = %q", msg.Type)
	}
	data, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data) != 480 {
		t.Errorf("sent %d bytes, want 480", len(data))
	}
}

func TestSend_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		acceptSession(t, conn)
		<-r.Context().Done()
	})

	c := connect(t, srv, live.Config{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	err := c.Send(context.Background(), audio.EncodedChunk{Data: []byte{0, 0}, Format: audio.Format{SampleRate: 24000, Channels: 1}})
	if !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	waitClosed(t, c)
}
