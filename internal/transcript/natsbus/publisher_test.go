package natsbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/internal/transcript"
	"github.com/MrWong99/livevoice/internal/transcript/natsbus"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

func startServer(t *testing.T) *natsbus.EmbeddedServer {
	t.Helper()
	srv, err := natsbus.StartEmbedded("127.0.0.1", -1, nil)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func subscribe(t *testing.T, url, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect: %v", err)
	}
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return sub
}

// ─── Publish ─────────────────────────────────────────────────────────────────

func TestPublish_SubjectAndPayload(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	sub := subscribe(t, srv.ClientURL(), "test.voice.>")

	pub, err := natsbus.Connect(natsbus.Config{
		Servers:        []string{srv.ClientURL()},
		SubjectPrefix:  "test.voice.",
		ConnectTimeout: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Fatal("publisher not healthy after connect")
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := transcript.NewMessage(session.Event{
		Kind:      session.EventTranscript,
		SessionID: "abc",
		At:        at,
		Fragment:  session.Fragment{Seq: 1, Role: live.RoleModel, Text: "Hello", ReceivedAt: at},
	})
	if err := pub.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if got.Subject != "test.voice.abc.transcript" {
		t.Errorf("subject = %q, want test.voice.abc.transcript", got.Subject)
	}
	var decoded transcript.Message
	if err := json.Unmarshal(got.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != "transcript" || decoded.Fragment == nil || decoded.Fragment.Text != "Hello" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPublish_StateEventsInOrder(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	sub := subscribe(t, srv.ClientURL(), natsbus.DefaultSubjectPrefix+".s1.state")

	pub, err := natsbus.Connect(natsbus.Config{Servers: []string{srv.ClientURL()}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	r := transcript.NewRecorder(transcript.WithPublisher(pub))
	states := []session.State{session.StateConnecting, session.StateActive, session.StateClosing, session.StateClosed}
	for _, s := range states {
		if err := r.Record(context.Background(), session.Event{Kind: session.EventStateChanged, SessionID: "s1", State: s}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	for _, want := range states {
		m, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("NextMsg: %v", err)
		}
		var decoded transcript.Message
		if err := json.Unmarshal(m.Data, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.State != want.String() {
			t.Errorf("state = %q, want %q", decoded.State, want)
		}
	}
}

func TestSubject_SanitisesTokens(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	pub, err := natsbus.Connect(natsbus.Config{Servers: []string{srv.ClientURL()}, SubjectPrefix: "p"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	tests := []struct {
		id, kind, want string
	}{
		{"abc", "state", "p.abc.state"},
		{"a.b", "error", "p.a_b.error"},
		{"x*y>", "transcript", "p.x_y_.transcript"},
		{"", "state", "p._.state"},
	}
	for _, tt := range tests {
		if got := pub.Subject(transcript.Message{SessionID: tt.id, Kind: tt.kind}); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.id, tt.kind, got, tt.want)
		}
	}
}

// ─── Connection lifecycle ────────────────────────────────────────────────────

func TestConnect_NoServers(t *testing.T) {
	t.Parallel()
	if _, err := natsbus.Connect(natsbus.Config{}, nil); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	pub, err := natsbus.Connect(natsbus.Config{Servers: []string{srv.ClientURL()}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pub.Healthy() {
		t.Error("Healthy after Close")
	}
	if err := pub.Ping(context.Background()); err == nil {
		t.Error("Ping after Close: expected error")
	}
	err = pub.Publish(context.Background(), transcript.Message{Kind: "state", SessionID: "x"})
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("Publish after Close: err = %v, want ErrConnectionClosed", err)
	}
}

func TestPublish_CancelledContext(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	pub, err := natsbus.Connect(natsbus.Config{Servers: []string{srv.ClientURL()}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, transcript.Message{Kind: "state"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
