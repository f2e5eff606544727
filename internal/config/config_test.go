package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	livemock "github.com/MrWong99/livevoice/pkg/provider/live/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

endpoint:
  name: gemini-live
  api_key: test-key
  model: gemini-live-test
  voice: Puck
  instructions: You are a friendly shop assistant.
  input_transcription: true
  output_transcription: false
  fallbacks:
    - name: gemini-live
      api_key: backup-key
      base_url: wss://backup.example.com/ws
  breaker:
    max_failures: 2
    cooldown: 1m

audio:
  input:
    name: wav
    options:
      path: testdata/question.wav
      paced: false
  output:
    name: wav
    options:
      path: out/answer.wav
      sample_rate: 24000
  outbound_sample_rate: 16000
  frame_samples: 2048
  max_frame_samples: 8192

session:
  drain_timeout: 500ms
  reset_cursor_to_zero: true
  event_buffer: 16

transcript:
  store:
    backend: sqlite
    path: /tmp/livevoice.db
  nats:
    servers: ["nats://localhost:4222"]
    subject_prefix: shop.voice
    connect_timeout: 2s

restart:
  enabled: true
  max_retries: 3
  backoff: 250ms
  max_backoff: 4s

telemetry:
  service_name: livevoice-test
  trace_exporter: stdout
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	ep := cfg.Endpoint
	if ep.Name != "gemini-live" || ep.APIKey != "test-key" || ep.Model != "gemini-live-test" {
		t.Errorf("endpoint entry = %+v", ep.ProviderEntry)
	}
	if ep.Voice != "Puck" || !ep.InputTranscription {
		t.Errorf("endpoint persona = %+v", ep)
	}
	if len(ep.Fallbacks) != 1 || ep.Fallbacks[0].BaseURL != "wss://backup.example.com/ws" {
		t.Errorf("fallbacks = %+v", ep.Fallbacks)
	}
	if ep.Breaker.MaxFailures != 2 || ep.Breaker.Cooldown != time.Minute {
		t.Errorf("breaker = %+v", ep.Breaker)
	}
	if ep.OutputTranscription == nil || *ep.OutputTranscription {
		t.Error("output_transcription: false was not honoured")
	}

	if got := cfg.Audio.Input.OptString("path"); got != "testdata/question.wav" {
		t.Errorf("input path = %q", got)
	}
	if cfg.Audio.Input.OptBool("paced", true) {
		t.Error("input paced option should be false")
	}
	if got := cfg.Audio.Output.OptInt("sample_rate", 0); got != 24000 {
		t.Errorf("output sample_rate = %d", got)
	}
	if cfg.Audio.FrameSamples != 2048 || cfg.Audio.MaxFrameSamples != 8192 || cfg.Audio.OutboundChannels != 1 {
		t.Errorf("audio = %+v", cfg.Audio)
	}

	if d := cfg.Session.DrainTimeout; d == nil || *d != 500*time.Millisecond {
		t.Errorf("drain_timeout = %v", d)
	}
	if !cfg.Session.ResetCursorToZero || cfg.Session.EventBuffer != 16 {
		t.Errorf("session = %+v", cfg.Session)
	}

	if cfg.Transcript.Store.Backend != config.StoreSQLite || cfg.Transcript.Store.Path != "/tmp/livevoice.db" {
		t.Errorf("store = %+v", cfg.Transcript.Store)
	}
	if !cfg.Transcript.NATS.Enabled() || cfg.Transcript.NATS.ConnectTimeout != 2*time.Second {
		t.Errorf("nats = %+v", cfg.Transcript.NATS)
	}

	want := config.RestartConfig{Enabled: true, MaxRetries: 3, Backoff: 250 * time.Millisecond, MaxBackoff: 4 * time.Second}
	if cfg.Restart != want {
		t.Errorf("restart = %+v, want %+v", cfg.Restart, want)
	}
	if cfg.Telemetry.ServiceName != "livevoice-test" || cfg.Telemetry.TraceExporter != "stdout" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Endpoint.Name != config.DefaultEndpoint || cfg.Endpoint.Modality != "AUDIO" {
		t.Errorf("endpoint = %+v", cfg.Endpoint)
	}
	if cfg.Endpoint.OutputTranscription == nil || !*cfg.Endpoint.OutputTranscription {
		t.Error("output transcription should default to on")
	}
	if cfg.Audio.OutboundSampleRate != 16000 || cfg.Audio.OutboundChannels != 1 || cfg.Audio.FrameSamples != 4096 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if d := cfg.Session.DrainTimeout; d == nil || *d != config.DefaultDrainTimeout {
		t.Errorf("drain_timeout = %v", d)
	}
	if cfg.Transcript.Store.Backend != config.StoreMemory || cfg.Transcript.NATS.Enabled() {
		t.Errorf("transcript = %+v", cfg.Transcript)
	}
	if cfg.Restart.Enabled || cfg.Restart.MaxRetries != 5 {
		t.Errorf("restart = %+v", cfg.Restart)
	}
}

func TestLoadFromReader_ZeroDrainTimeoutKept(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("session:\n  drain_timeout: 0s\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if d := cfg.Session.DrainTimeout; d == nil || *d != 0 {
		t.Errorf("drain_timeout = %v, want explicit 0", d)
	}
}

func TestLoadFromReader_SQLiteDefaultPath(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("transcript:\n  store:\n    backend: sqlite\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transcript.Store.Path != config.DefaultSQLitePath {
		t.Errorf("path = %q", cfg.Transcript.Store.Path)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoint.Voice != "Puck" {
		t.Errorf("voice = %q", cfg.Endpoint.Voice)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err = %v, want ErrNotExist", err)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		valid bool
		want  string
	}{
		{config.LogDebug, true, "DEBUG"},
		{config.LogInfo, true, "INFO"},
		{config.LogWarn, true, "WARN"},
		{config.LogError, true, "ERROR"},
		{"verbose", false, "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.IsValid(); got != tt.valid {
			t.Errorf("%q.IsValid() = %v", tt.level, got)
		}
		if got := tt.level.Level().String(); got != tt.want {
			t.Errorf("%q.Level() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterEndpoint("fake", func(e config.ProviderEntry) (live.Endpoint, error) {
		gotEntry = e
		return &livemock.Endpoint{}, nil
	})
	reg.RegisterInput("fake", func(config.ProviderEntry) (audio.InputDevice, error) {
		return &audiomock.InputDevice{}, nil
	})
	reg.RegisterOutput("fake", func(config.ProviderEntry) (audio.OutputDevice, error) {
		return &audiomock.OutputDevice{}, nil
	})

	ep, err := reg.CreateEndpoint(config.ProviderEntry{Name: "fake", Model: "m1"})
	if err != nil || ep == nil {
		t.Fatalf("CreateEndpoint: %v, %v", ep, err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if _, err := reg.CreateInput(config.ProviderEntry{Name: "fake"}); err != nil {
		t.Errorf("CreateInput: %v", err)
	}
	if _, err := reg.CreateOutput(config.ProviderEntry{Name: "fake"}); err != nil {
		t.Errorf("CreateOutput: %v", err)
	}

	for name, create := range map[string]func() error{
		"endpoint": func() error { _, err := reg.CreateEndpoint(config.ProviderEntry{Name: "nope"}); return err },
		"input":    func() error { _, err := reg.CreateInput(config.ProviderEntry{Name: "nope"}); return err },
		"output":   func() error { _, err := reg.CreateOutput(config.ProviderEntry{Name: "nope"}); return err },
	} {
		if err := create(); !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: err = %v, want ErrProviderNotRegistered", name, err)
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterOutput("broken", func(config.ProviderEntry) (audio.OutputDevice, error) { return nil, boom })
	if _, err := reg.CreateOutput(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegistry_CreatedDevicesWork(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	sink := audiomock.NewSink()
	reg.RegisterOutput("mock", func(config.ProviderEntry) (audio.OutputDevice, error) {
		return &audiomock.OutputDevice{Sink: sink}, nil
	})
	dev, err := reg.CreateOutput(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}
	got, err := dev.Open(context.Background())
	if err != nil || got != sink {
		t.Errorf("Open = %v, %v; want the registered sink", got, err)
	}
}

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"s": "x", "i": 7, "f": 2.9, "b": true, "wrong": []string{"a"},
	}}
	if e.OptString("s") != "x" || e.OptString("i") != "" || e.OptString("missing") != "" {
		t.Error("OptString")
	}
	if e.OptInt("i", 0) != 7 || e.OptInt("f", 0) != 2 || e.OptInt("wrong", 3) != 3 {
		t.Error("OptInt")
	}
	if !e.OptBool("b", false) || !e.OptBool("missing", true) || e.OptBool("s", false) {
		t.Error("OptBool")
	}
	var empty config.ProviderEntry
	if empty.OptString("x") != "" || empty.OptInt("x", 4) != 4 {
		t.Error("nil options map")
	}
}
