package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "tls missing key",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "bad modality",
			yaml:    "endpoint:\n  modality: VIDEO\n",
			wantErr: []string{"endpoint.modality"},
		},
		{
			name:    "fallback without name",
			yaml:    "endpoint:\n  fallbacks:\n    - api_key: k\n",
			wantErr: []string{"endpoint.fallbacks[0].name"},
		},
		{
			name:    "negative breaker cooldown",
			yaml:    "endpoint:\n  breaker:\n    cooldown: -5s\n",
			wantErr: []string{"endpoint.breaker"},
		},
		{
			name:    "too many channels",
			yaml:    "audio:\n  outbound_channels: 6\n",
			wantErr: []string{"audio.outbound_channels"},
		},
		{
			name:    "frame larger than max",
			yaml:    "audio:\n  frame_samples: 4096\n  max_frame_samples: 1024\n",
			wantErr: []string{"exceeds audio.max_frame_samples"},
		},
		{
			name:    "negative drain timeout",
			yaml:    "session:\n  drain_timeout: -1s\n",
			wantErr: []string{"session.drain_timeout"},
		},
		{
			name:    "unknown store",
			yaml:    "transcript:\n  store:\n    backend: redis\n",
			wantErr: []string{"transcript.store.backend"},
		},
		{
			name:    "postgres without dsn",
			yaml:    "transcript:\n  store:\n    backend: postgres\n",
			wantErr: []string{"transcript.store.dsn"},
		},
		{
			name:    "nats servers and embedded",
			yaml:    "transcript:\n  nats:\n    embedded: true\n    servers: [\"nats://x\"]\n",
			wantErr: []string{"mutually exclusive"},
		},
		{
			name:    "backoff over max",
			yaml:    "restart:\n  backoff: 10s\n  max_backoff: 1s\n",
			wantErr: []string{"restart.backoff"},
		},
		{
			name:    "otlp without endpoint",
			yaml:    "telemetry:\n  trace_exporter: otlp\n",
			wantErr: []string{"telemetry.otlp_endpoint"},
		},
		{
			name:    "unknown exporter",
			yaml:    "telemetry:\n  trace_exporter: zipkin\n",
			wantErr: []string{"telemetry.trace_exporter"},
		},
		{
			name:    "errors are joined",
			yaml:    "server:\n  log_level: loud\ntelemetry:\n  trace_exporter: zipkin\n",
			wantErr: []string{"server.log_level", "telemetry.trace_exporter"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
endpoint:
  name: someone-elses-endpoint
audio:
  input:
    name: alsa
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unknown provider names should only warn, got: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}
