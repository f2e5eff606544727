// Package config provides the configuration schema, loader, and device/endpoint
// registry for the livevoice session engine.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// StoreBackend selects where session transcripts are persisted.
type StoreBackend string

const (
	StoreNone     StoreBackend = "none"
	StoreMemory   StoreBackend = "memory"
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreNone, StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultEndpoint          = "gemini-live"
	DefaultInputDevice       = "wav"
	DefaultOutputDevice      = "wav"
	DefaultOutboundRate      = 16000
	DefaultOutboundChannels  = 1
	DefaultFrameSamples      = 4096
	DefaultDrainTimeout      = 2 * time.Second
	DefaultEventBuffer       = 64
	DefaultSQLitePath        = "./data/transcripts.db"
	DefaultRestartRetries    = 5
	DefaultRestartBackoff    = time.Second
	DefaultRestartMaxBackoff = 30 * time.Second
	DefaultServiceName       = "livevoice"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Restart    RestartConfig    `yaml:"restart"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry is the common configuration block for every pluggable
// component. Name selects the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "gemini-live", "wav").
	Name string `yaml:"name"`

	// APIKey is the authentication key for remote services.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the implementation's default address.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific remote model.
	Model string `yaml:"model"`

	// Options holds implementation-specific values not covered above, such
	// as the file path of a WAV device.
	Options map[string]any `yaml:"options"`
}

// EndpointConfig selects the remote conversational endpoint and the session
// setup sent to it.
type EndpointConfig struct {
	ProviderEntry `yaml:",inline"`

	// Voice names the prebuilt voice. Empty selects the endpoint default.
	Voice string `yaml:"voice"`

	// Instructions is the persona prompt sent at session setup.
	Instructions string `yaml:"instructions"`

	// Modality is "AUDIO" (default) or "TEXT".
	Modality string `yaml:"modality"`

	// InputTranscription asks the endpoint to transcribe the caller's speech.
	InputTranscription bool `yaml:"input_transcription"`

	// OutputTranscription asks the endpoint to transcribe its own speech.
	// Defaults to true.
	OutputTranscription *bool `yaml:"output_transcription"`

	// Fallbacks are tried in order when connecting to the primary endpoint
	// fails or its circuit breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Breaker tunes the per-endpoint connect circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes connect circuit breakers. Zero values take the
// resilience package defaults.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// AudioConfig selects the capture and playback devices and the outbound
// wire format.
type AudioConfig struct {
	Input  ProviderEntry `yaml:"input"`
	Output ProviderEntry `yaml:"output"`

	// OutboundSampleRate is the rate declared to the endpoint. Captured
	// audio at another rate is resampled.
	OutboundSampleRate int `yaml:"outbound_sample_rate"`

	// OutboundChannels is the channel count declared to the endpoint.
	OutboundChannels int `yaml:"outbound_channels"`

	// FrameSamples is the capture block size per channel.
	FrameSamples int `yaml:"frame_samples"`

	// MaxFrameSamples rejects larger frames. Zero means no limit.
	MaxFrameSamples int `yaml:"max_frame_samples"`
}

// SessionConfig tunes the session controller.
type SessionConfig struct {
	// DrainTimeout bounds how long a stopping session waits for queued
	// playback. Zero flushes immediately.
	DrainTimeout *time.Duration `yaml:"drain_timeout"`

	// ResetCursorToZero makes interrupts reset the playback cursor to zero
	// instead of to the current playback clock.
	ResetCursorToZero bool `yaml:"reset_cursor_to_zero"`

	// EventBuffer is the per-subscriber event channel capacity.
	EventBuffer int `yaml:"event_buffer"`
}

// TranscriptConfig configures transcript persistence and publishing.
type TranscriptConfig struct {
	Store StoreConfig `yaml:"store"`
	NATS  NATSConfig  `yaml:"nats"`
}

// StoreConfig selects the transcript store backend.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the NATS event publisher. Publishing is disabled when
// neither Servers nor Embedded is set.
type NATSConfig struct {
	Servers        []string      `yaml:"servers"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	TLSInsecure    bool          `yaml:"tls_insecure"`

	// Embedded starts an in-process NATS server on EmbeddedPort and
	// publishes to it.
	Embedded     bool `yaml:"embedded"`
	EmbeddedPort int  `yaml:"embedded_port"`
}

// Enabled reports whether events should be published.
func (n NATSConfig) Enabled() bool {
	return n.Embedded || len(n.Servers) > 0
}

// RestartConfig configures automatic restarts after transport failures.
type RestartConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TelemetryConfig configures tracing and metric identity.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceExporter is "none" (default), "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}
