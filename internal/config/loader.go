package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in implementation names per component
// kind. Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"endpoint": {"gemini-live", "openai-realtime"},
	"input":    {"wav"},
	"output":   {"wav"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Endpoint.Name == "" {
		cfg.Endpoint.Name = DefaultEndpoint
	}
	if cfg.Endpoint.Modality == "" {
		cfg.Endpoint.Modality = "AUDIO"
	}
	if cfg.Endpoint.OutputTranscription == nil {
		on := true
		cfg.Endpoint.OutputTranscription = &on
	}

	if cfg.Audio.Input.Name == "" {
		cfg.Audio.Input.Name = DefaultInputDevice
	}
	if cfg.Audio.Output.Name == "" {
		cfg.Audio.Output.Name = DefaultOutputDevice
	}
	if cfg.Audio.OutboundSampleRate == 0 {
		cfg.Audio.OutboundSampleRate = DefaultOutboundRate
	}
	if cfg.Audio.OutboundChannels == 0 {
		cfg.Audio.OutboundChannels = DefaultOutboundChannels
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = DefaultFrameSamples
	}

	if cfg.Session.DrainTimeout == nil {
		d := DefaultDrainTimeout
		cfg.Session.DrainTimeout = &d
	}
	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = DefaultEventBuffer
	}

	if cfg.Transcript.Store.Backend == "" {
		cfg.Transcript.Store.Backend = StoreMemory
	}
	if cfg.Transcript.Store.Backend == StoreSQLite && cfg.Transcript.Store.Path == "" {
		cfg.Transcript.Store.Path = DefaultSQLitePath
	}

	if cfg.Restart.MaxRetries == 0 {
		cfg.Restart.MaxRetries = DefaultRestartRetries
	}
	if cfg.Restart.Backoff == 0 {
		cfg.Restart.Backoff = DefaultRestartBackoff
	}
	if cfg.Restart.MaxBackoff == 0 {
		cfg.Restart.MaxBackoff = DefaultRestartMaxBackoff
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = "none"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Endpoint
	validateProviderName("endpoint", cfg.Endpoint.Name)
	switch strings.ToUpper(cfg.Endpoint.Modality) {
	case "", "AUDIO", "TEXT":
	default:
		errs = append(errs, fmt.Errorf("endpoint.modality %q is invalid; valid values: AUDIO, TEXT", cfg.Endpoint.Modality))
	}
	for i, fb := range cfg.Endpoint.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("endpoint.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("endpoint", fb.Name)
	}
	if cfg.Endpoint.Breaker.MaxFailures < 0 || cfg.Endpoint.Breaker.Cooldown < 0 {
		errs = append(errs, errors.New("endpoint.breaker.max_failures and endpoint.breaker.cooldown must not be negative"))
	}
	if cfg.Endpoint.Name == DefaultEndpoint && cfg.Endpoint.APIKey == "" && cfg.Endpoint.BaseURL == "" {
		slog.Warn("endpoint.api_key is empty; gemini-live sessions will be rejected by the service")
	}

	// Audio
	validateProviderName("input", cfg.Audio.Input.Name)
	validateProviderName("output", cfg.Audio.Output.Name)
	if cfg.Audio.OutboundSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.outbound_sample_rate %d must be positive", cfg.Audio.OutboundSampleRate))
	}
	if cfg.Audio.OutboundChannels < 0 || cfg.Audio.OutboundChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.outbound_channels %d is out of range [1, 2]", cfg.Audio.OutboundChannels))
	}
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.MaxFrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.max_frame_samples %d must not be negative", cfg.Audio.MaxFrameSamples))
	}
	if m := cfg.Audio.MaxFrameSamples; m > 0 && cfg.Audio.FrameSamples > m {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d exceeds audio.max_frame_samples %d", cfg.Audio.FrameSamples, m))
	}

	// Session
	if d := cfg.Session.DrainTimeout; d != nil && *d < 0 {
		errs = append(errs, fmt.Errorf("session.drain_timeout %s must not be negative", *d))
	}
	if cfg.Session.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.event_buffer %d must not be negative", cfg.Session.EventBuffer))
	}

	// Transcript
	store := cfg.Transcript.Store
	if store.Backend != "" && !store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("transcript.store.backend %q is invalid; valid values: none, memory, sqlite, postgres", store.Backend))
	}
	if store.Backend == StorePostgres && store.DSN == "" {
		errs = append(errs, errors.New("transcript.store.dsn is required when backend is postgres"))
	}
	if n := cfg.Transcript.NATS; n.Embedded && len(n.Servers) > 0 {
		errs = append(errs, errors.New("transcript.nats: servers and embedded are mutually exclusive"))
	}

	// Restart
	if cfg.Restart.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("restart.max_retries %d must not be negative", cfg.Restart.MaxRetries))
	}
	if cfg.Restart.Backoff < 0 || cfg.Restart.MaxBackoff < 0 {
		errs = append(errs, errors.New("restart.backoff and restart.max_backoff must not be negative"))
	}
	if cfg.Restart.MaxBackoff > 0 && cfg.Restart.Backoff > cfg.Restart.MaxBackoff {
		errs = append(errs, fmt.Errorf("restart.backoff %s exceeds restart.max_backoff %s", cfg.Restart.Backoff, cfg.Restart.MaxBackoff))
	}

	// Telemetry
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, stdout, otlp", cfg.Telemetry.TraceExporter))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party implementation",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
