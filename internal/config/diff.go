package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; they take
// effect for the next session.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the voice or instructions differ.
	PersonaChanged bool

	// TranscriptionChanged is true when either transcription toggle differs.
	TranscriptionChanged bool

	// RestartChanged is true when any restart setting differs.
	RestartChanged bool

	// RequiresRestart lists sections whose changes are ignored until the
	// process restarts.
	RequiresRestart []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.TranscriptionChanged ||
		d.RestartChanged || len(d.RequiresRestart) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Endpoint.Voice != new.Endpoint.Voice || old.Endpoint.Instructions != new.Endpoint.Instructions {
		d.PersonaChanged = true
	}
	if old.Endpoint.InputTranscription != new.Endpoint.InputTranscription ||
		boolValue(old.Endpoint.OutputTranscription) != boolValue(new.Endpoint.OutputTranscription) {
		d.TranscriptionChanged = true
	}

	if old.Restart != new.Restart {
		d.RestartChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RequiresRestart = append(d.RequiresRestart, "server")
	}
	if !entryEqual(old.Endpoint.ProviderEntry, new.Endpoint.ProviderEntry) || old.Endpoint.Modality != new.Endpoint.Modality ||
		!slices.EqualFunc(old.Endpoint.Fallbacks, new.Endpoint.Fallbacks, entryEqual) ||
		old.Endpoint.Breaker != new.Endpoint.Breaker {
		d.RequiresRestart = append(d.RequiresRestart, "endpoint")
	}
	if !entryEqual(old.Audio.Input, new.Audio.Input) || !entryEqual(old.Audio.Output, new.Audio.Output) ||
		old.Audio.OutboundSampleRate != new.Audio.OutboundSampleRate ||
		old.Audio.OutboundChannels != new.Audio.OutboundChannels ||
		old.Audio.FrameSamples != new.Audio.FrameSamples ||
		old.Audio.MaxFrameSamples != new.Audio.MaxFrameSamples {
		d.RequiresRestart = append(d.RequiresRestart, "audio")
	}
	if durationValue(old.Session.DrainTimeout) != durationValue(new.Session.DrainTimeout) ||
		old.Session.ResetCursorToZero != new.Session.ResetCursorToZero ||
		old.Session.EventBuffer != new.Session.EventBuffer {
		d.RequiresRestart = append(d.RequiresRestart, "session")
	}
	if old.Transcript.Store != new.Transcript.Store || !natsEqual(old.Transcript.NATS, new.Transcript.NATS) {
		d.RequiresRestart = append(d.RequiresRestart, "transcript")
	}

	return d
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func durationValue(d *time.Duration) time.Duration {
	if d == nil {
		return -1
	}
	return *d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

func natsEqual(a, b NATSConfig) bool {
	return slices.Equal(a.Servers, b.Servers) &&
		a.SubjectPrefix == b.SubjectPrefix &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.Username == b.Username &&
		a.Password == b.Password &&
		a.Token == b.Token &&
		a.TLSInsecure == b.TLSInsecure &&
		a.Embedded == b.Embedded &&
		a.EmbeddedPort == b.EmbeddedPort
}
