package app

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/wavfile"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
	"github.com/MrWong99/livevoice/pkg/provider/live/openai"
)

// NewRegistry returns a registry with every built-in implementation
// registered:
//
//   - endpoint "gemini-live": the Gemini Live API.
//   - endpoint "openai-realtime": the OpenAI Realtime API.
//   - input "wav": a WAV file played as microphone input. Options: path
//     (required), paced (default true), frame_samples.
//   - output "wav": records scheduled playback to a WAV file. Options: path,
//     sample_rate, channels.
func NewRegistry(logger *slog.Logger) *config.Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := config.NewRegistry()

	reg.RegisterEndpoint("gemini-live", func(entry config.ProviderEntry) (live.Endpoint, error) {
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterEndpoint("openai-realtime", func(entry config.ProviderEntry) (live.Endpoint, error) {
		if entry.APIKey == "" && entry.BaseURL == "" {
			return nil, errors.New("openai-realtime: api_key is required")
		}
		return openai.New(entry.APIKey,
			openai.WithLogger(logger),
			openai.WithModel(entry.Model),
			openai.WithBaseURL(entry.BaseURL),
		), nil
	})

	reg.RegisterInput("wav", func(entry config.ProviderEntry) (audio.InputDevice, error) {
		path := entry.OptString("path")
		if path == "" {
			return nil, errors.New("wav input: options.path is required")
		}
		return wavfile.NewInput(path,
			wavfile.WithPacing(entry.OptBool("paced", true)),
			wavfile.WithFrameSamples(entry.OptInt("frame_samples", wavfile.DefaultFrameSamples)),
		), nil
	})

	reg.RegisterOutput("wav", func(entry config.ProviderEntry) (audio.OutputDevice, error) {
		return wavfile.NewOutput(entry.OptString("path"),
			wavfile.WithOutputFormat(
				entry.OptInt("sample_rate", wavfile.DefaultOutputRate),
				entry.OptInt("channels", 1),
			),
		), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			logger.Debug("registered provider", "kind", kind, "name", name)
		}
	}
	return reg
}
