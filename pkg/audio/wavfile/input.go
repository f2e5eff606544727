// Package wavfile provides WAV-file backed audio devices: an [Input] that
// plays a recording into the engine as if it were a microphone, and an
// [Output] that records scheduled playback onto a timeline and writes it as
// a WAV file when closed.
//
// Both devices use real time. The output sink's playback clock advances with
// the wall clock from the moment it is opened, so scheduling, gapless
// playback and interruption behave as they would on a sound card.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// DefaultFrameSamples is the capture block size used when none is
// configured: 4096 samples per channel.
const DefaultFrameSamples = 4096

var _ audio.InputDevice = (*Input)(nil)

// Input is an [audio.InputDevice] that reads a 16-bit PCM WAV file.
type Input struct {
	path         string
	frameSamples int
	paced        bool
}

// InputOption is a functional option for [NewInput].
type InputOption func(*Input)

// WithFrameSamples sets the number of samples per channel in each frame.
func WithFrameSamples(n int) InputOption {
	return func(in *Input) {
		if n > 0 {
			in.frameSamples = n
		}
	}
}

// WithPacing controls whether frames are released at real-time cadence
// (the default) or as fast as they are read.
func WithPacing(paced bool) InputOption {
	return func(in *Input) { in.paced = paced }
}

// NewInput creates an Input for the WAV file at path. The file is opened on
// each call to [Input.Open].
func NewInput(path string, opts ...InputOption) *Input {
	in := &Input{path: path, frameSamples: DefaultFrameSamples, paced: true}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Open implements [audio.InputDevice]. The whole file is decoded up front.
func (in *Input) Open(_ context.Context) (audio.Source, error) {
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open input: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavfile: %s is not a valid WAV file", in.path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", in.path, err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("wavfile: %s: unsupported bit depth %d", in.path, dec.BitDepth)
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / 32768
	}

	return &source{
		format:       audio.Format{SampleRate: int(dec.SampleRate), Channels: channels, Encoding: audio.EncodingPCM16},
		samples:      samples,
		frameSamples: in.frameSamples,
		paced:        in.paced,
		done:         make(chan struct{}),
	}, nil
}

// source serves frames from a decoded WAV file.
type source struct {
	format       audio.Format
	samples      []float32
	frameSamples int
	paced        bool

	pos     int
	started time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (s *source) Format() audio.Format { return s.format }

func (s *source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case <-s.done:
		return audio.AudioFrame{}, errors.New("wavfile: source closed")
	default:
	}
	if s.pos >= len(s.samples) {
		return audio.AudioFrame{}, io.EOF
	}

	ch := s.format.Channels
	offset := audio.FramesDuration(s.pos/ch, s.format.SampleRate)
	if s.paced {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		// A frame is released once it has been fully "captured".
		frameEnd := audio.FramesDuration(s.pos/ch+s.frameSamples, s.format.SampleRate)
		if wait := time.Until(s.started.Add(frameEnd)); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-s.done:
				t.Stop()
				return audio.AudioFrame{}, errors.New("wavfile: source closed")
			case <-ctx.Done():
				t.Stop()
				return audio.AudioFrame{}, ctx.Err()
			}
		}
	}

	end := min(s.pos+s.frameSamples*ch, len(s.samples))
	frame := audio.AudioFrame{
		Samples:    s.samples[s.pos:end],
		SampleRate: s.format.SampleRate,
		Channels:   ch,
		Timestamp:  offset,
	}
	s.pos = end
	return frame, nil
}

func (s *source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// WritePCM16 writes interleaved int16 samples to path as a WAV file.
func WritePCM16(path string, samples []int, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: close wav encoder: %w", err)
	}
	return f.Close()
}
