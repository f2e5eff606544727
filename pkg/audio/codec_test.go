package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float32
		want    []int16
	}{
		{name: "full scale", samples: []float32{1.0, -1.0, 0}, want: []int16{32767, -32767, 0}},
		{name: "rounds to nearest", samples: []float32{0.5, -0.5}, want: []int16{16384, -16384}},
		{name: "clamps out of range", samples: []float32{1.5, -2.0}, want: []int16{32767, -32768}},
		{name: "nan encodes as silence", samples: []float32{float32(math.NaN())}, want: []int16{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunk, err := audio.EncodeFrame(audio.AudioFrame{Samples: tt.samples, SampleRate: 16000, Channels: 1}, 0)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			assertSamples(t, bytesToSamples(chunk.Data), tt.want)
		})
	}
}

func TestEncodeFrame_CarriesFormat(t *testing.T) {
	t.Parallel()
	frame := audio.AudioFrame{
		Samples:    make([]float32, 4096),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  256 * time.Millisecond,
	}
	chunk, err := audio.EncodeFrame(frame, 4096)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(chunk.Data) != 8192 {
		t.Errorf("len(Data) = %d, want 8192", len(chunk.Data))
	}
	if chunk.Format.MIMEType() != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", chunk.Format.MIMEType())
	}
	if chunk.Timestamp != frame.Timestamp {
		t.Errorf("Timestamp = %v, want %v", chunk.Timestamp, frame.Timestamp)
	}
}

func TestEncodeFrame_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.AudioFrame
		max   int
	}{
		{name: "empty", frame: audio.AudioFrame{SampleRate: 16000, Channels: 1}},
		{name: "oversized", frame: audio.AudioFrame{Samples: make([]float32, 10), SampleRate: 16000, Channels: 1}, max: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.EncodeFrame(tt.frame, tt.max)
			if !errors.Is(err, audio.ErrInvalidFrame) {
				t.Fatalf("err = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestDecodeChunk(t *testing.T) {
	t.Parallel()

	chunk := audio.InboundChunk{
		Data:   samplesToBytes([]int16{16384, -16384, 32767, -32768}),
		Format: audio.Format{SampleRate: 24000, Channels: 2},
	}
	buf, err := audio.DecodeChunk(chunk)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.FrameCount != 2 {
		t.Fatalf("FrameCount = %d, want 2", buf.FrameCount)
	}
	if len(buf.Channels) != 2 {
		t.Fatalf("len(Channels) = %d, want 2", len(buf.Channels))
	}
	wantL := []float32{0.5, 32767.0 / 32768.0}
	wantR := []float32{-0.5, -1.0}
	for i := range 2 {
		if buf.Channels[0][i] != wantL[i] {
			t.Errorf("L[%d] = %v, want %v", i, buf.Channels[0][i], wantL[i])
		}
		if buf.Channels[1][i] != wantR[i] {
			t.Errorf("R[%d] = %v, want %v", i, buf.Channels[1][i], wantR[i])
		}
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk audio.InboundChunk
	}{
		{name: "odd bytes mono", chunk: audio.InboundChunk{Data: []byte{1, 2, 3}, Format: audio.Format{SampleRate: 24000, Channels: 1}}},
		{name: "partial stereo frame", chunk: audio.InboundChunk{Data: []byte{1, 2, 3, 4, 5, 6}, Format: audio.Format{SampleRate: 24000, Channels: 2}}},
		{name: "zero channels", chunk: audio.InboundChunk{Data: []byte{1, 2}, Format: audio.Format{SampleRate: 24000}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.DecodeChunk(tt.chunk); !errors.Is(err, audio.ErrMalformedChunk) {
				t.Fatalf("err = %v, want ErrMalformedChunk", err)
			}
		})
	}
}

func TestDecodeChunk_Duration(t *testing.T) {
	t.Parallel()
	// 4800 bytes of 24 kHz mono is 2400 frames: 100 ms.
	buf, err := audio.DecodeChunk(audio.InboundChunk{
		Data:   make([]byte, 4800),
		Format: audio.Format{SampleRate: 24000, Channels: 1},
	})
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.FrameCount != 2400 {
		t.Errorf("FrameCount = %d, want 2400", buf.FrameCount)
	}
	if buf.Duration() != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", buf.Duration())
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []float32{0.5, -0.5, 0.25, 0.001, -0.1, 0} {
		chunk, err := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{s}, SampleRate: 16000, Channels: 1}, 0)
		if err != nil {
			t.Fatalf("EncodeFrame(%v): %v", s, err)
		}
		buf, err := audio.DecodeChunk(audio.InboundChunk{Data: chunk.Data, Format: chunk.Format})
		if err != nil {
			t.Fatalf("DecodeChunk(%v): %v", s, err)
		}
		got := buf.Channels[0][0]
		if diff := math.Abs(float64(got - s)); diff > 1.0/32768.0 {
			t.Errorf("round trip %v → %v: diff %v exceeds 1/32768", s, got, diff)
		}
	}
}
