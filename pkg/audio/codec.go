package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidFrame is returned by [EncodeFrame] for an empty frame or one
	// larger than the configured maximum.
	ErrInvalidFrame = errors.New("audio: invalid frame")

	// ErrMalformedChunk is returned by [DecodeChunk] when the payload length
	// is not a whole number of interleaved 16-bit frames.
	ErrMalformedChunk = errors.New("audio: malformed chunk")
)

const (
	// encodeScale maps [-1, 1] onto the symmetric int16 range.
	encodeScale = 32767

	// decodeScale maps int16 onto [-1, 1).
	decodeScale = 32768.0
)

// EncodeFrame converts frame to signed 16-bit little-endian PCM. Each sample
// becomes round(s*32767) clamped to [-32768, 32767]; NaN encodes as 0.
//
// maxSamples bounds the number of samples accepted; zero or negative
// disables the check. EncodeFrame is pure.
func EncodeFrame(frame AudioFrame, maxSamples int) (EncodedChunk, error) {
	n := len(frame.Samples)
	if n == 0 {
		return EncodedChunk{}, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if maxSamples > 0 && n > maxSamples {
		return EncodedChunk{}, fmt.Errorf("%w: %d samples exceeds maximum %d", ErrInvalidFrame, n, maxSamples)
	}

	out := make([]byte, n*2)
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}

	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	return EncodedChunk{
		Data: out,
		Format: Format{
			SampleRate: frame.SampleRate,
			Channels:   channels,
			Encoding:   EncodingPCM16,
		},
		Timestamp: frame.Timestamp,
	}, nil
}

func quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := math.Round(float64(s) * encodeScale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// DecodeChunk interprets chunk as C-interleaved signed 16-bit little-endian
// PCM and de-interleaves it into C float channels, dividing each sample by
// 32768. The frame count is len(Data) / (2*C).
//
// A payload whose length is not a multiple of 2*C yields [ErrMalformedChunk].
// An empty payload decodes to an empty buffer.
func DecodeChunk(chunk InboundChunk) (PlaybackBuffer, error) {
	c := chunk.Format.Channels
	if c <= 0 || chunk.Format.SampleRate <= 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: invalid format %s", ErrMalformedChunk, chunk.Format)
	}
	stride := 2 * c
	if len(chunk.Data)%stride != 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedChunk, len(chunk.Data), stride)
	}

	frames := len(chunk.Data) / stride
	chans := make([][]float32, c)
	for ch := range chans {
		chans[ch] = make([]float32, frames)
	}
	for f := range frames {
		base := f * stride
		for ch := range c {
			v := int16(binary.LittleEndian.Uint16(chunk.Data[base+ch*2:]))
			chans[ch][f] = float32(float64(v) / decodeScale)
		}
	}

	return PlaybackBuffer{
		Channels:   chans,
		FrameCount: frames,
		SampleRate: chunk.Format.SampleRate,
	}, nil
}
