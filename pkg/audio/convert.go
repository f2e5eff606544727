package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter converts encoded PCM chunks to a target format. It logs a
// warning on the first format mismatch and on the first misaligned payload.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts chunk to the target format. If the source format already
// matches the target, the chunk is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
//
// A payload that is not a whole number of 16-bit frames is replaced by an
// empty payload; callers drop chunks with no data.
func (c *FormatConverter) Convert(chunk EncodedChunk) EncodedChunk {
	from := chunk.Format
	if from.Channels <= 0 || len(chunk.Data)%(2*from.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping chunk",
				"bytes", len(chunk.Data),
				"sampleRate", from.SampleRate,
				"channels", from.Channels,
			)
		})
		return EncodedChunk{Format: c.Target, Timestamp: chunk.Timestamp}
	}

	if from.SampleRate == c.Target.SampleRate && from.Channels == c.Target.Channels {
		return chunk
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", from.String(),
			"to", c.Target.String(),
		)
	})

	pcm := chunk.Data
	// Resampling before downmixing avoids resampling channels that are about
	// to be discarded.
	if from.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, from.Channels, from.SampleRate, c.Target.SampleRate)
	}
	if from.Channels != c.Target.Channels {
		pcm = Remix16(pcm, from.Channels, c.Target.Channels)
	}

	return EncodedChunk{
		Data: pcm,
		Format: Format{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Encoding:   EncodingPCM16,
		},
		Timestamp: chunk.Timestamp,
	}
}

// Remix16 converts interleaved 16-bit PCM between channel counts. Upmixing
// from mono duplicates the sample into every output channel; downmixing to
// mono averages all input channels. Other conversions copy the first
// min(from, to) channels and zero the rest.
func Remix16(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for f := range frames {
		in := pcm[f*2*from:]
		dst := out[f*2*to:]
		switch {
		case to == 1:
			var sum int32
			for ch := range from {
				sum += int32(int16(binary.LittleEndian.Uint16(in[ch*2:])))
			}
			binary.LittleEndian.PutUint16(dst, uint16(clamp16(sum/int32(from))))
		case from == 1:
			lo, hi := in[0], in[1]
			for ch := range to {
				dst[ch*2] = lo
				dst[ch*2+1] = hi
			}
		default:
			copy(dst[:2*min(from, to)], in[:2*min(from, to)])
		}
	}
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte { return Remix16(pcm, 1, 2) }

// StereoToMono averages L+R per stereo frame and clamps to int16 range.
func StereoToMono(pcm []byte) []byte { return Remix16(pcm, 2, 1) }

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. If the rates match or
// are invalid, the input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := 2 * channels
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*stride+ch*2:])))
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			v := math.Round(sample(idx, ch)*(1-frac) + sample(next, ch)*frac)
			binary.LittleEndian.PutUint16(out[i*stride+ch*2:], uint16(clamp16(int32(v))))
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample16(pcm, 1, srcRate, dstRate)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
