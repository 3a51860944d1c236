// Package pcm converts between the float32 sample windows used by the capture
// and playback pipelines and the s16le wire encoding spoken by the session
// transport.
//
// The encoder and decoder are pure functions: the same input always yields the
// same output, and neither keeps state between calls. Saturation at the
// [-1, 1] boundaries is applied on encode so that an overdriven input window
// clips instead of wrapping around.
package pcm

import (
	"errors"
	"fmt"
	"time"
)

// ErrTruncatedPayload is returned by [Decode] when a payload's byte length is
// not a whole multiple of the s16le sample width. A truncated payload means
// the chunk is corrupt; callers must drop it and leave the playback timeline
// untouched.
var ErrTruncatedPayload = errors.New("pcm: payload length is not a multiple of the sample width")

// sampleWidth is the byte width of one s16le sample.
const sampleWidth = 2

// EncodedFrame is one wire-ready block of audio: s16le sample data plus the
// MIME tag declaring its format and rate, e.g. "audio/pcm;rate=16000".
type EncodedFrame struct {
	MIMEType string
	Data     []byte
}

// Chunk is one decoded unit of playable audio derived from a single inbound
// message: mono float32 samples in [-1, 1] at SampleRate.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(c.Samples)) * int64(time.Second) / int64(c.SampleRate))
}

// EncodeFrame converts a window of mono float32 samples in [-1, 1] into an
// s16le [EncodedFrame] tagged with sampleRate. Samples outside [-1, 1] are
// saturated at the boundary.
func EncodeFrame(samples []float32, sampleRate int) EncodedFrame {
	data := make([]byte, len(samples)*sampleWidth)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return EncodedFrame{
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
		Data:     data,
	}
}

// Decode converts an s16le payload at srcRate into a mono float32 [Chunk]
// resampled to dstRate. Returns [ErrTruncatedPayload] when the payload length
// is not a multiple of the sample width; no partial chunk is produced.
func Decode(payload []byte, srcRate, dstRate int) (Chunk, error) {
	if len(payload)%sampleWidth != 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes", ErrTruncatedPayload, len(payload))
	}
	if srcRate <= 0 || dstRate <= 0 {
		return Chunk{}, fmt.Errorf("pcm: invalid sample rate %d -> %d", srcRate, dstRate)
	}

	samples := make([]float32, len(payload)/sampleWidth)
	for i := range samples {
		s := int16(payload[i*2]) | int16(payload[i*2+1])<<8
		samples[i] = float32(s) / 32768
	}

	if srcRate != dstRate {
		samples = Resample(samples, srcRate, dstRate)
	}
	return Chunk{Samples: samples, SampleRate: dstRate}, nil
}

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. If the rates match or the input is too short to interpolate,
// the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ApplyGain multiplies samples by gain in place, clamping to [-1, 1].
// A gain of 1 leaves the samples untouched.
func ApplyGain(samples []float32, gain float64) {
	if gain == 1 {
		return
	}
	for i, s := range samples {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = float32(v)
	}
}
