// Package wavfile provides file-backed implementations of the device
// interfaces for development and testing without real audio hardware.
//
// Input replays a WAV file as if it were a live microphone, pacing windows
// in real time. Output records everything played into a WAV file, blocking
// for each chunk's duration the way a real output line would.
package wavfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/device"
	"github.com/MrWong99/parley/pkg/pcm"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Compile-time interface assertions.
var _ device.Input = (*Input)(nil)
var _ device.Output = (*Output)(nil)

// ── Input ──────────────────────────────────────────────────────────────────────

// Input replays a WAV file as a capture device. The file is decoded up
// front, downmixed to mono, resampled to the requested rate and chopped into
// fixed-size windows. Start paces delivery in real time; the window channel
// closes when the file is exhausted.
type Input struct {
	rate    int
	winSize int
	samples []float32
	ch      chan []float32

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewInput decodes the WAV file at path and prepares it for replay at
// sampleRate with windowSize samples per window.
func NewInput(path string, sampleRate, windowSize int) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("wavfile: %s: missing format information", path)
	}

	samples := monoFloat32(buf)
	if buf.Format.SampleRate != sampleRate {
		samples = pcm.Resample(samples, buf.Format.SampleRate, sampleRate)
	}

	return &Input{
		rate:    sampleRate,
		winSize: windowSize,
		samples: samples,
		ch:      make(chan []float32, 8),
	}, nil
}

// monoFloat32 downmixes an interleaved PCM buffer to mono float32 in [-1, 1].
func monoFloat32(buf *audio.IntBuffer) []float32 {
	ch := buf.Format.NumChannels
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / ch
	out := make([]float32, frames)
	for i := range frames {
		var sum float64
		for c := range ch {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = float32(sum / float64(ch) / scale)
	}
	return out
}

// Start begins paced window delivery. Each window is emitted after its
// real-time duration has elapsed. The channel closes at end of file or when
// ctx is cancelled.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started {
		return fmt.Errorf("wavfile: input already started")
	}
	in.started = true

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	go in.replay(runCtx)
	return nil
}

func (in *Input) replay(ctx context.Context) {
	defer close(in.ch)

	interval := time.Duration(in.winSize) * time.Second / time.Duration(in.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for off := 0; off < len(in.samples); off += in.winSize {
		end := min(off+in.winSize, len(in.samples))
		window := make([]float32, in.winSize)
		copy(window, in.samples[off:end])

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case in.ch <- window:
		case <-ctx.Done():
			return
		}
	}
}

// Windows returns the paced window channel.
func (in *Input) Windows() <-chan []float32 { return in.ch }

// SampleRate returns the replay rate.
func (in *Input) SampleRate() int { return in.rate }

// WindowSize returns the samples per window.
func (in *Input) WindowSize() int { return in.winSize }

// Close stops replay. Idempotent.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
	return nil
}

// ── Output ─────────────────────────────────────────────────────────────────────

// Output records played audio into a 16-bit mono WAV file. Play blocks for
// the chunk's real-time duration so upstream scheduling behaves as it would
// against a sound card.
type Output struct {
	rate int
	file *os.File
	enc  *wav.Encoder

	mu     sync.Mutex
	closed bool
}

// NewOutput creates the WAV file at path and prepares it for writing at
// sampleRate.
func NewOutput(path string, sampleRate int) (*Output, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create: %w", err)
	}
	return &Output{
		rate: sampleRate,
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
	}, nil
}

// Play appends samples to the file and blocks for their playback duration,
// returning early with ctx.Err() on cancellation.
func (o *Output) Play(ctx context.Context, samples []float32) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("wavfile: output closed")
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: o.rate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		buf.Data[i] = int(v)
	}
	err := o.enc.Write(buf)
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wavfile: write: %w", err)
	}

	dur := time.Duration(len(samples)) * time.Second / time.Duration(o.rate)
	select {
	case <-time.After(dur):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SampleRate returns the file's sample rate.
func (o *Output) SampleRate() int { return o.rate }

// Close finalizes the WAV header and closes the file. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.enc.Close(); err != nil {
		o.file.Close()
		return fmt.Errorf("wavfile: finalize: %w", err)
	}
	return o.file.Close()
}
