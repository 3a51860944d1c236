// Package capture owns the live input device and turns its sample windows
// into wire-ready frames for the session transport.
//
// The pipeline is reactive: the device drives the tick rate, the pipeline
// only reacts to windows as they arrive. Per window it always meters the
// input volume (for UI observers) and, unless muted, encodes and forwards the
// frame. Send failures are swallowed — a send can race against channel
// teardown and must never crash capture.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/device"
	"github.com/MrWong99/parley/pkg/pcm"
)

// Sender delivers an encoded audio frame to the session transport. Sends are
// best-effort from the pipeline's point of view: errors are counted and
// dropped, never propagated.
type Sender interface {
	SendAudio(frame pcm.EncodedFrame) error
}

// SenderFunc adapts a function to the [Sender] interface.
type SenderFunc func(frame pcm.EncodedFrame) error

// SendAudio calls f.
func (f SenderFunc) SendAudio(frame pcm.EncodedFrame) error { return f(frame) }

// Stats is a snapshot of pipeline counters.
type Stats struct {
	// Windows is the number of capture windows processed.
	Windows int64

	// FramesSent is the number of encoded frames handed to the sender.
	FramesSent int64

	// SendFailures is the number of sends that errored and were dropped.
	SendFailures int64
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithMeterGain sets the volume-meter scaling factor. Zero or negative
// selects [pcm.DefaultMeterGain].
func WithMeterGain(gain float64) Option {
	return func(p *Pipeline) { p.meterGain = gain }
}

// WithLevelObserver registers cb to receive the volume level of every window,
// in [0, 1]. The callback runs synchronously on the pipeline goroutine and
// must not block. Only one observer may be registered.
func WithLevelObserver(cb func(level float64)) Option {
	return func(p *Pipeline) { p.onLevel = cb }
}

// Pipeline reads fixed-size windows from a [device.Input] and fans them into
// the volume meter and the encoder. All exported methods are safe for
// concurrent use; Run must be called at most once.
type Pipeline struct {
	in        device.Input
	sender    Sender
	meterGain float64
	onLevel   func(float64)

	muted     atomic.Bool
	levelBits atomic.Uint64 // latest level, last-write-wins

	mu    sync.Mutex
	stats Stats
}

// New creates a Pipeline reading from in and sending encoded frames via
// sender. The pipeline does not start the device; callers start it (possibly
// awaiting permission grants) before calling [Pipeline.Run].
func New(in device.Input, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		in:     in,
		sender: sender,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run processes windows until the device's window channel closes or ctx is
// cancelled. It returns nil on channel close and ctx.Err() on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	windows := p.in.Windows()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-windows:
			if !ok {
				return nil
			}
			p.process(w)
		}
	}
}

// process handles one capture window: meter unconditionally, encode and send
// unless muted.
func (p *Pipeline) process(window []float32) {
	level := pcm.Level(window, p.meterGain)
	p.levelBits.Store(math.Float64bits(level))
	if p.onLevel != nil {
		p.onLevel(level)
	}

	p.mu.Lock()
	p.stats.Windows++
	p.mu.Unlock()

	if p.muted.Load() {
		return
	}

	frame := pcm.EncodeFrame(window, p.in.SampleRate())
	if err := p.sender.SendAudio(frame); err != nil {
		// Sends race channel teardown; drop and keep capturing.
		slog.Debug("capture: dropped frame on send failure", "err", err)
		p.mu.Lock()
		p.stats.SendFailures++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.stats.FramesSent++
	p.mu.Unlock()
}

// SetMuted switches the mute flag. The flag is read once per window, so a
// change takes effect on the next tick, never retroactively.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports the current mute flag.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Level returns the most recently metered volume in [0, 1].
func (p *Pipeline) Level() float64 {
	return math.Float64frombits(p.levelBits.Load())
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
