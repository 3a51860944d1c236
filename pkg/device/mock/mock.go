// Package mock provides in-memory [device.Input] and [device.Output]
// implementations for tests. The input is fed by the test via Push; the
// output records every buffer it is asked to play.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/device"
)

// Compile-time interface assertions.
var _ device.Input = (*Input)(nil)
var _ device.Output = (*Output)(nil)

// Input is a test capture device. Windows pushed via [Input.Push] are
// delivered to the consumer in order.
type Input struct {
	rate    int
	winSize int
	ch      chan []float32

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewInput creates a mock input at the given rate and window size with a
// buffered delivery channel.
func NewInput(sampleRate, windowSize int) *Input {
	return &Input{
		rate:    sampleRate,
		winSize: windowSize,
		ch:      make(chan []float32, 64),
	}
}

// Start marks the device as started. It never blocks.
func (in *Input) Start(_ context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.started = true
	return nil
}

// Started reports whether Start was called.
func (in *Input) Started() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.started
}

// Push delivers one window to the consumer. Pushing to a closed input is a
// no-op so tests can race Push against Close safely.
func (in *Input) Push(window []float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.ch <- window
}

// Windows returns the delivery channel.
func (in *Input) Windows() <-chan []float32 { return in.ch }

// SampleRate returns the configured capture rate.
func (in *Input) SampleRate() int { return in.rate }

// WindowSize returns the configured window length.
func (in *Input) WindowSize() int { return in.winSize }

// Close closes the delivery channel. Idempotent.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	close(in.ch)
	return nil
}

// Output is a test playback line that records played buffers. When Block is
// set, Play parks until its context is cancelled, which lets tests hold a
// chunk "in flight" while they trigger an interruption.
type Output struct {
	rate int

	// Block makes Play wait for ctx cancellation instead of returning
	// immediately. Set before the first Play call.
	Block bool

	mu     sync.Mutex
	played [][]float32
	closed bool
}

// NewOutput creates a mock output line at the given rate.
func NewOutput(sampleRate int) *Output {
	return &Output{rate: sampleRate}
}

// Play records a copy of samples. With Block set it then waits for ctx.
func (o *Output) Play(ctx context.Context, samples []float32) error {
	cp := make([]float32, len(samples))
	copy(cp, samples)

	o.mu.Lock()
	o.played = append(o.played, cp)
	o.mu.Unlock()

	if o.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

// Played returns a snapshot of all buffers played so far.
func (o *Output) Played() [][]float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]float32, len(o.played))
	copy(out, o.played)
	return out
}

// SampleRate returns the configured playback rate.
func (o *Output) SampleRate() int { return o.rate }

// Closed reports whether Close was called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close marks the line closed. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}
