// Package device defines the boundary to the host's audio hardware.
//
// The two abstractions are:
//
//   - [Input] — a live capture device that produces fixed-size sample windows
//     at its own tick rate. The pipeline reacts to the device; it never polls.
//   - [Output] — a playback line that plays one buffer of samples and reports
//     completion.
//
// Implementations are provided by adapter packages (e.g. device/wavfile for
// file-backed streams, device/mock for tests). The interfaces are intentionally
// narrow so the capture and playback pipelines stay decoupled from the host
// audio stack.
//
// This package lives under pkg/ because external code (alternative device
// backends) is expected to implement [Input] and [Output].
package device

import "context"

// Input is a live capture device delivering mono float32 sample windows.
//
// Windows are fixed-length and fixed-rate: every value received from
// [Input.Windows] has exactly WindowSize samples at SampleRate. The channel is
// closed when the device stops or is closed. A window is immutable once
// delivered; consumers must not retain it past the current tick unless they
// copy it.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Start begins capture. It may block while acquiring the underlying
	// hardware (permission grants, driver init); ctx bounds that acquisition.
	Start(ctx context.Context) error

	// Windows returns the channel on which capture windows arrive.
	Windows() <-chan []float32

	// SampleRate returns the capture rate in Hz.
	SampleRate() int

	// WindowSize returns the number of samples per window.
	WindowSize() int

	// Close stops capture and releases the device. Idempotent; closing a
	// device that never started must not error.
	Close() error
}

// Output is a playback line. Play blocks for the duration of the buffer (or
// until ctx is cancelled), which lets the playback scheduler treat one Play
// call as one in-flight chunk.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Play renders samples at the line's sample rate. It returns nil on
	// natural completion and ctx.Err() when cancelled mid-buffer.
	Play(ctx context.Context, samples []float32) error

	// SampleRate returns the playback rate in Hz.
	SampleRate() int

	// Close releases the line. Idempotent.
	Close() error
}
