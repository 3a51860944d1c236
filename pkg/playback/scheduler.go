// Package playback schedules decoded audio chunks onto a single virtual
// output timeline so that playback is gapless, never overlapping, and never
// reordered — and tears that timeline down atomically when the remote party
// interrupts.
//
// The [Scheduler] is a single-owner scheduling ledger: it alone holds the
// timeline cursor (the next available start time) and the live set of
// in-flight [Handle]s. Both are guarded by one mutex, which is what makes
// [Scheduler.Reset] atomic with respect to concurrently arriving chunks — a
// chunk racing a reset either schedules entirely before it (and is stopped by
// it) or entirely after it (and starts at "now").
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/device"
	"github.com/MrWong99/parley/pkg/pcm"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler is closed")

// Stats is a snapshot of scheduler counters, taken under the scheduler lock.
type Stats struct {
	// ChunksScheduled is the total number of chunks accepted by Schedule.
	ChunksScheduled int64

	// Resyncs counts schedules where the output clock had already passed the
	// cursor (underrun recovery: the chunk started at "now" instead of the
	// stale cursor).
	Resyncs int64

	// Resets counts Reset calls (interruptions and teardowns).
	Resets int64

	// Live is the current size of the live set.
	Live int
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock overrides the output-timeline clock. Used by tests to control
// scheduling decisions deterministically.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler appends each decoded chunk immediately after the previously
// scheduled chunk's end, guaranteeing no gap and no overlap as long as chunks
// are scheduled in arrival order. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	out   device.Output
	clock Clock

	mu        sync.Mutex
	cursor    time.Duration // next available start time; 0 = uninitialized
	live      map[*Handle]struct{}
	closed    bool
	scheduled int64
	resyncs   int64
	resets    int64
}

// New creates a Scheduler that renders chunks through out. The default clock
// starts at zero at the moment of the call, matching an output line opened at
// the same time.
func New(out device.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:  out,
		live: make(map[*Handle]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = NewClock()
	}
	return s
}

// Handle represents one scheduled, possibly in-flight playback of a chunk.
// A handle leaves the live set exactly once: on natural completion or on
// forced stop, whichever comes first.
type Handle struct {
	startAt time.Duration
	chunk   pcm.Chunk

	stopOnce sync.Once
	cancel   chan struct{}
	done     chan struct{}
}

// StartAt returns the handle's scheduled start time on the output timeline.
func (h *Handle) StartAt() time.Duration { return h.startAt }

// Done returns a channel closed when the handle's playback goroutine has
// exited, whether by completion or forced stop.
func (h *Handle) Done() <-chan struct{} { return h.done }

// stop forcibly cancels the handle. Safe to call any number of times,
// including after natural completion.
func (h *Handle) stop() {
	h.stopOnce.Do(func() { close(h.cancel) })
}

// Schedule places chunk on the timeline at max(cursor, clock now), adds its
// handle to the live set, and advances the cursor by the chunk's duration.
// Chunks are never reordered and never overlap; arrival faster than real time
// just queues further into the future.
func (s *Scheduler) Schedule(chunk pcm.Chunk) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	now := s.clock.Now()
	start := s.cursor
	if now > start {
		// The clock ran past the cursor (first chunk, or an underrun after a
		// long pause): resynchronize to "now" instead of a stale past slot.
		if s.cursor > 0 {
			s.resyncs++
		}
		start = now
	}

	h := &Handle{
		startAt: start,
		chunk:   chunk,
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.live[h] = struct{}{}
	s.cursor = start + chunk.Duration()
	s.scheduled++
	s.mu.Unlock()

	go s.run(h)
	return h, nil
}

// run waits until the handle's slot, renders the chunk, and removes the
// handle from the live set. Removal is idempotent: a handle already evicted
// by Reset deletes nothing.
func (s *Scheduler) run(h *Handle) {
	defer close(h.done)
	defer s.remove(h)

	if delay := h.startAt - s.clock.Now(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.cancel:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.cancel:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.out.Play(ctx, h.chunk.Samples); err != nil && ctx.Err() == nil {
		slog.Warn("playback: output line error", "err", err)
	}
}

func (s *Scheduler) remove(h *Handle) {
	s.mu.Lock()
	delete(s.live, h)
	s.mu.Unlock()
}

// Reset forcibly stops every handle in the live set, clears the set, and
// zeroes the timeline cursor so the next scheduled chunk starts at "now".
// Stopping a handle that already completed naturally is a no-op. Reset is
// atomic with respect to Schedule: both take the scheduler mutex.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// resetLocked must be called with s.mu held.
func (s *Scheduler) resetLocked() {
	for h := range s.live {
		h.stop()
	}
	clear(s.live)
	s.cursor = 0
	s.resets++
}

// Cursor returns the current next-available start time. Zero means the
// timeline is uninitialized (nothing scheduled since the last reset).
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ChunksScheduled: s.scheduled,
		Resyncs:         s.resyncs,
		Resets:          s.resets,
		Live:            len(s.live),
	}
}

// Close resets the timeline and rejects further scheduling. Idempotent;
// subsequent calls are no-ops and return nil. Close does not close the
// underlying output line — the line outlives the timeline it renders.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.resetLocked()
	return nil
}
