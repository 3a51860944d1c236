// Package client owns the lifecycle of a conversation: it wires the capture
// pipeline, the transport session, the playback scheduler and the transcript
// store into one unit that starts, stops and fails together.
//
// Only one session is live at a time. Starting while a session is live tears
// the old one down first; a transport failure moves the client into the
// error state until [Client.Acknowledge] returns it to disconnected. All
// per-session resources live in a single sessionResources value so that
// teardown is one idempotent operation regardless of how far startup got.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/capture"
	"github.com/MrWong99/parley/pkg/device"
	"github.com/MrWong99/parley/pkg/pcm"
	"github.com/MrWong99/parley/pkg/playback"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/video"
	"github.com/google/uuid"
)

// State names the client's lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Config holds per-client conversation parameters.
type Config struct {
	// Voice selects the model's speech voice.
	Voice string

	// Instructions is the system prompt for new sessions.
	Instructions string

	// ModelAudioRate is the sample rate of the model's audio output in Hz.
	// Zero defaults to 24000.
	ModelAudioRate int

	// OutputGain scales playback volume. Zero or one leaves audio untouched.
	OutputGain float64

	// MeterGain scales the input volume meter. Zero selects the built-in
	// default.
	MeterGain float64

	// VideoInterval is the time between video frames. Zero defaults to one
	// second.
	VideoInterval time.Duration

	// JPEGQuality is the video frame compression quality in [1, 100].
	JPEGQuality int
}

// Deps holds the collaborators injected at construction.
type Deps struct {
	// Dialer establishes transport sessions.
	Dialer transport.Dialer

	// Input is the capture device. It is started on the first session and
	// kept open across sessions.
	Input device.Input

	// Output is the playback device, shared by successive sessions.
	Output device.Output

	// Frames is the optional video source. When nil, video is unavailable.
	Frames video.FrameSource

	// Store persists transcripts. When nil, an in-memory store is used.
	Store transcript.Store

	// Metrics receives instrumentation. When nil, [observe.DefaultMetrics]
	// is used.
	Metrics *observe.Metrics
}

// sessionResources bundles everything created for one session so teardown is
// a single idempotent operation. Fields may be nil when startup failed
// partway; teardown tolerates that.
type sessionResources struct {
	id     string
	sess   transport.Session
	sched  *playback.Scheduler
	pipe   *capture.Pipeline
	cancel context.CancelFunc
	once   sync.Once

	// resyncs mirrors the scheduler's resync count as of the last scheduled
	// chunk. Only touched on the event goroutine.
	resyncs int64
}

// teardown releases the session's resources. Safe to call more than once and
// at any stage of initialisation.
func (r *sessionResources) teardown() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.sess != nil {
			_ = r.sess.Close()
		}
		if r.sched != nil {
			_ = r.sched.Close()
		}
	})
}

// Client manages the conversation lifecycle. All exported methods are safe
// for concurrent use.
type Client struct {
	cfg     Config
	dialer  transport.Dialer
	in      device.Input
	out     device.Output
	frames  video.FrameSource
	store   transcript.Store
	metrics *observe.Metrics

	// mu guards lifecycle transitions and res.
	mu           sync.Mutex
	res          *sessionResources
	inputStarted bool

	// stateMu guards the observable state, separate from mu so state reads
	// and observer callbacks never contend with lifecycle operations.
	stateMu   sync.Mutex
	state     State
	lastErr   error
	sessionID string
	onState   func(State)
	onLevel   func(float64)

	muted     atomic.Bool
	videoOn   atomic.Bool
	levelBits atomic.Uint64
}

// New creates a Client in the disconnected state.
func New(cfg Config, deps Deps) *Client {
	if cfg.ModelAudioRate == 0 {
		cfg.ModelAudioRate = 24000
	}
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = time.Second
	}
	store := deps.Store
	if store == nil {
		store = transcript.NewMemoryStore()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Client{
		cfg:     cfg,
		dialer:  deps.Dialer,
		in:      deps.Input,
		out:     deps.Output,
		frames:  deps.Frames,
		store:   store,
		metrics: metrics,
		state:   StateDisconnected,
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Start establishes a new session. A live session is torn down first, so
// Start doubles as restart. On failure the client enters the error state and
// the error is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.res != nil {
		c.release(c.res)
		c.res = nil
	}
	c.setState(StateConnecting, nil)

	sess, err := c.dialer.Dial(ctx, transport.SessionConfig{
		Voice:        c.cfg.Voice,
		Instructions: c.cfg.Instructions,
	})
	if err != nil {
		err = fmt.Errorf("client: dial: %w", err)
		c.metrics.RecordSessionStart(ctx, "error")
		c.setState(StateError, err)
		return err
	}

	if !c.inputStarted {
		if err := c.in.Start(ctx); err != nil {
			_ = sess.Close()
			err = fmt.Errorf("client: start input device: %w", err)
			c.metrics.RecordSessionStart(ctx, "error")
			c.setState(StateError, err)
			return err
		}
		c.inputStarted = true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	res := &sessionResources{
		id:     uuid.NewString(),
		sess:   sess,
		cancel: cancel,
	}
	res.sched = playback.New(c.out)
	res.pipe = capture.New(c.in, &sessionSender{sess: sess, metrics: c.metrics},
		capture.WithMeterGain(c.cfg.MeterGain),
		capture.WithLevelObserver(c.observeLevel),
	)
	res.pipe.SetMuted(c.muted.Load())

	go func() { _ = res.pipe.Run(runCtx) }()
	go c.eventLoop(runCtx, res)
	if c.frames != nil {
		go c.videoLoop(runCtx, res)
	}

	c.res = res
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.RecordSessionStart(ctx, "ok")

	c.stateMu.Lock()
	c.sessionID = res.id
	c.stateMu.Unlock()
	c.setState(StateConnected, nil)

	slog.Info("client: session started", "session_id", res.id, "voice", c.cfg.Voice)
	return nil
}

// Stop gracefully ends the live session. Returns an error when no session is
// live.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.res == nil {
		return fmt.Errorf("client: no active session to stop")
	}
	id := c.res.id
	c.release(c.res)
	c.res = nil
	c.setState(StateDisconnected, nil)

	slog.Info("client: session stopped", "session_id", id)
	return nil
}

// Acknowledge moves the client from error back to disconnected. It is a
// no-op in any other state.
func (c *Client) Acknowledge() {
	c.stateMu.Lock()
	if c.state != StateError {
		c.stateMu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.lastErr = nil
	cb := c.onState
	c.stateMu.Unlock()

	if cb != nil {
		cb(StateDisconnected)
	}
}

// Close tears down any live session. Unlike [Client.Stop] it is quiet about
// there being nothing to do, making it safe in a defer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res != nil {
		c.release(c.res)
		c.res = nil
		c.setState(StateDisconnected, nil)
	}
	return nil
}

// release tears res down and settles the session gauge. Callers hold mu.
func (c *Client) release(res *sessionResources) {
	res.teardown()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

// finish tears down res after a clean remote close and returns to the
// disconnected state, unless res has already been replaced by a newer
// session.
func (c *Client) finish(res *sessionResources) {
	c.mu.Lock()
	if c.res != res {
		c.mu.Unlock()
		res.teardown()
		return
	}
	c.release(res)
	c.res = nil
	c.setState(StateDisconnected, nil)
	c.mu.Unlock()

	slog.Info("client: session ended by remote", "session_id", res.id)
}

// fail tears down res and enters the error state, unless res has already
// been replaced by a newer session.
func (c *Client) fail(res *sessionResources, err error) {
	c.mu.Lock()
	if c.res != res {
		c.mu.Unlock()
		res.teardown()
		return
	}
	c.release(res)
	c.res = nil
	c.setState(StateError, err)
	c.mu.Unlock()

	slog.Error("client: session failed", "session_id", res.id, "err", err)
}

// ── Event handling ─────────────────────────────────────────────────────────────

// eventLoop consumes the session's inbound events until the stream ends or
// the session context is cancelled.
func (c *Client) eventLoop(ctx context.Context, res *sessionResources) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-res.sess.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				// A closed event stream with no terminating error is a
				// clean remote close; only a transport error is surfaced.
				if err := res.sess.Err(); err != nil {
					c.fail(res, err)
				} else {
					c.finish(res)
				}
				return
			}
			c.handleEvent(ctx, res, ev)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, res *sessionResources, ev transport.Event) {
	switch {
	case ev.Interrupted:
		res.sched.Reset()
		c.metrics.Interruptions.Add(ctx, 1)
		slog.Debug("client: reply interrupted, playback timeline reset", "session_id", res.id)

	case len(ev.Audio) > 0:
		chunk, err := pcm.Decode(ev.Audio, c.cfg.ModelAudioRate, c.out.SampleRate())
		if err != nil {
			// A bad payload is dropped without touching the timeline.
			c.metrics.DecodeErrors.Add(ctx, 1)
			observe.Logger(ctx).Warn("client: dropped undecodable audio payload",
				"session_id", res.id, "bytes", len(ev.Audio), "err", err)
			return
		}
		if c.cfg.OutputGain != 0 && c.cfg.OutputGain != 1 {
			pcm.ApplyGain(chunk.Samples, c.cfg.OutputGain)
		}
		if _, err := res.sched.Schedule(chunk); err != nil {
			slog.Debug("client: chunk arrived after scheduler close", "session_id", res.id)
			return
		}
		c.metrics.ChunksScheduled.Add(ctx, 1)
		c.metrics.ChunkDuration.Record(ctx, chunk.Duration().Seconds())
		if n := res.sched.Stats().Resyncs; n > res.resyncs {
			c.metrics.Resyncs.Add(ctx, n-res.resyncs)
			res.resyncs = n
		}

	case ev.InputTranscript != "":
		c.appendTranscript(ctx, res.id, transcript.SpeakerUser, ev.InputTranscript)

	case ev.OutputTranscript != "":
		c.appendTranscript(ctx, res.id, transcript.SpeakerModel, ev.OutputTranscript)

	case ev.TurnComplete:
		slog.Debug("client: model turn complete", "session_id", res.id)
	}
}

// appendTranscript persists a fragment best-effort; the conversation goes on
// when the store is unavailable.
func (c *Client) appendTranscript(ctx context.Context, sessionID, speaker, text string) {
	err := c.store.Append(ctx, transcript.Entry{
		SessionID: sessionID,
		Speaker:   speaker,
		Text:      text,
	})
	if err != nil {
		observe.Logger(ctx).Warn("client: transcript append failed", "session_id", sessionID, "err", err)
	}
}

// videoLoop samples and transmits frames while video is enabled. Frame grabs
// and sends are best-effort.
func (c *Client) videoLoop(ctx context.Context, res *sessionResources) {
	ticker := time.NewTicker(c.cfg.VideoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.videoOn.Load() {
			continue
		}

		frame, err := c.frames.Frame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("client: frame grab failed", "session_id", res.id, "err", err)
			continue
		}
		data, err := video.EncodeJPEG(frame, c.cfg.JPEGQuality)
		if err != nil {
			slog.Debug("client: frame encode failed", "session_id", res.id, "err", err)
			continue
		}
		if err := res.sess.SendMedia(transport.MediaChunk{MIMEType: "image/jpeg", Data: data}); err != nil {
			c.metrics.SendFailures.Add(ctx, 1)
			slog.Debug("client: dropped video frame on send failure", "session_id", res.id, "err", err)
			continue
		}
		c.metrics.RecordMediaSent(ctx, "video")
	}
}

// observeLevel fans a window's volume level into the metric, the cached
// value, and the registered observer.
func (c *Client) observeLevel(level float64) {
	c.metrics.CaptureWindows.Add(context.Background(), 1)
	c.levelBits.Store(math.Float64bits(level))

	c.stateMu.Lock()
	cb := c.onLevel
	c.stateMu.Unlock()
	if cb != nil {
		cb(level)
	}
}

// ── Observable state and toggles ───────────────────────────────────────────────

// setState records the new state and notifies the observer. err is retained
// only for the error state.
func (c *Client) setState(s State, err error) {
	c.stateMu.Lock()
	c.state = s
	if s == StateError {
		c.lastErr = err
	} else {
		c.lastErr = nil
	}
	cb := c.onState
	c.stateMu.Unlock()

	if cb != nil {
		cb(s)
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Err returns the error that put the client into the error state, or nil.
func (c *Client) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastErr
}

// SessionID returns the identifier of the current or most recent session.
func (c *Client) SessionID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionID
}

// StateLabel reports the state name and whether the client is healthy, in
// the shape the readiness check expects.
func (c *Client) StateLabel() (string, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return string(c.state), c.state != StateError
}

// OnStateChange registers cb to be invoked on every state transition. Only
// one observer may be registered; cb must not call back into the Client.
func (c *Client) OnStateChange(cb func(State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.onState = cb
}

// OnLevel registers cb to receive the input volume of every capture window,
// in [0, 1]. cb runs on the capture goroutine and must not block.
func (c *Client) OnLevel(cb func(float64)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.onLevel = cb
}

// Level returns the most recent input volume in [0, 1].
func (c *Client) Level() float64 {
	return math.Float64frombits(c.levelBits.Load())
}

// SetMuted switches microphone muting. Takes effect on the next capture
// window; already-sent audio is not recalled.
func (c *Client) SetMuted(muted bool) {
	c.muted.Store(muted)
	c.mu.Lock()
	if c.res != nil {
		c.res.pipe.SetMuted(muted)
	}
	c.mu.Unlock()
}

// Muted reports the mute flag.
func (c *Client) Muted() bool { return c.muted.Load() }

// SetVideoEnabled toggles periodic frame transmission. Has no effect when no
// frame source is configured.
func (c *Client) SetVideoEnabled(enabled bool) { c.videoOn.Store(enabled) }

// VideoEnabled reports the video flag.
func (c *Client) VideoEnabled() bool { return c.videoOn.Load() }

// History returns the transcript of the given session, oldest first.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	return c.store.BySession(ctx, sessionID, limit)
}

// ── sessionSender ──────────────────────────────────────────────────────────────

// sessionSender adapts a transport session to the capture pipeline's sender
// interface, recording media metrics along the way.
type sessionSender struct {
	sess    transport.Session
	metrics *observe.Metrics
}

var _ capture.Sender = (*sessionSender)(nil)

func (s *sessionSender) SendAudio(frame pcm.EncodedFrame) error {
	err := s.sess.SendMedia(transport.MediaChunk{MIMEType: frame.MIMEType, Data: frame.Data})
	if err != nil {
		s.metrics.SendFailures.Add(context.Background(), 1)
		return err
	}
	s.metrics.RecordMediaSent(context.Background(), "audio")
	return nil
}
