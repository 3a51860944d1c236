// Package transport defines the provider-agnostic session interface to a
// realtime conversational model.
//
// A Session is a persistent bidirectional stream: outbound media (microphone
// audio, optional video frames) goes in via SendMedia, and everything the
// model produces comes back on a single ordered Events channel. Keeping all
// inbound signals on one channel preserves their arrival order, which matters
// for barge-in: an interruption event must be observed before the audio of
// the reply that follows it.
package transport

import "context"

// MediaChunk is one outbound media payload. Data is the raw bytes; the
// transport handles any wire encoding (e.g. base64).
type MediaChunk struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000" or
	// "image/jpeg".
	MIMEType string

	// Data is the raw payload bytes.
	Data []byte
}

// Event is one inbound signal from the model. Exactly one of the signal
// fields is meaningful per event; consumers should check them in order.
type Event struct {
	// Audio is a raw s16le audio payload from the model, nil otherwise.
	Audio []byte

	// Interrupted reports that the model's current reply was cut off by
	// new user speech. Audio already delivered should be discarded.
	Interrupted bool

	// TurnComplete reports that the model finished its reply.
	TurnComplete bool

	// InputTranscript carries a speech-recognition fragment of the user's
	// audio, empty otherwise.
	InputTranscript string

	// OutputTranscript carries the text form of the model's spoken reply,
	// empty otherwise.
	OutputTranscript string
}

// SessionConfig holds per-session parameters passed to [Dialer.Dial].
type SessionConfig struct {
	// Voice selects the model's speech voice. Empty uses the provider
	// default.
	Voice string

	// Instructions is the system prompt steering the model's behavior.
	Instructions string
}

// Session is a live bidirectional stream to the model.
//
// Implementations must make SendMedia and Close safe for concurrent use.
// The Events channel is closed when the stream ends for any reason; after
// it closes, Err reports the terminating error, or nil for a clean close.
type Session interface {
	// SendMedia transmits one or more media chunks to the model.
	SendMedia(chunks ...MediaChunk) error

	// Events returns the ordered stream of inbound model signals.
	Events() <-chan Event

	// Err returns the first error that terminated the stream, if any.
	Err() error

	// Close terminates the session and releases its resources. Idempotent.
	Close() error
}

// Dialer establishes sessions against a concrete provider.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}
